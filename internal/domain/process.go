package domain

import "context"

type ProcessState string

const (
	ProcessRunning   ProcessState = "running"
	ProcessUnhealthy ProcessState = "unhealthy"
	ProcessStopped   ProcessState = "stopped"
)

type ProcessStatus struct {
	State  ProcessState
	PID    int32
	Detail string
}

func (s ProcessStatus) Healthy() bool {
	return s.State == ProcessRunning
}

// ProcessManager is the host process manager the supervisor talks to.
type ProcessManager interface {
	Status(ctx context.Context) (ProcessStatus, error)
	Restart(ctx context.Context) error
}
