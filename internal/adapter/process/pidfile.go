package process

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/semmidev/sitekeeper/internal/domain"
)

// ReadPIDFile returns the pid stored in path.
func ReadPIDFile(path string) (int32, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 32)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pidfile %s: %q", path, strings.TrimSpace(string(raw)))
	}
	return int32(pid), nil
}

// AcquirePIDFile writes the current pid to path. It fails when the file
// names another live process called processName. The returned release
// removes the file if it still holds our pid.
func AcquirePIDFile(ctx context.Context, path, processName string) (func(), error) {
	self := int32(os.Getpid())

	if pid, err := ReadPIDFile(path); err == nil && pid != self {
		if p, alive := lookup(ctx, pid); alive && nameMatches(ctx, p, processName) {
			return nil, fmt.Errorf("already running with pid %d (%s)", pid, path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create pidfile directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(int(self))+"\n"), 0644); err != nil {
		return nil, fmt.Errorf("failed to write pidfile: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("failed to write pidfile: %w", err)
	}

	return func() {
		if pid, err := ReadPIDFile(path); err == nil && pid == self {
			os.Remove(path)
		}
	}, nil
}

// PIDFileManager supervises a process that records its pid in a file and
// can be started with a plain command.
type PIDFileManager struct {
	pidFile      string
	processName  string
	startCommand []string
	stopTimeout  time.Duration
}

func NewPIDFile(pidFile, processName string, startCommand []string) *PIDFileManager {
	return &PIDFileManager{
		pidFile:      pidFile,
		processName:  processName,
		startCommand: startCommand,
		stopTimeout:  10 * time.Second,
	}
}

func (m *PIDFileManager) Status(ctx context.Context) (domain.ProcessStatus, error) {
	pid, err := ReadPIDFile(m.pidFile)
	if errors.Is(err, fs.ErrNotExist) {
		return domain.ProcessStatus{State: domain.ProcessStopped, Detail: "no pidfile"}, nil
	}
	if err != nil {
		return domain.ProcessStatus{State: domain.ProcessStopped, Detail: err.Error()}, nil
	}

	p, alive := lookup(ctx, pid)
	if !alive {
		return domain.ProcessStatus{State: domain.ProcessStopped, PID: pid, Detail: "process not found"}, nil
	}

	if !nameMatches(ctx, p, m.processName) {
		return domain.ProcessStatus{State: domain.ProcessStopped, PID: pid, Detail: "pid belongs to another program"}, nil
	}

	states, err := p.StatusWithContext(ctx)
	if err != nil {
		return domain.ProcessStatus{}, fmt.Errorf("failed to read status of pid %d: %w", pid, err)
	}
	for _, s := range states {
		switch s {
		case process.Zombie, process.Stop:
			return domain.ProcessStatus{State: domain.ProcessUnhealthy, PID: pid, Detail: s}, nil
		}
	}

	return domain.ProcessStatus{State: domain.ProcessRunning, PID: pid}, nil
}

// Restart stops whatever the pidfile still points at and launches the start
// command detached from the supervisor. The new process writes its own
// pidfile.
func (m *PIDFileManager) Restart(ctx context.Context) error {
	if len(m.startCommand) == 0 {
		return fmt.Errorf("no start command configured")
	}

	if pid, err := ReadPIDFile(m.pidFile); err == nil {
		if p, alive := lookup(ctx, pid); alive && nameMatches(ctx, p, m.processName) {
			if err := m.stop(ctx, p); err != nil {
				return fmt.Errorf("failed to stop pid %d: %w", pid, err)
			}
		}
	}

	cmd := exec.Command(m.startCommand[0], m.startCommand[1:]...)
	detach(cmd)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", m.startCommand[0], err)
	}
	// Reap the child when it exits so it never lingers as a zombie.
	go func() { _ = cmd.Wait() }()

	return nil
}

func (m *PIDFileManager) stop(ctx context.Context, p *process.Process) error {
	if err := p.TerminateWithContext(ctx); err != nil {
		return err
	}

	deadline := time.Now().Add(m.stopTimeout)
	for time.Now().Before(deadline) {
		running, err := p.IsRunningWithContext(ctx)
		if err != nil || !running {
			return nil
		}
		if states, err := p.StatusWithContext(ctx); err == nil && len(states) > 0 && states[0] == process.Zombie {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	return p.KillWithContext(ctx)
}

func lookup(ctx context.Context, pid int32) (*process.Process, bool) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, false
	}
	running, err := p.IsRunningWithContext(ctx)
	if err != nil || !running {
		return nil, false
	}
	return p, true
}

// nameMatches guards against a recycled pid. An empty name accepts any
// process.
func nameMatches(ctx context.Context, p *process.Process, name string) bool {
	if name == "" {
		return true
	}
	got, err := p.NameWithContext(ctx)
	if err != nil {
		return false
	}
	return got == name || filepath.Base(got) == name
}
