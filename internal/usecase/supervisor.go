package usecase

import (
	"context"
	"fmt"

	"github.com/semmidev/sitekeeper/internal/domain"
	"github.com/semmidev/sitekeeper/internal/infrastructure/metrics"
)

type CheckResult string

const (
	CheckHealthy       CheckResult = "healthy"
	CheckRestarted     CheckResult = "restarted"
	CheckRestartFailed CheckResult = "restart_failed"
	CheckQueryFailed   CheckResult = "query_failed"
)

// Supervisor keeps the scheduler process alive. It holds no state between
// checks; the scheduler's own claims make an extra restart harmless.
type Supervisor struct {
	manager  domain.ProcessManager
	notifier domain.Notifier
	logger   Logger
	metrics  *metrics.Metrics
}

func NewSupervisor(manager domain.ProcessManager, notifier domain.Notifier, logger Logger, m *metrics.Metrics) *Supervisor {
	if notifier == nil {
		notifier = domain.NopNotifier{}
	}
	return &Supervisor{manager: manager, notifier: notifier, logger: logger, metrics: m}
}

// Check queries the process once and issues at most one restart. Errors are
// returned for logging only; the next check simply tries again.
func (uc *Supervisor) Check(ctx context.Context) (CheckResult, error) {
	result, err := uc.check(ctx)
	uc.metrics.SupervisorCheck(string(result))
	return result, err
}

func (uc *Supervisor) check(ctx context.Context) (CheckResult, error) {
	status, err := uc.manager.Status(ctx)
	if err != nil {
		uc.logger.Errorf("Failed to query scheduler status: %v", err)
		return CheckQueryFailed, fmt.Errorf("query status: %w", err)
	}
	if status.Healthy() {
		uc.logger.Debugf("Scheduler is running (pid %d)", status.PID)
		return CheckHealthy, nil
	}

	uc.logger.Warnf("Scheduler is %s (pid %d, %s), restarting", status.State, status.PID, status.Detail)
	if err := uc.manager.Restart(ctx); err != nil {
		uc.logger.Errorf("Failed to restart scheduler: %v", err)
		return CheckRestartFailed, fmt.Errorf("restart: %w", err)
	}

	uc.metrics.SupervisorRestart()
	uc.logger.Infof("Scheduler restart issued")
	if err := uc.notifier.Notify(ctx, fmt.Sprintf("Scheduler was %s and has been restarted", status.State)); err != nil {
		uc.logger.Warnf("Failed to send notification: %v", err)
	}
	return CheckRestarted, nil
}
