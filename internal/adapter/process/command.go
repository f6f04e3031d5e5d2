package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/semmidev/sitekeeper/internal/domain"
)

// CommandManager delegates to the host process manager through commands,
// e.g. "systemctl is-active sitekeeper-scheduler". A zero exit status means
// running.
type CommandManager struct {
	statusCommand  []string
	restartCommand []string
	timeout        time.Duration
}

func NewCommand(statusCommand, restartCommand []string) *CommandManager {
	return &CommandManager{
		statusCommand:  statusCommand,
		restartCommand: restartCommand,
		timeout:        time.Minute,
	}
}

func (m *CommandManager) Status(ctx context.Context) (domain.ProcessStatus, error) {
	out, err := m.run(ctx, m.statusCommand)
	if err == nil {
		return domain.ProcessStatus{State: domain.ProcessRunning, Detail: out}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		detail := fmt.Sprintf("exit status %d", exitErr.ExitCode())
		if out != "" {
			detail += ": " + out
		}
		return domain.ProcessStatus{State: domain.ProcessStopped, Detail: detail}, nil
	}
	return domain.ProcessStatus{}, err
}

func (m *CommandManager) Restart(ctx context.Context) error {
	out, err := m.run(ctx, m.restartCommand)
	if err != nil {
		if out != "" {
			return fmt.Errorf("%w: %s", err, out)
		}
		return err
	}
	return nil
}

func (m *CommandManager) run(ctx context.Context, argv []string) (string, error) {
	if len(argv) == 0 {
		return "", fmt.Errorf("no command configured")
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	out := strings.TrimSpace(buf.String())

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return out, fmt.Errorf("failed to run %s: %w", argv[0], err)
	}
	return out, err
}
