package command

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
)

// RestartExecutor handles the "restart" command by invoking the platform's
// shutdown utility with a short grace period, so the completion status has
// time to reach the collector before the host goes down.
type RestartExecutor struct {
	logger *slog.Logger

	// runCommand is swappable for tests.
	runCommand func(ctx context.Context, name string, args ...string) error
}

// NewRestartExecutor creates a RestartExecutor. A nil logger discards output.
func NewRestartExecutor(logger *slog.Logger) *RestartExecutor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RestartExecutor{
		logger: logger,
		runCommand: func(ctx context.Context, name string, args ...string) error {
			return exec.CommandContext(ctx, name, args...).Start()
		},
	}
}

// Execute dispatches on command type. Unknown types are reported as failed
// commands with a descriptive result, not pipeline errors.
func (e *RestartExecutor) Execute(ctx context.Context, commandType string) (string, error) {
	switch commandType {
	case "restart":
		e.logger.Warn("system_restart_requested")
		if err := e.restart(ctx); err != nil {
			return "", fmt.Errorf("initiating restart: %w", err)
		}
		return "Restart initiated", nil
	default:
		return "", fmt.Errorf("unknown command type: %s", commandType)
	}
}

func (e *RestartExecutor) restart(ctx context.Context) error {
	if runtime.GOOS == "windows" {
		return e.runCommand(ctx, "shutdown", "/r", "/t", "5", "/f")
	}
	return e.runCommand(ctx, "shutdown", "-r", "+1")
}
