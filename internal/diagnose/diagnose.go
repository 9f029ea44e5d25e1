// Package diagnose runs the VLM runner's device self-test as a one-shot
// subprocess. The runner owns the accelerator, so the probe runs in its
// process too; this side only relays the report and maps the exit status.
package diagnose

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"
)

// timeout bounds the probe; a wedged driver otherwise hangs the command
// forever.
const timeout = 30 * time.Second

// Run executes the runner command with --diagnose, streaming its report to
// out. A non-zero exit maps to an error describing the failure.
func Run(ctx context.Context, command string, out io.Writer) error {
	if command == "" {
		return errors.New("runner command is required")
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, command, "--diagnose")
	cmd.Stdout = out
	cmd.Stderr = out

	slog.Info("running device diagnostics", "command", command)

	err := cmd.Run()
	switch {
	case err == nil:
		return nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("diagnostics timed out after %s", timeout)
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("device not usable (exit status %d)", exitErr.ExitCode())
		}
		return fmt.Errorf("failed to run diagnostics: %w", err)
	}
}
