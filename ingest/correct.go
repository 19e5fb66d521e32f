package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/coneno/logger"
)

// Corrector rewrites a DICOM file from in to out.
type Corrector interface {
	Correct(ctx context.Context, in, out string) error
}

// ToolCorrector runs an external correction program as `<Command...> in out`.
type ToolCorrector struct {
	Command []string
	Timeout time.Duration
}

// NewToolCorrector splits a command line such as "python correct/main.py".
func NewToolCorrector(commandLine string, timeout time.Duration) *ToolCorrector {
	return &ToolCorrector{Command: strings.Fields(commandLine), Timeout: timeout}
}

func (c *ToolCorrector) Correct(ctx context.Context, in, out string) error {
	if len(c.Command) == 0 {
		return errors.New("correction command not configured")
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	args := append(append([]string{}, c.Command[1:]...), in, out)
	cmd := exec.CommandContext(ctx, c.Command[0], args...)
	killProcessGroup(cmd)
	cmd.WaitDelay = 5 * time.Second

	output, err := cmd.CombinedOutput()
	if ctxErr := ctx.Err(); ctxErr != nil {
		// a partial or late output must not be delivered
		if rmErr := os.Remove(out); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			logger.Warning.Printf("Correct: remove %s: %v", out, rmErr)
		}
		return fmt.Errorf("correction tool %s: %w", c.Command[0], ctxErr)
	}
	if err != nil {
		return fmt.Errorf("correction tool %s: %w: %s", c.Command[0], err, strings.TrimSpace(string(output)))
	}
	return nil
}
