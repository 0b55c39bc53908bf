package autoscaler

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// ExecController resizes the pool by running a shell command. The literal {count} in the
// resize command is replaced with the target size. The optional count command must print
// the live worker count.
type ExecController struct {
	Logger    *zap.Logger
	resizeCmd string
	countCmd  string
	shell     string
}

var _ WorkerPoolController = (*ExecController)(nil)

func NewExecController(logger *zap.Logger, resizeCmd, countCmd string) *ExecController {
	return &ExecController{
		Logger:    logger.With(zap.String("component", "exec_controller")),
		resizeCmd: resizeCmd,
		countCmd:  countCmd,
		shell:     "/bin/sh",
	}
}

func (c *ExecController) Resize(ctx context.Context, n int) error {
	cmd := strings.ReplaceAll(c.resizeCmd, "{count}", strconv.Itoa(n))
	out, err := c.run(ctx, cmd)
	if err != nil {
		return fmt.Errorf("resize command: %w", err)
	}
	c.Logger.Info("resize command finished", zap.Int("replicas", n), zap.String("output", out))
	return nil
}

func (c *ExecController) CurrentWorkers(ctx context.Context) (int, error) {
	if c.countCmd == "" {
		return 0, ErrCountUnknown
	}
	out, err := c.run(ctx, c.countCmd)
	if err != nil {
		return 0, fmt.Errorf("count command: %w", err)
	}
	n, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("count command printed %q: %w", out, ErrCountUnknown)
	}
	return n, nil
}

func (c *ExecController) run(ctx context.Context, command string) (string, error) {
	out, err := exec.CommandContext(ctx, c.shell, "-c", command).CombinedOutput()
	trimmed := strings.TrimSpace(string(out))
	if err != nil {
		if trimmed != "" {
			return trimmed, fmt.Errorf("%w: %s", err, trimmed)
		}
		return trimmed, err
	}
	return trimmed, nil
}
