package autoscaler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/canopy-network/poolscaler/pkg/config"
	"go.uber.org/zap"
)

// ErrCountUnknown is returned by CurrentWorkers when the controller cannot report a live count.
var ErrCountUnknown = errors.New("autoscaler: worker count unknown")

// WorkerPoolController resizes the worker pool on the platform that runs it.
// Resize may be slow and may fail; the autoscaler treats failures as non-fatal.
type WorkerPoolController interface {
	// Resize requests exactly n workers.
	Resize(ctx context.Context, n int) error
	// CurrentWorkers reports the live worker count, or ErrCountUnknown.
	CurrentWorkers(ctx context.Context) (int, error)
}

// NewController builds the controller selected by cfg.Kind.
func NewController(cfg config.Controller, logger *zap.Logger) (WorkerPoolController, error) {
	switch cfg.Kind {
	case "fake", "":
		return NewFakeController(logger, -1), nil
	case "k8s":
		return NewK8sControllerFromConfig(logger, cfg.Namespace, cfg.Deployment)
	case "exec":
		return NewExecController(logger, cfg.ResizeCommand, cfg.CountCommand), nil
	default:
		return nil, fmt.Errorf("unknown pool controller %q", cfg.Kind)
	}
}

// FakeController records resize calls and never touches real infrastructure.
type FakeController struct {
	logger *zap.Logger

	mu      sync.Mutex
	workers int
	calls   []int
	err     error
}

var _ WorkerPoolController = (*FakeController)(nil)

// NewFakeController starts at initial workers. A negative initial count reports ErrCountUnknown
// until the first successful Resize.
func NewFakeController(logger *zap.Logger, initial int) *FakeController {
	return &FakeController{logger: logger.With(zap.String("component", "fake_controller")), workers: initial}
}

// Resize records n and, unless a failure is injected, adopts it as the live count.
func (f *FakeController) Resize(_ context.Context, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, n)
	if f.err != nil {
		return f.err
	}
	f.logger.Info("resize", zap.Int("from", f.workers), zap.Int("to", n))
	f.workers = n
	return nil
}

func (f *FakeController) CurrentWorkers(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.workers < 0 {
		return 0, ErrCountUnknown
	}
	return f.workers, nil
}

// FailWith makes every following Resize return err. Pass nil to recover.
func (f *FakeController) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Calls returns the requested sizes in order.
func (f *FakeController) Calls() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.calls))
	copy(out, f.calls)
	return out
}
