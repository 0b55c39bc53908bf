package queue

import (
	"context"
	"sync"
)

// Static reports a settable depth. It stands in for a real queue in local runs and tests.
type Static struct {
	mu    sync.Mutex
	depth int64
	err   error
}

var _ StatsProvider = (*Static)(nil)

func NewStatic(depth int64) *Static { return &Static{depth: depth} }

// Set changes the reported depth.
func (s *Static) Set(depth int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.depth = depth
}

// FailWith makes reads return err until cleared with nil.
func (s *Static) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Static) QueueDepth(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	return s.depth, nil
}

func (s *Static) Stats(ctx context.Context) (Stats, error) {
	d, err := s.QueueDepth(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Depth: d}, nil
}
