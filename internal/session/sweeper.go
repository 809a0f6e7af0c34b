package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultSweepInterval is used when RunSweeper gets a non-positive interval.
const DefaultSweepInterval = 5 * time.Minute

// RunSweeper removes stale sessions every interval until ctx is done. A
// failing sweep is logged and the loop keeps going.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.sweepOnce(); err != nil {
				s.logger.Error("cleanup error", zap.Error(err))
			}
		}
	}
}

// StartSweeper runs RunSweeper in its own goroutine.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		_ = s.RunSweeper(ctx, interval)
	}()
}

func (s *Store) sweepOnce() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sweep panicked: %v", r)
		}
	}()
	s.Sweep(s.now())
	return nil
}
