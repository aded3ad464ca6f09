package approval

import (
	"context"
	"log/slog"
	"time"
)

// Expirer flips overdue pending approvals to expired.
type Expirer interface {
	ExpirePending(ctx context.Context) ([]Approval, error)
}

// Sweeper runs ExpirePending on a fixed interval until its context is done.
type Sweeper struct {
	// Expirer performs one sweep.
	Expirer Expirer
	// Interval is the sweep period.
	Interval time.Duration
	// Logger receives sweep results.
	Logger *slog.Logger
}

// Run blocks until ctx is cancelled.
func (s Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if s.Logger != nil {
		s.Logger.Info("approval sweeper started", "interval", interval.String())
	}
	for {
		select {
		case <-ctx.Done():
			if s.Logger != nil {
				s.Logger.Info("approval sweeper stopped")
			}
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass and returns the number of expired approvals.
func (s Sweeper) Sweep(ctx context.Context) int {
	if s.Expirer == nil {
		return 0
	}
	expired, err := s.Expirer.ExpirePending(ctx)
	if err != nil {
		if s.Logger != nil && ctx.Err() == nil {
			s.Logger.Error("approval sweep failed", "error", err)
		}
		return 0
	}
	if len(expired) > 0 && s.Logger != nil {
		s.Logger.Info("approvals expired", "count", len(expired))
	}
	return len(expired)
}
