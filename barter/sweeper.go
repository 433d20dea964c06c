package barter

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"settleflow/settlement"
)

// Sweeper expires pending proposals whose deadline has passed so that
// stored status catches up with effective status.
type Sweeper struct {
	repo      *Repository
	logger    *slog.Logger
	now       func() time.Time
	onExpired func(ctx context.Context, p Proposal)
}

func NewSweeper(repo *Repository, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		repo:   repo,
		logger: logger.With("module", "barter", "layer", "sweeper"),
		now:    time.Now,
	}
}

// WithClock overrides the time source used by Run.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// OnExpired registers a hook invoked after each committed expiry.
func (s *Sweeper) OnExpired(fn func(ctx context.Context, p Proposal)) *Sweeper {
	s.onExpired = fn
	return s
}

// SweepExpired moves every pending proposal that lapsed before the given
// instant to expired and returns how many it moved. Proposals answered
// concurrently are skipped. Running it twice is harmless.
func (s *Sweeper) SweepExpired(ctx context.Context, before time.Time) (int, error) {
	ids, err := s.repo.PendingIDs(ctx)
	if err != nil {
		return 0, err
	}

	var (
		count int
		errs  []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		var moved bool
		p, err := s.repo.Update(ctx, id, func(p *Proposal) (*Proposal, error) {
			moved = Expire(p, before)
			return nil, nil
		})
		if err != nil {
			if errors.Is(err, settlement.ErrNotFound) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		if !moved {
			continue
		}
		count++
		if s.onExpired != nil {
			s.onExpired(ctx, p)
		}
	}
	return count, errors.Join(errs...)
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.SweepExpired(ctx, s.now())
			if err != nil && ctx.Err() == nil {
				s.logger.WarnContext(ctx, "expiry sweep incomplete",
					"operation", "sweep_expired",
					"outcome", "failure",
					"expired", n,
					"error", err,
				)
				continue
			}
			if n > 0 {
				s.logger.InfoContext(ctx, "expired stale proposals",
					"operation", "sweep_expired",
					"outcome", "success",
					"expired", n,
				)
			}
		}
	}
}
