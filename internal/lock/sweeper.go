package lock

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
)

const defaultSweepWorkers = 8

// Sweeper turns store-side TTL expiry into LOCK_EXPIRED notifications.
// Several instances may sweep concurrently; the one whose index removal
// succeeds reports the expiry. Notifications lag expiry by up to one
// interval.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	workers  int
}

func NewSweeper(registry *Registry, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Sweeper{registry: registry, interval: interval, workers: defaultSweepWorkers}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logger := s.registry.logger
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SweepOnce(ctx)
			if err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("lock sweep failed")
				continue
			}
			if n > 0 {
				logger.Debug().Int("expired", n).Msg("lock sweep")
			}
		}
	}
}

// SweepOnce checks every draft with indexed locks and returns the number of
// expiries this call reported.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	r := s.registry
	drafts, err := r.store.SMembers(ctx, activeDraftsKey())
	if err != nil {
		return 0, fmt.Errorf("list locked drafts: %w", err)
	}

	var expired atomic.Int64
	p := pool.New().WithContext(ctx).WithMaxGoroutines(s.workers)
	for _, draftID := range drafts {
		draftID := draftID
		p.Go(func(ctx context.Context) error {
			n, err := s.sweepDraft(ctx, draftID)
			expired.Add(int64(n))
			return err
		})
	}
	err = p.Wait()
	return int(expired.Load()), err
}

func (s *Sweeper) sweepDraft(ctx context.Context, draftID string) (int, error) {
	r := s.registry
	indexKey := draftIndexKey(draftID)
	keys, err := r.store.SMembers(ctx, indexKey)
	if err != nil {
		return 0, fmt.Errorf("list locks for %s: %w", draftID, err)
	}

	expired := 0
	for _, lockKey := range keys {
		_, found, err := r.store.Get(ctx, entryKey(draftID, lockKey))
		if err != nil {
			return expired, fmt.Errorf("check lock %s: %w", lockKey, err)
		}
		if found {
			continue
		}
		removed, err := r.store.SRem(ctx, indexKey, lockKey)
		if err != nil {
			return expired, fmt.Errorf("unindex lock %s: %w", lockKey, err)
		}
		if removed == 1 {
			expired++
			r.emit(ctx, Event{Type: EventExpired, DraftID: draftID, LockKey: lockKey})
		}
	}

	remaining, err := r.store.SMembers(ctx, indexKey)
	if err != nil {
		return expired, fmt.Errorf("list locks for %s: %w", draftID, err)
	}
	if len(remaining) > 0 {
		return expired, nil
	}
	if _, err := r.store.SRem(ctx, activeDraftsKey(), draftID); err != nil {
		return expired, fmt.Errorf("unindex draft %s: %w", draftID, err)
	}
	// An acquire may have landed between the check and the removal.
	again, err := r.store.SMembers(ctx, indexKey)
	if err != nil {
		return expired, fmt.Errorf("list locks for %s: %w", draftID, err)
	}
	if len(again) > 0 {
		if err := r.store.SAdd(ctx, activeDraftsKey(), draftID); err != nil {
			return expired, fmt.Errorf("index draft %s: %w", draftID, err)
		}
	}
	return expired, nil
}
