package housekeeping

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/climate/store"
)

// Report is the result of one housekeeping run
type Report struct {
	Removed int64
	Stats   store.Stats
}

// Housekeeper periodically applies the retention policy and logs store size
type Housekeeper struct {
	cron   *cron.Cron
	store  *store.Store
	policy store.RetentionPolicy
	logger *zap.Logger
}

// New schedules housekeeping on schedule (standard cron spec or @every)
func New(schedule string, st *store.Store, policy store.RetentionPolicy, logger *zap.Logger) (*Housekeeper, error) {
	if policy == nil {
		policy = store.KeepAll{}
	}
	h := &Housekeeper{
		cron:   cron.New(),
		store:  st,
		policy: policy,
		logger: logger,
	}

	_, err := h.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := h.RunOnce(ctx); err != nil {
			h.logger.Error("housekeeping failed", zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid housekeeping schedule %q: %w", schedule, err)
	}
	return h, nil
}

// RunOnce applies the policy and reads store statistics
func (h *Housekeeper) RunOnce(ctx context.Context) (Report, error) {
	var r Report

	removed, err := h.policy.Apply(ctx, h.store)
	if err != nil {
		return r, fmt.Errorf("failed to apply retention policy: %w", err)
	}
	r.Removed = removed

	r.Stats, err = h.store.Stats(ctx)
	if err != nil {
		return r, fmt.Errorf("failed to read store stats: %w", err)
	}

	h.logger.Info("housekeeping complete",
		zap.Int64("removed", r.Removed),
		zap.Int64("readings", r.Stats.Readings),
		zap.Int64("series", r.Stats.Series),
	)
	return r, nil
}

// Start runs the scheduler in its own goroutine
func (h *Housekeeper) Start() {
	h.cron.Start()
}

// Stop stops the scheduler and waits for a running job, or until ctx is done
func (h *Housekeeper) Stop(ctx context.Context) {
	select {
	case <-h.cron.Stop().Done():
	case <-ctx.Done():
	}
}
