package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"zpowergraph/internal/modules/power/repository"
	"zpowergraph/internal/modules/power/types"
	"zpowergraph/internal/registry"
)

// IdleFiller writes zero-power readings for plugs that stopped reporting.
// Plugs only publish on change, so silence means the load is off.
type IdleFiller struct {
	repo   repository.ReadingRepository
	reg    *registry.Registry
	after  time.Duration
	now    func() time.Time
	logger *slog.Logger
}

func NewIdleFiller(repo repository.ReadingRepository, reg *registry.Registry, after time.Duration, logger *slog.Logger) *IdleFiller {
	return &IdleFiller{
		repo:   repo,
		reg:    reg,
		after:  after,
		now:    time.Now,
		logger: logger,
	}
}

// Run checks every after/2 until ctx is done.
func (f *IdleFiller) Run(ctx context.Context) error {
	interval := max(f.after/2, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	f.logger.Info("idle filler started", "after", f.after, "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			f.Tick(ctx, f.now())
		}
	}
}

// Tick fills every device silent for longer than the threshold at now and
// returns how many rows it wrote.
func (f *IdleFiller) Tick(ctx context.Context, now time.Time) int {
	written := 0
	for _, id := range f.reg.Silent(now, f.after) {
		last, ok := f.reg.Last(id)
		if !ok {
			var err error
			last, err = f.repo.Latest(ctx, id)
			if errors.Is(err, repository.ErrNotFound) {
				// nothing to carry the energy counter from yet
				f.reg.Touch(id, now)
				continue
			}
			if err != nil {
				f.logger.Warn("idle fill skipped", "device_id", id, "error", err)
				continue
			}
		}

		filler := types.Reading{
			DeviceID:   id,
			Timestamp:  now.UTC().Truncate(time.Millisecond),
			PowerWatts: 0,
			EnergyWh:   last.EnergyWh,
		}
		inserted, err := f.repo.Upsert(ctx, filler)
		if err != nil {
			f.logger.Warn("idle fill failed", "device_id", id, "error", err)
			continue
		}
		f.reg.Seen(filler, now)
		if inserted {
			written++
			f.logger.Info("no data from device, wrote idle reading", "device_id", id, "silent_for", f.after)
		}
	}
	return written
}
