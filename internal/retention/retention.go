// Package retention removes completed rooms once their retention window
// lapses. Research aggregates are written at completion and survive the
// purge; everything identifying (entries, messages, analyses) is deleted.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/commonground-labs/commonground/internal/shared"
	"github.com/commonground-labs/commonground/internal/store"
)

// Sweeper periodically deletes rooms whose delete_at has passed.
type Sweeper struct {
	repo     store.Repository
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
}

// NewSweeper creates a retention sweeper. interval controls how often the
// sweep runs.
func NewSweeper(repo store.Repository, logger *slog.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		repo:     repo,
		logger:   logger,
		interval: interval,
		now:      time.Now,
	}
}

// Start runs the sweep loop until ctx is cancelled. It sweeps once
// immediately so restarts don't postpone overdue deletions.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		s.logger.Info("retention sweeper started", "interval", s.interval)

		s.Sweep(ctx)
		for {
			select {
			case <-ticker.C:
				s.Sweep(ctx)
			case <-ctx.Done():
				s.logger.Info("retention sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep deletes all rooms past their retention deadline. Returns the number
// of rooms deleted.
func (s *Sweeper) Sweep(ctx context.Context) int {
	rooms, err := s.repo.ExpiredRooms(ctx, s.now())
	if err != nil {
		s.logger.Error("retention sweep query failed", "error", err)
		return 0
	}
	if len(rooms) == 0 {
		return 0
	}

	deleted := 0
	for _, rm := range rooms {
		if err := s.deleteWithRetry(ctx, rm.ID); err != nil {
			s.logger.Error("retention delete failed", "error", err, "room_id", rm.ID)
			continue
		}
		deleted++
		s.logger.Info("room purged", "room_id", rm.ID, "completed_at", rm.CompletedAt)
	}
	return deleted
}

// deleteWithRetry retries on SQLITE_BUSY with exponential backoff.
func (s *Sweeper) deleteWithRetry(ctx context.Context, roomID string) error {
	const maxRetries = 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = s.repo.DeleteRoom(ctx, roomID)
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteBusy(err) || i == maxRetries-1 {
			return err
		}
		delay := baseDelay * time.Duration(1<<i)
		s.logger.Debug("room delete busy, retrying", "room_id", roomID, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
