package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Reaper stops sessions that stayed unused for too long.
type Reaper interface {
	ReapIdle(ctx context.Context, idle time.Duration) int
}

// Worker periodically reaps idle sessions.
type Worker struct {
	reaper   Reaper
	idle     time.Duration
	interval time.Duration
	logger   *zerolog.Logger
}

func NewWorker(reaper Reaper, idle, interval time.Duration, logger *zerolog.Logger) *Worker {
	return &Worker{
		reaper:   reaper,
		idle:     idle,
		interval: interval,
		logger:   logger,
	}
}

// Start blocks until ctx is done. It returns at once when idle reaping is disabled.
func (w *Worker) Start(ctx context.Context) {
	if w.idle <= 0 || w.interval <= 0 {
		w.logger.Info().Msg("idle reaper disabled")
		return
	}
	w.logger.Info().Dur("idle", w.idle).Dur("interval", w.interval).Msg("idle reaper started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := w.reaper.ReapIdle(ctx, w.idle); n > 0 {
				w.logger.Info().Int("sessions", n).Msg("reaped idle sessions")
			}
		case <-ctx.Done():
			w.logger.Info().Msg("idle reaper stopping")
			return
		}
	}
}
