// Package sweeper is the background safety net for the try-on queue. The
// enqueue path and the worker endpoint drive most of the drain; the sweeper
// guarantees progress when traffic stops while retries are still scheduled
// or a crashed run left an item in processing.
package sweeper

import (
	"context"
	"time"

	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/config"
	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/log"
	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/processor"
	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/store"

	"go.uber.org/zap"
)

type Sweeper struct {
	store  store.Store
	proc   *processor.Processor
	cfg    *config.Config
	logger *log.Logger
}

func New(s store.Store, proc *processor.Processor, cfg *config.Config, logger *log.Logger) *Sweeper {
	return &Sweeper{store: s, proc: proc, cfg: cfg, logger: logger}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper shutting down")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep runs one drain pass: process eligible items until the queue is
// empty, blocked on an ineligible head, or lost to a concurrent claimer,
// then compact positions.
func (s *Sweeper) sweep(ctx context.Context) {
	for {
		res, err := s.proc.ProcessNext(ctx)
		if err != nil {
			s.logger.Error("Sweeper processing cycle failed", zap.Error(err))
			break
		}
		if !res.Processed {
			break
		}
		s.logger.Info("Sweeper processed queue item",
			zap.String("queue_id", res.QueueID), zap.String("status", string(res.Status)))
	}
	if err := s.store.RecalculatePositions(ctx); err != nil {
		s.logger.Error("Sweeper position recompute failed", zap.Error(err))
	}
}
