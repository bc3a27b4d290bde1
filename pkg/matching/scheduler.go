package matching

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/stockmatch/pkg/util"
)

// Scheduler runs a matching pass every interval until its context ends.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	clock    util.Clock
	log      *zap.SugaredLogger
}

func NewScheduler(engine *Engine, interval time.Duration, clock util.Clock, log *zap.SugaredLogger) *Scheduler {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Scheduler{engine: engine, interval: interval, clock: clock, log: log}
}

// Run blocks until ctx is done. A non-positive interval disables it.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		s.log.Infow("match_scheduler_disabled")
		return nil
	}
	s.log.Infow("match_scheduler_started", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(s.interval):
			s.engine.RunPass(ctx)
		}
	}
}
