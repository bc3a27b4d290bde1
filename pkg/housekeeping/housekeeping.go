// Package housekeeping purges completed orders past their retention.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/stockmatch/pkg/metrics"
	"github.com/uhyunpark/stockmatch/pkg/order"
	"github.com/uhyunpark/stockmatch/pkg/util"
)

var ErrInvalidDays = errors.New("retention days must not be negative")

type Service struct {
	orders        order.Repository
	clock         util.Clock
	retentionDays int
	interval      time.Duration
	metrics       *metrics.Metrics
	log           *zap.SugaredLogger
}

func NewService(orders order.Repository, clock util.Clock, retentionDays int, interval time.Duration, m *metrics.Metrics, log *zap.SugaredLogger) *Service {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Service{
		orders:        orders,
		clock:         clock,
		retentionDays: retentionDays,
		interval:      interval,
		metrics:       m,
		log:           log,
	}
}

// RetentionDays is the default used by Run.
func (s *Service) RetentionDays() int { return s.retentionDays }

// DeleteCompleteOrdersOlderThan deletes complete orders whose last
// modification is more than days before now. Open orders are never touched.
func (s *Service) DeleteCompleteOrdersOlderThan(ctx context.Context, days int) (int, error) {
	if days < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidDays, days)
	}
	cutoff := s.clock.Now().AddDate(0, 0, -days)
	n, err := s.orders.DeleteCompletedOlderThan(ctx, cutoff)
	if err != nil {
		s.log.Errorw("order_cleanup_failed", "days", days, "err", err)
		return 0, err
	}
	s.metrics.OrdersPurged(n)
	s.log.Infow("order_cleanup_done", "days", days, "cutoff", cutoff.Format(time.RFC3339), "deleted", n)
	return n, nil
}

// Run sweeps every interval until ctx is done. A non-positive interval
// disables the sweeper.
func (s *Service) Run(ctx context.Context) error {
	if s.interval <= 0 {
		s.log.Infow("order_cleanup_disabled")
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(s.interval):
			// errors are logged; the next sweep retries
			_, _ = s.DeleteCompleteOrdersOlderThan(ctx, s.retentionDays)
		}
	}
}
