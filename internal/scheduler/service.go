// Package scheduler runs the periodic earnings maturation job.
package scheduler

import (
	"context"
	"time"

	"medex/internal/metrics"
	"medex/pkg/logger"
)

// Maturer is the earnings pipeline operation the scheduler drives.
type Maturer interface {
	MatureEarnings(ctx context.Context, asOf time.Time) (int, error)
}

type Scheduler struct {
	earnings Maturer
	interval time.Duration
	logger   logger.Logger
	stop     chan struct{}
}

func NewScheduler(earnings Maturer, interval time.Duration, log logger.Logger) *Scheduler {
	return &Scheduler{
		earnings: earnings,
		interval: interval,
		logger:   log,
		stop:     make(chan struct{}),
	}
}

// Start launches the ticker loop. Runs are bounded and idempotent, so a
// missed or doubled tick is harmless.
func (s *Scheduler) Start() {
	ticker := time.NewTicker(s.interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				s.runOnce()
			case <-s.stop:
				ticker.Stop()
				return
			}
		}
	}()
	s.logger.Info("earnings maturation scheduler started", map[string]interface{}{
		"interval": s.interval.String(),
	})
}

func (s *Scheduler) Stop() {
	close(s.stop)
}

func (s *Scheduler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	matured, err := s.earnings.MatureEarnings(ctx, time.Now())
	if err != nil {
		s.logger.Error("earnings maturation run failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	metrics.EarningsMaturedTotal.Add(float64(matured))
}
