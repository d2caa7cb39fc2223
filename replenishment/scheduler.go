package replenishment

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/fulfillment_backend/models"
	"github.com/sirupsen/logrus"
)

// Scheduler triggers a calculation every Interval until ctx is cancelled.
type Scheduler struct {
	Engine   *Engine
	Interval time.Duration
	Logger   *logrus.Logger
}

func NewScheduler(engine *Engine, interval time.Duration, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = engine.logger
	}
	return &Scheduler{Engine: engine, Interval: interval, Logger: logger}
}

func (s *Scheduler) Run(ctx context.Context) {
	if s.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	id, err := s.Engine.Trigger(ctx, CalculateOptions{})
	var elsewhere *models.CalculationInProgressError
	if errors.As(err, &elsewhere) {
		s.Logger.WithFields(logrus.Fields{
			"field": "ROPScheduler",
		}).Info("scheduled rop calculation skipped: " + err.Error())
		return
	}
	if err != nil {
		s.Logger.WithFields(logrus.Fields{
			"field": "ROPScheduler",
		}).Error("scheduled rop calculation failed to start: " + err.Error())
		return
	}
	s.Logger.WithFields(logrus.Fields{
		"field":  "ROPScheduler",
		"run_id": id,
	}).Info("scheduled rop calculation")
}
