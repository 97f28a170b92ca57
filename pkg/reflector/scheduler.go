// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package reflector

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSchedule sweeps for due users every five minutes.
const DefaultSchedule = "@every 5m"

// Scheduler periodically sweeps the accumulator and runs a batch for
// every user past a trigger. Batches for different users run in the
// same sweep, sequentially; the sweep itself runs off the hot path.
type Scheduler struct {
	cron      *cron.Cron
	reflector *Reflector
	signals   *Accumulator
	logger    *zap.Logger
}

// NewScheduler creates a scheduler on the given cron spec.
func NewScheduler(reflector *Reflector, signals *Accumulator, schedule string, logger *zap.Logger) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		cron:      cron.New(),
		reflector: reflector,
		signals:   signals,
		logger:    logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return nil, fmt.Errorf("invalid reflector schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins the sweep schedule.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Reflector scheduler started")
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Reflector scheduler stopped")
}

func (s *Scheduler) sweep() {
	for _, userID := range s.signals.DueUsers() {
		report, err := s.reflector.RunBatch(context.Background(), userID)
		if err != nil {
			s.logger.Error("Reflector batch failed",
				zap.String("user_id", userID), zap.Error(err))
			continue
		}
		s.logger.Info("Reflector batch completed",
			zap.String("user_id", userID),
			zap.String("batch_id", report.BatchID),
			zap.Int("staged", len(report.Staged)),
			zap.Int("promoted", len(report.Promoted)))
	}
}
