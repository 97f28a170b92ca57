// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package confidence

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	_ "github.com/teradata-labs/pandora/internal/sqlitedriver"
)

// CalibrationStore appends predicted-vs-observed rows so validator
// confidence can be audited against actual outcomes over time.
// Backed by observability/calibration.db.
type CalibrationStore struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *zap.Logger
}

/// Observation is one calibration sample: what the validator predicted
// and whether the turn actually succeeded.
type Observation struct {
	TurnID     string
	Stage      string
	Predicted  float64
	Observed   bool
	RecordedAt time.Time
}

// NewCalibrationStore opens (or creates) the calibration database.
func NewCalibrationStore(ctx context.Context, dbPath string, logger *zap.Logger) (*CalibrationStore, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open calibration db: %w", err)
	}

	s := &CalibrationStore{db: db, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize calibration schema: %w", err)
	}
	return s, nil
}

func (s *CalibrationStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS calibration (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		turn_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		predicted REAL NOT NULL,
		observed INTEGER NOT NULL,
		recorded_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_calibration_stage ON calibration(stage);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Record appends one observation. Append-only; rows are never updated.
func (s *CalibrationStore) Record(ctx context.Context, obs Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if obs.RecordedAt.IsZero() {
		obs.RecordedAt = time.Now()
	}
	observed := 0
	if obs.Observed {
		observed = 1
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calibration (turn_id, stage, predicted, observed, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		obs.TurnID, obs.Stage, obs.Predicted, observed, obs.RecordedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to record calibration row: %w", err)
	}
	return nil
}

// Drift returns mean(predicted) - mean(observed) for a stage over the
// most recent window rows. Positive drift means the validator is
// overconfident. Returns 0 with ok=false when no rows exist.
func (s *CalibrationStore) Drift(ctx context.Context, stage string, window int) (float64, bool, error) {
	if window <= 0 {
		window = 100
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT AVG(predicted), AVG(observed), COUNT(*)
		FROM (
			SELECT predicted, observed FROM calibration
			WHERE stage = ?
			ORDER BY id DESC
			LIMIT ?
		)`, stage, window)

	var predicted, observed sql.NullFloat64
	var count int
	if err := row.Scan(&predicted, &observed, &count); err != nil {
		return 0, false, fmt.Errorf("failed to compute drift: %w", err)
	}
	if count == 0 || !predicted.Valid || !observed.Valid {
		return 0, false, nil
	}
	return predicted.Float64 - observed.Float64, true, nil
}

// Close closes the underlying database.
func (s *CalibrationStore) Close() error {
	return s.db.Close()
}
