// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	_ "github.com/teradata-labs/pandora/internal/sqlitedriver"
)

// TurnIndex is the append-mostly index over saved turns. Single writer
// (the save pipeline); concurrent readers.
type TurnIndex struct {
	db     *sql.DB
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewTurnIndex opens (or creates) the turn index database.
func NewTurnIndex(ctx context.Context, dbPath string, logger *zap.Logger) (*TurnIndex, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open turn index: %w", err)
	}

	idx := &TurnIndex{db: db, logger: logger}
	schema := `
	CREATE TABLE IF NOT EXISTS turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		turn_number INTEGER NOT NULL,
		timestamp INTEGER NOT NULL,
		quality_score REAL NOT NULL,
		turn_dir TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_turns_user ON turns(user_id, timestamp DESC);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize turn index schema: %w", err)
	}
	return idx, nil
}

// Append records one saved turn.
func (i *TurnIndex) Append(ctx context.Context, rec TurnRecord) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	_, err := i.db.ExecContext(ctx, `
		INSERT INTO turns (session_id, user_id, turn_number, timestamp, quality_score, turn_dir)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.UserID, rec.TurnNumber, rec.Timestamp.Unix(), rec.QualityScore, rec.TurnDir)
	if err != nil {
		return fmt.Errorf("failed to append turn record: %w", err)
	}
	return nil
}

// Recent lists a user's turn records, newest first.
func (i *TurnIndex) Recent(ctx context.Context, userID string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	rows, err := i.db.QueryContext(ctx, `
		SELECT session_id, user_id, turn_number, timestamp, quality_score, turn_dir
		FROM turns WHERE user_id = ?
		ORDER BY timestamp DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query turn index: %w", err)
	}
	defer rows.Close()

	var out []TurnRecord
	for rows.Next() {
		var rec TurnRecord
		var ts int64
		if err := rows.Scan(&rec.SessionID, &rec.UserID, &rec.TurnNumber, &ts, &rec.QualityScore, &rec.TurnDir); err != nil {
			return nil, fmt.Errorf("failed to scan turn record: %w", err)
		}
		rec.Timestamp = time.Unix(ts, 0)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (i *TurnIndex) Close() error {
	return i.db.Close()
}

// ResearchIndex tracks cached research results with expiry. Written
// only when a research workflow ran during the turn.
type ResearchIndex struct {
	db     *sql.DB
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewResearchIndex opens (or creates) the research index database.
func NewResearchIndex(ctx context.Context, dbPath string, logger *zap.Logger) (*ResearchIndex, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open research index: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS research (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		primary_topic TEXT NOT NULL,
		quality_score REAL NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		content_type TEXT NOT NULL,
		turn_dir TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_research_topic ON research(primary_topic);
	CREATE INDEX IF NOT EXISTS idx_research_expiry ON research(expires_at);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize research index schema: %w", err)
	}
	return &ResearchIndex{db: db, logger: logger}, nil
}

// Append records one research result.
func (i *ResearchIndex) Append(ctx context.Context, rec ResearchRecord) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	_, err := i.db.ExecContext(ctx, `
		INSERT INTO research (primary_topic, quality_score, created_at, expires_at, content_type, turn_dir)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.PrimaryTopic, rec.QualityScore, rec.CreatedAt.Unix(), rec.ExpiresAt.Unix(), rec.ContentType, rec.TurnDir)
	if err != nil {
		return fmt.Errorf("failed to append research record: %w", err)
	}
	return nil
}

// Lookup returns unexpired research for a topic, best quality first.
func (i *ResearchIndex) Lookup(ctx context.Context, topic string, now time.Time) ([]ResearchRecord, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	rows, err := i.db.QueryContext(ctx, `
		SELECT primary_topic, quality_score, created_at, expires_at, content_type, turn_dir
		FROM research
		WHERE primary_topic = ? AND expires_at > ?
		ORDER BY quality_score DESC`, topic, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query research index: %w", err)
	}
	defer rows.Close()

	var out []ResearchRecord
	for rows.Next() {
		var rec ResearchRecord
		var created, expires int64
		if err := rows.Scan(&rec.PrimaryTopic, &rec.QualityScore, &created, &expires, &rec.ContentType, &rec.TurnDir); err != nil {
			return nil, fmt.Errorf("failed to scan research record: %w", err)
		}
		rec.CreatedAt = time.Unix(created, 0)
		rec.ExpiresAt = time.Unix(expires, 0)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (i *ResearchIndex) Close() error {
	return i.db.Close()
}
