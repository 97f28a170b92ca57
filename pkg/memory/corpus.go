// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	_ "github.com/teradata-labs/pandora/internal/sqlitedriver"
)

// Corpus is the searchable index over a user's memory nodes. It pairs
// an FTS5 table (Okapi BM25 ranking, corpus-wide IDF) with a
// per-document embedding table for the hybrid retriever.
//
// Nodes under Knowledge_staging/ are indexed but excluded from search;
// staged knowledge stays invisible until the reflector promotes it.
type Corpus struct {
	db     *sql.DB
	mu     sync.RWMutex
	logger *zap.Logger
}

// ScoredNode is one BM25 search hit. Rank is 1-based within the result
// list; the raw FTS5 score is kept for diagnostics only, fusion is
// rank-based.
type ScoredNode struct {
	Node    Node
	Rank    int
	RawBM25 float64
}

// NewCorpus opens (or creates) the node corpus database.
// FTS5 must be available in the SQLite build (default in our driver).
func NewCorpus(ctx context.Context, dbPath string, logger *zap.Logger) (*Corpus, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open corpus db: %w", err)
	}

	c := &Corpus{db: db, logger: logger}
	if err := c.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize corpus schema: %w", err)
	}
	return c, nil
}

func (c *Corpus) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		path TEXT NOT NULL,
		source_type TEXT NOT NULL,
		content_type TEXT NOT NULL,
		content TEXT NOT NULL,
		initial_confidence REAL NOT NULL,
		created_at INTEGER NOT NULL,
		validation_count INTEGER DEFAULT 0,
		validation_success INTEGER DEFAULT 0,
		source_id TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_nodes_user ON nodes(user_id);
	CREATE INDEX IF NOT EXISTS idx_nodes_path ON nodes(user_id, path);

	CREATE VIRTUAL TABLE IF NOT EXISTS nodes_fts5 USING fts5(
		node_id UNINDEXED,
		user_id UNINDEXED,
		content,
		tokenize = 'unicode61'
	);

	CREATE TABLE IF NOT EXISTS node_embeddings (
		node_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		vector TEXT NOT NULL
	);
	`
	_, err := c.db.ExecContext(ctx, schema)
	return err
}

// Upsert stores or replaces a node and its optional embedding vector.
func (c *Corpus) Upsert(ctx context.Context, node Node, embedding []float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin corpus tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO nodes
		(id, user_id, path, source_type, content_type, content, initial_confidence,
		 created_at, validation_count, validation_success, source_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		node.ID, node.UserID, node.Path, string(node.SourceType), string(node.ContentType),
		node.Content, node.InitialConfidence, node.CreatedAt.Unix(),
		node.ValidationCount, node.ValidationSuccess, node.SourceID)
	if err != nil {
		return fmt.Errorf("failed to upsert node: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM nodes_fts5 WHERE node_id = ?`, node.ID); err != nil {
		return fmt.Errorf("failed to clear fts row: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO nodes_fts5 (node_id, user_id, content) VALUES (?, ?, ?)`,
		node.ID, node.UserID, node.Content)
	if err != nil {
		return fmt.Errorf("failed to index node: %w", err)
	}

	if embedding != nil {
		vector, err := json.Marshal(embedding)
		if err != nil {
			return fmt.Errorf("failed to marshal embedding: %w", err)
		}
		_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO node_embeddings (node_id, user_id, vector) VALUES (?, ?, ?)`,
			node.ID, node.UserID, string(vector))
		if err != nil {
			return fmt.Errorf("failed to store embedding: %w", err)
		}
	}

	return tx.Commit()
}

// Get returns one node by ID.
func (c *Corpus) Get(ctx context.Context, id string) (Node, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	row := c.db.QueryRowContext(ctx, `
		SELECT id, user_id, path, source_type, content_type, content,
		       initial_confidence, created_at, validation_count, validation_success, source_id
		FROM nodes WHERE id = ?`, id)
	return scanNode(row)
}

// MovePath rewrites a node's path, used when the reflector promotes
// staged knowledge into the live corpus.
func (c *Corpus) MovePath(ctx context.Context, id, newPath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.ExecContext(ctx, `UPDATE nodes SET path = ? WHERE id = ?`, newPath, id)
	if err != nil {
		return fmt.Errorf("failed to move node path: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("node %s not found", id)
	}
	return nil
}

// Delete removes a node, its FTS row, and its embedding.
func (c *Corpus) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin corpus tx: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM nodes WHERE id = ?`,
		`DELETE FROM nodes_fts5 WHERE node_id = ?`,
		`DELETE FROM node_embeddings WHERE node_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("failed to delete node: %w", err)
		}
	}
	return tx.Commit()
}

// SearchBM25 runs an FTS5 MATCH query with BM25 ranking over one
// user's live corpus. Multi-word terms become OR queries; staged
// knowledge is excluded. An empty term returns no results, not an
// error.
func (c *Corpus) SearchBM25(ctx context.Context, userID, term string, limit int) ([]ScoredNode, error) {
	if strings.TrimSpace(term) == "" {
		return []ScoredNode{}, nil
	}
	if limit <= 0 {
		limit = 20
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	// bm25(nodes_fts5) is FTS5's built-in ranking function; lower raw
	// score means more relevant. FTS5 requires the actual table name in
	// bm25(), not an alias.
	query := `
		SELECT n.id, n.user_id, n.path, n.source_type, n.content_type, n.content,
		       n.initial_confidence, n.created_at, n.validation_count, n.validation_success, n.source_id,
		       bm25(nodes_fts5) AS score
		FROM nodes_fts5
		JOIN nodes n ON nodes_fts5.node_id = n.id
		WHERE nodes_fts5.user_id = ?
		  AND nodes_fts5.content MATCH ?
		  AND n.path NOT LIKE 'Knowledge_staging/%'
		ORDER BY bm25(nodes_fts5)
		LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, userID, toFTS5Query(term), limit)
	if err != nil {
		return nil, fmt.Errorf("FTS5 search failed: %w", err)
	}
	defer rows.Close()

	var results []ScoredNode
	rank := 0
	for rows.Next() {
		var node Node
		var sourceType, contentType string
		var createdAt int64
		var sourceID sql.NullString
		var score float64

		err := rows.Scan(&node.ID, &node.UserID, &node.Path, &sourceType, &contentType,
			&node.Content, &node.InitialConfidence, &createdAt,
			&node.ValidationCount, &node.ValidationSuccess, &sourceID, &score)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		node.SourceType = SourceType(sourceType)
		node.ContentType = ContentType(contentType)
		node.CreatedAt = time.Unix(createdAt, 0)
		node.SourceID = sourceID.String

		rank++
		results = append(results, ScoredNode{Node: node, Rank: rank, RawBM25: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return results, nil
}

// EmbeddedNode pairs a node with its stored embedding vector.
type EmbeddedNode struct {
	Node   Node
	Vector []float32
}

// Embeddings returns every embedded node of one user's live corpus.
// Staged knowledge is excluded for the same reason as in SearchBM25.
func (c *Corpus) Embeddings(ctx context.Context, userID string) ([]EmbeddedNode, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows, err := c.db.QueryContext(ctx, `
		SELECT n.id, n.user_id, n.path, n.source_type, n.content_type, n.content,
		       n.initial_confidence, n.created_at, n.validation_count, n.validation_success, n.source_id,
		       e.vector
		FROM node_embeddings e
		JOIN nodes n ON e.node_id = n.id
		WHERE e.user_id = ? AND n.path NOT LIKE 'Knowledge_staging/%'`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load embeddings: %w", err)
	}
	defer rows.Close()

	var out []EmbeddedNode
	for rows.Next() {
		var node Node
		var sourceType, contentType, vector string
		var createdAt int64
		var sourceID sql.NullString

		err := rows.Scan(&node.ID, &node.UserID, &node.Path, &sourceType, &contentType,
			&node.Content, &node.InitialConfidence, &createdAt,
			&node.ValidationCount, &node.ValidationSuccess, &sourceID, &vector)
		if err != nil {
			return nil, fmt.Errorf("failed to scan embedded node: %w", err)
		}
		node.SourceType = SourceType(sourceType)
		node.ContentType = ContentType(contentType)
		node.CreatedAt = time.Unix(createdAt, 0)
		node.SourceID = sourceID.String

		var vec []float32
		if err := json.Unmarshal([]byte(vector), &vec); err != nil {
			return nil, fmt.Errorf("corrupt embedding for node %s: %w", node.ID, err)
		}
		out = append(out, EmbeddedNode{Node: node, Vector: vec})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

// NodesByPathPrefix lists nodes whose path starts with the prefix.
// Used by the reflector to inspect staged knowledge.
func (c *Corpus) NodesByPathPrefix(ctx context.Context, userID, prefix string) ([]Node, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows, err := c.db.QueryContext(ctx, `
		SELECT id, user_id, path, source_type, content_type, content,
		       initial_confidence, created_at, validation_count, validation_success, source_id
		FROM nodes
		WHERE user_id = ? AND path LIKE ? || '%'
		ORDER BY created_at`, userID, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (c *Corpus) Close() error {
	return c.db.Close()
}

// toFTS5Query converts a natural language term into FTS5 MATCH syntax.
// Multi-word terms become OR queries so any matching word counts; BM25
// ranking still rewards documents matching more of them. Words are
// quoted to keep FTS5 operators literal.
func toFTS5Query(term string) string {
	words := strings.Fields(strings.ToLower(strings.TrimSpace(term)))
	if len(words) == 0 {
		return term
	}
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = `"` + strings.ReplaceAll(w, `"`, ``) + `"`
	}
	return strings.Join(quoted, " OR ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (Node, error) {
	var node Node
	var sourceType, contentType string
	var createdAt int64
	var sourceID sql.NullString

	err := row.Scan(&node.ID, &node.UserID, &node.Path, &sourceType, &contentType,
		&node.Content, &node.InitialConfidence, &createdAt,
		&node.ValidationCount, &node.ValidationSuccess, &sourceID)
	if err != nil {
		return Node{}, fmt.Errorf("failed to scan node: %w", err)
	}
	node.SourceType = SourceType(sourceType)
	node.ContentType = ContentType(contentType)
	node.CreatedAt = time.Unix(createdAt, 0)
	node.SourceID = sourceID.String
	return node, nil
}
