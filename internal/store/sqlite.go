package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"drawspace/api/internal/board"
)

// SQLiteStore is the single-file backend for local and single-node
// deployments, selected when SQLITE_PATH is set. Same contract as the
// Postgres store; share lists are JSON columns in both.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent debounced saves.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.init(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS canvases (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			owner_id TEXT NOT NULL,
			elements TEXT NOT NULL DEFAULT '[]',
			shared_with TEXT NOT NULL DEFAULT '[]',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) GetCanvas(ctx context.Context, id string) (Canvas, error) {
	const query = `
		SELECT id, name, owner_id, elements, shared_with, created_at, updated_at
		FROM canvases WHERE id = ?
	`
	var (
		canvas     Canvas
		elements   []byte
		sharedWith []byte
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&canvas.ID, &canvas.Name, &canvas.OwnerID, &elements, &sharedWith,
		&canvas.CreatedAt, &canvas.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Canvas{}, ErrCanvasNotFound
	}
	if err != nil {
		return Canvas{}, fmt.Errorf("get canvas: %w", err)
	}
	if err := decodeCanvasColumns(&canvas, elements, sharedWith); err != nil {
		return Canvas{}, err
	}
	return canvas, nil
}

func (s *SQLiteStore) CreateCanvas(ctx context.Context, canvas Canvas) (Canvas, error) {
	elements, sharedWith, err := encodeCanvasColumns(canvas)
	if err != nil {
		return Canvas{}, err
	}
	now := time.Now().UTC()
	canvas.CreatedAt = now
	canvas.UpdatedAt = now
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO canvases (id, name, owner_id, elements, shared_with, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, canvas.ID, canvas.Name, canvas.OwnerID, elements, sharedWith, now, now)
	if err != nil {
		return Canvas{}, fmt.Errorf("create canvas: %w", err)
	}
	return canvas, nil
}

func (s *SQLiteStore) PutCanvasElements(ctx context.Context, id string, els []*board.Element) error {
	elements, err := json.Marshal(els)
	if err != nil {
		return fmt.Errorf("marshal elements: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE canvases SET elements = ?, updated_at = ? WHERE id = ?
	`, elements, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("put canvas elements: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return ErrCanvasNotFound
	}
	return nil
}

func (s *SQLiteStore) ShareCanvas(ctx context.Context, id, userID string) error {
	canvas, err := s.GetCanvas(ctx, id)
	if err != nil {
		return err
	}
	if canvas.SharedWithUser(userID) {
		return nil
	}
	sharedWith, err := json.Marshal(append(canvas.SharedWith, userID))
	if err != nil {
		return fmt.Errorf("marshal share list: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE canvases SET shared_with = ?, updated_at = ? WHERE id = ?
	`, sharedWith, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("share canvas: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CanView(ctx context.Context, userID, canvasID string) (bool, error) {
	canvas, err := s.GetCanvas(ctx, canvasID)
	if err != nil {
		return false, err
	}
	return canvas.OwnerID == userID || canvas.SharedWithUser(userID), nil
}
