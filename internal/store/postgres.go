package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"drawspace/api/internal/board"
)

// ErrCanvasNotFound is returned when a canvas id does not exist.
var ErrCanvasNotFound = errors.New("canvas not found")

// CanvasStore is what the sync core needs from durable storage: a one-time
// read on room entry and a debounced full-element write. Satisfied by both
// the Postgres and SQLite backends.
type CanvasStore interface {
	GetCanvas(ctx context.Context, id string) (Canvas, error)
	PutCanvasElements(ctx context.Context, id string, elements []*board.Element) error
	CanView(ctx context.Context, userID, canvasID string) (bool, error)
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) GetCanvas(ctx context.Context, id string) (Canvas, error) {
	const query = `
		SELECT id, name, owner_id, elements, shared_with, created_at, updated_at
		FROM canvases WHERE id = $1
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

func (s *PostgresStore) CreateCanvas(ctx context.Context, canvas Canvas) (Canvas, error) {
	elements, sharedWith, err := encodeCanvasColumns(canvas)
	if err != nil {
		return Canvas{}, err
	}
	const query = `
		INSERT INTO canvases (id, name, owner_id, elements, shared_with)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`
	if err := s.db.QueryRowContext(ctx, query,
		canvas.ID, canvas.Name, canvas.OwnerID, elements, sharedWith,
	).Scan(&canvas.CreatedAt, &canvas.UpdatedAt); err != nil {
		return Canvas{}, fmt.Errorf("create canvas: %w", err)
	}
	return canvas, nil
}

func (s *PostgresStore) PutCanvasElements(ctx context.Context, id string, els []*board.Element) error {
	elements, err := json.Marshal(els)
	if err != nil {
		return fmt.Errorf("marshal elements: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE canvases SET elements = $2, updated_at = NOW() WHERE id = $1
	`, id, elements)
	if err != nil {
		return fmt.Errorf("put canvas elements: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return ErrCanvasNotFound
	}
	return nil
}

func (s *PostgresStore) ShareCanvas(ctx context.Context, id, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE canvases
		SET shared_with = shared_with || to_jsonb($2::text), updated_at = NOW()
		WHERE id = $1 AND NOT shared_with @> to_jsonb($2::text)
	`, id, userID)
	if err != nil {
		return fmt.Errorf("share canvas: %w", err)
	}
	return nil
}

// CanView reports whether userID owns the canvas or appears in its share
// list. Consulted by the hub's join path.
func (s *PostgresStore) CanView(ctx context.Context, userID, canvasID string) (bool, error) {
	const query = `
		SELECT owner_id = $1 OR shared_with @> to_jsonb($1::text)
		FROM canvases WHERE id = $2
	`
	var allowed bool
	err := s.db.QueryRowContext(ctx, query, userID, canvasID).Scan(&allowed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrCanvasNotFound
	}
	if err != nil {
		return false, fmt.Errorf("check canvas access: %w", err)
	}
	return allowed, nil
}

func encodeCanvasColumns(canvas Canvas) ([]byte, []byte, error) {
	if canvas.Elements == nil {
		canvas.Elements = []*board.Element{}
	}
	if canvas.SharedWith == nil {
		canvas.SharedWith = []string{}
	}
	elements, err := json.Marshal(canvas.Elements)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal elements: %w", err)
	}
	sharedWith, err := json.Marshal(canvas.SharedWith)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal share list: %w", err)
	}
	return elements, sharedWith, nil
}

func decodeCanvasColumns(canvas *Canvas, elements, sharedWith []byte) error {
	if len(elements) > 0 {
		if err := json.Unmarshal(elements, &canvas.Elements); err != nil {
			return fmt.Errorf("unmarshal elements: %w", err)
		}
	}
	if len(sharedWith) > 0 {
		if err := json.Unmarshal(sharedWith, &canvas.SharedWith); err != nil {
			return fmt.Errorf("unmarshal share list: %w", err)
		}
	}
	return nil
}
