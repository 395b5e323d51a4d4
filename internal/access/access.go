// Package access answers "may this user view this canvas" for the hub's
// join path, with an optional Redis cache in front of the canvas store.
package access

import (
	"context"

	"drawspace/api/internal/store"
)

// Checker is consulted before a connection is admitted to a room.
type Checker interface {
	CanView(ctx context.Context, userID, canvasID string) (bool, error)
}

// StoreChecker resolves access from the canvas store's ownership and share
// list.
type StoreChecker struct {
	canvases store.CanvasStore
}

func NewStoreChecker(canvases store.CanvasStore) *StoreChecker {
	return &StoreChecker{canvases: canvases}
}

func (c *StoreChecker) CanView(ctx context.Context, userID, canvasID string) (bool, error) {
	return c.canvases.CanView(ctx, userID, canvasID)
}
