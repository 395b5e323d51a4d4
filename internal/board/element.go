// Package board holds the element model and the in-memory element store
// that is the single source of truth for what a client renders and persists.
package board

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// ElementType is the closed set of shape kinds. It determines which
// geometry fields of an Element are meaningful.
type ElementType string

const (
	TypePencil    ElementType = "pencil"
	TypeLine      ElementType = "line"
	TypeRectangle ElementType = "rectangle"
	TypeCircle    ElementType = "circle"
	TypeDiamond   ElementType = "diamond"
	TypeArrow     ElementType = "arrow"
	TypeText      ElementType = "text"
)

func (t ElementType) Valid() bool {
	switch t {
	case TypePencil, TypeLine, TypeRectangle, TypeCircle, TypeDiamond, TypeArrow, TypeText:
		return true
	}
	return false
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Element is the atomic drawing unit. Only the semantic fields carry on the
// wire; the derived shape is recomputed locally and never transmitted.
type Element struct {
	ID      string      `json:"id"`
	OwnerID string      `json:"ownerId"`
	Type    ElementType `json:"type"`

	// Anchor and endpoint, used by line/rectangle/circle/diamond/arrow
	// and as the top-left anchor for text.
	X1 float64 `json:"x1,omitempty"`
	Y1 float64 `json:"y1,omitempty"`
	X2 float64 `json:"x2,omitempty"`
	Y2 float64 `json:"y2,omitempty"`

	// Sampled points, pencil only.
	Points []Point `json:"points,omitempty"`

	Text     string `json:"text,omitempty"`
	FontSize int    `json:"fontSize,omitempty"`

	Color       string  `json:"color,omitempty"`
	StrokeWidth float64 `json:"strokeWidth,omitempty"`
	Fill        string  `json:"fill,omitempty"`
	FillStyle   string  `json:"fillStyle,omitempty"`

	// Cached rendering primitive, rebuilt on demand after any geometry
	// change. Excluded from JSON.
	shape *Shape
}

// NewElementID returns a globally unique element id: millisecond timestamp
// plus a random suffix, so ids created on the same client sort by creation
// time.
func NewElementID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// Clone returns a deep copy with the shape cache dropped.
func (e *Element) Clone() *Element {
	if e == nil {
		return nil
	}
	cp := *e
	cp.shape = nil
	if e.Points != nil {
		cp.Points = make([]Point, len(e.Points))
		copy(cp.Points, e.Points)
	}
	return &cp
}

// Shape returns the derived rendering primitive, computing it if the cache
// was invalidated.
func (e *Element) Shape() *Shape {
	if e.shape == nil {
		e.shape = deriveShape(e)
	}
	return e.shape
}

// invalidate drops the cached shape for this element only.
func (e *Element) invalidate() {
	e.shape = nil
}

// Equal reports whether two elements have the same semantic fields. The
// derived shape is ignored.
func (e *Element) Equal(other *Element) bool {
	if e == nil || other == nil {
		return e == other
	}
	if e.ID != other.ID || e.OwnerID != other.OwnerID || e.Type != other.Type {
		return false
	}
	if e.X1 != other.X1 || e.Y1 != other.Y1 || e.X2 != other.X2 || e.Y2 != other.Y2 {
		return false
	}
	if e.Text != other.Text || e.FontSize != other.FontSize {
		return false
	}
	if e.Color != other.Color || e.StrokeWidth != other.StrokeWidth || e.Fill != other.Fill || e.FillStyle != other.FillStyle {
		return false
	}
	if len(e.Points) != len(other.Points) {
		return false
	}
	for i := range e.Points {
		if e.Points[i] != other.Points[i] {
			return false
		}
	}
	return true
}
