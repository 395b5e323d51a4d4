package board

import (
	"errors"
	"fmt"
)

// Command is the closed set of mutations the store understands. Unknown
// values are rejected at parse time so a relay or store switch never falls
// through a silent default.
type Command string

const (
	DrawDown     Command = "DRAW_DOWN"
	DrawMove     Command = "DRAW_MOVE"
	DrawUp       Command = "DRAW_UP"
	EraseElement Command = "ERASE_ELEMENT"
	AddText      Command = "ADD_TEXT"
	SaveText     Command = "SAVE_TEXT"
	Undo         Command = "UNDO"
	Redo         Command = "REDO"
	SetElements  Command = "SET_ELEMENTS"
)

func ParseCommand(s string) (Command, error) {
	c := Command(s)
	switch c {
	case DrawDown, DrawMove, DrawUp, EraseElement, AddText, SaveText, Undo, Redo, SetElements:
		return c, nil
	}
	return "", fmt.Errorf("unknown command %q", s)
}

// ToolState is the explicit interaction state machine, replacing the
// null-means-not-drawing sentinels the payloads would otherwise imply.
type ToolState string

const (
	StateIdle        ToolState = "idle"
	StateDrawing     ToolState = "drawing"
	StateErasing     ToolState = "erasing"
	StateEditingText ToolState = "editing-text"
)

var ErrUnknownCommand = errors.New("unknown command")

// Update is one store mutation. Which fields are read depends on Command:
// DrawDown/AddText take Element, DrawMove takes Element (partial geometry
// keyed by its ID), DrawUp/EraseElement take ElementID, SaveText takes Text,
// SetElements takes Elements.
type Update struct {
	Command   Command
	Element   *Element
	ElementID string
	Text      string
	Elements  []*Element
}

// Store is the per-client ordered element collection. It is not safe for
// concurrent use; the owning session serializes all access.
type Store struct {
	order []string
	byID  map[string]*Element

	state ToolState
	// Element currently being drawn or awaiting text commit.
	activeID string
}

func NewStore() *Store {
	return &Store{
		byID:  make(map[string]*Element),
		state: StateIdle,
	}
}

// Apply runs one mutation. It returns true when the store changed. Missing
// targets are benign no-ops: a concurrent erase may legitimately race a
// move. Duplicate creations are rejected to absorb at-least-once delivery.
func (s *Store) Apply(u Update) (bool, error) {
	switch u.Command {
	case DrawDown:
		return s.applyCreate(u.Element, StateDrawing)
	case AddText:
		return s.applyCreate(u.Element, StateEditingText)
	case DrawMove:
		return s.applyMove(u.Element), nil
	case DrawUp:
		s.state = StateIdle
		s.activeID = ""
		return true, nil
	case EraseElement:
		return s.removeByID(u.ElementID), nil
	case SaveText:
		return s.applySaveText(u.Text), nil
	case SetElements:
		s.Replace(u.Elements)
		return true, nil
	case Undo, Redo:
		// History patches arrive as concrete inserts/removes, never as a
		// generic Apply.
		return false, fmt.Errorf("%w: %s is not a store mutation", ErrUnknownCommand, u.Command)
	}
	return false, fmt.Errorf("%w: %q", ErrUnknownCommand, u.Command)
}

func (s *Store) applyCreate(el *Element, next ToolState) (bool, error) {
	if el == nil {
		return false, errors.New("create without element")
	}
	if el.ID == "" {
		return false, errors.New("create without element id")
	}
	if !el.Type.Valid() {
		return false, fmt.Errorf("unknown element type %q", el.Type)
	}
	if _, exists := s.byID[el.ID]; exists {
		// Duplicate delivery.
		return false, nil
	}
	cp := el.Clone()
	s.byID[cp.ID] = cp
	s.order = append(s.order, cp.ID)
	s.state = next
	s.activeID = cp.ID
	return true, nil
}

// Merge folds partial geometry into the element named by partial.ID:
// pencil elements append points, every other shape moves its endpoint.
// Missing targets are a no-op; remote moves race remote erases.
func (s *Store) Merge(partial *Element) bool {
	return s.applyMove(partial)
}

func (s *Store) applyMove(partial *Element) bool {
	if partial == nil || partial.ID == "" {
		return false
	}
	el, ok := s.byID[partial.ID]
	if !ok {
		// Erased concurrently.
		return false
	}
	switch el.Type {
	case TypePencil:
		el.Points = append(el.Points, partial.Points...)
	default:
		el.X2 = partial.X2
		el.Y2 = partial.Y2
	}
	el.invalidate()
	return true
}

func (s *Store) applySaveText(text string) bool {
	if s.activeID == "" {
		return false
	}
	if !s.SetText(s.activeID, text) {
		return false
	}
	s.state = StateIdle
	s.activeID = ""
	return true
}

// SetText commits text onto an element by explicit id. Used for remote
// commits, which must never rely on which element happens to be active
// locally.
func (s *Store) SetText(id, text string) bool {
	el, ok := s.byID[id]
	if !ok || el.Type != TypeText {
		return false
	}
	el.Text = text
	el.invalidate()
	return true
}

// Insert places an element, replacing any existing one with the same id.
// Used by history redo patches and remote undo-restores, which must apply
// exact state.
func (s *Store) Insert(el *Element) {
	if el == nil || el.ID == "" {
		return
	}
	if _, exists := s.byID[el.ID]; !exists {
		s.order = append(s.order, el.ID)
	}
	s.byID[el.ID] = el.Clone()
}

// Remove deletes by explicit id. Reports whether anything was removed.
func (s *Store) Remove(id string) bool {
	return s.removeByID(id)
}

func (s *Store) removeByID(id string) bool {
	if _, ok := s.byID[id]; !ok {
		return false
	}
	delete(s.byID, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.activeID == id {
		s.activeID = ""
	}
	return true
}

// EraseAt hit-tests every element against (x, y) and removes the first
// match. Local-only: the returned id is what goes on the wire, never the
// coordinates.
func (s *Store) EraseAt(x, y, tolerance float64) (string, bool) {
	for i := len(s.order) - 1; i >= 0; i-- {
		el := s.byID[s.order[i]]
		if el.NearPoint(x, y, tolerance) {
			s.removeByID(el.ID)
			return el.ID, true
		}
	}
	return "", false
}

// Replace swaps the full element set. Used only by the initial fetch and by
// full-state resync.
func (s *Store) Replace(elements []*Element) {
	s.order = s.order[:0]
	s.byID = make(map[string]*Element, len(elements))
	for _, el := range elements {
		if el == nil || el.ID == "" {
			continue
		}
		if _, dup := s.byID[el.ID]; dup {
			continue
		}
		cp := el.Clone()
		s.byID[cp.ID] = cp
		s.order = append(s.order, cp.ID)
	}
	s.state = StateIdle
	s.activeID = ""
}

func (s *Store) Get(id string) *Element {
	el, ok := s.byID[id]
	if !ok {
		return nil
	}
	return el.Clone()
}

// Snapshot returns the elements in insertion order, deep-copied.
func (s *Store) Snapshot() []*Element {
	out := make([]*Element, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id].Clone())
	}
	return out
}

func (s *Store) Len() int { return len(s.order) }

func (s *Store) State() ToolState { return s.state }

// ActiveID returns the id of the element currently being drawn or awaiting
// text, if any.
func (s *Store) ActiveID() string { return s.activeID }
