package history

import (
	"fmt"
	"testing"

	"drawspace/api/internal/board"
)

func el(id string) *board.Element {
	return &board.Element{ID: id, Type: board.TypeRectangle, X1: 1, Y1: 1, X2: 2, Y2: 2}
}

func create(h *History, id string) {
	h.Record(nil, &Patch{Element: el(id)}, id)
}

func TestUndoEmptyHistory(t *testing.T) {
	h := New(0)
	if _, ok := h.Undo(); ok {
		t.Error("undo on empty history must fail the guard")
	}
	if _, ok := h.Redo(); ok {
		t.Error("redo on empty history must fail the guard")
	}
}

func TestUndoEmitsBeforePatch(t *testing.T) {
	h := New(0)
	create(h, "e1")

	entry, ok := h.Undo()
	if !ok {
		t.Fatal("expected undo to succeed")
	}
	if entry.ElementID != "e1" {
		t.Errorf("expected e1, got %s", entry.ElementID)
	}
	if entry.Patch != nil {
		t.Error("undo of a creation emits a nil patch (remove)")
	}
	if entry.Action != ActionUndo {
		t.Errorf("expected undo action, got %s", entry.Action)
	}
	if h.CanUndo() {
		t.Error("nothing left to undo")
	}
}

func TestRedoAfterFullUndo(t *testing.T) {
	h := New(0)
	create(h, "e1")
	if _, ok := h.Undo(); !ok {
		t.Fatal("undo failed")
	}

	entry, ok := h.Redo()
	if !ok {
		t.Fatal("expected redo from null cursor with nonempty head")
	}
	if entry.Patch == nil || entry.Patch.Element.ID != "e1" {
		t.Fatal("redo of a creation emits the created element")
	}
	if h.CanRedo() {
		t.Error("nothing left to redo")
	}
}

func TestUndoRedoInverseOnStore(t *testing.T) {
	// undo(); redo() must restore the exact post-action state for every
	// element kind.
	kinds := []board.ElementType{
		board.TypePencil, board.TypeLine, board.TypeRectangle,
		board.TypeCircle, board.TypeDiamond, board.TypeArrow, board.TypeText,
	}
	s := board.NewStore()
	h := New(0)

	apply := func(entry Entry) {
		if entry.Patch == nil || entry.Patch.Element == nil {
			s.Remove(entry.ElementID)
			return
		}
		s.Insert(entry.Patch.Element)
	}

	for i, kind := range kinds {
		id := fmt.Sprintf("e%d", i)
		element := &board.Element{ID: id, Type: kind, X1: 1, Y1: 2, X2: 3, Y2: 4, Text: "t", FontSize: 12}
		if kind == board.TypePencil {
			element.Points = []board.Point{{X: 1, Y: 2}, {X: 3, Y: 4}}
		}
		s.Insert(element)
		h.Record(nil, &Patch{Element: element.Clone()}, id)
	}

	want := s.Snapshot()
	for range kinds {
		entry, ok := h.Undo()
		if !ok {
			t.Fatal("undo failed")
		}
		apply(entry)
	}
	if s.Len() != 0 {
		t.Fatalf("expected empty store after undoing everything, len=%d", s.Len())
	}
	for range kinds {
		entry, ok := h.Redo()
		if !ok {
			t.Fatal("redo failed")
		}
		apply(entry)
	}

	got := s.Snapshot()
	if len(got) != len(want) {
		t.Fatalf("expected %d elements, got %d", len(want), len(got))
	}
	index := make(map[string]*board.Element, len(got))
	for _, e := range got {
		index[e.ID] = e
	}
	for _, w := range want {
		g, ok := index[w.ID]
		if !ok {
			t.Fatalf("element %s missing after redo", w.ID)
		}
		if !g.Equal(w) {
			t.Errorf("element %s differs after undo/redo roundtrip", w.ID)
		}
	}
}

func TestRecordTruncatesRedoBranch(t *testing.T) {
	h := New(0)
	create(h, "e1")
	create(h, "e2")
	create(h, "e3")

	if _, ok := h.Undo(); !ok {
		t.Fatal("undo failed")
	}
	if _, ok := h.Undo(); !ok {
		t.Fatal("undo failed")
	}
	// Cursor is behind the head; a new record abandons e2 and e3.
	create(h, "e4")

	if h.CanRedo() {
		t.Error("redo guard must fail after truncation")
	}
	if _, ok := h.Redo(); ok {
		t.Error("redo must be a no-op after truncation")
	}
	if h.Size() != 2 {
		t.Errorf("expected size 2 (e1, e4), got %d", h.Size())
	}

	entry, ok := h.Undo()
	if !ok || entry.ElementID != "e4" {
		t.Errorf("expected undo of e4, got %+v ok=%v", entry, ok)
	}
}

func TestRecordAfterFullUndoReplacesTimeline(t *testing.T) {
	h := New(0)
	create(h, "e1")
	create(h, "e2")
	if _, ok := h.Undo(); !ok {
		t.Fatal("undo failed")
	}
	if _, ok := h.Undo(); !ok {
		t.Fatal("undo failed")
	}

	create(h, "e3")
	if h.Size() != 1 {
		t.Errorf("expected size 1 after replacing an abandoned timeline, got %d", h.Size())
	}
	if h.CanRedo() {
		t.Error("no redo branch after replacement")
	}
	entry, ok := h.Undo()
	if !ok || entry.ElementID != "e3" {
		t.Errorf("expected undo of e3, got %+v ok=%v", entry, ok)
	}
}

func TestBoundedHistoryEvictsTail(t *testing.T) {
	h := New(3)
	for i := 0; i < 10; i++ {
		create(h, fmt.Sprintf("e%d", i))
		if h.Size() > 3 {
			t.Fatalf("size %d exceeds cap after record %d", h.Size(), i)
		}
	}
	if h.Size() != 3 {
		t.Fatalf("expected size 3, got %d", h.Size())
	}

	// Only the newest three actions remain.
	for _, want := range []string{"e9", "e8", "e7"} {
		entry, ok := h.Undo()
		if !ok || entry.ElementID != want {
			t.Fatalf("expected undo of %s, got %+v ok=%v", want, entry, ok)
		}
	}
	if h.CanUndo() {
		t.Error("evicted entries must not be undoable")
	}
}

func TestEraseUndoRestoresElement(t *testing.T) {
	h := New(0)
	erased := el("e1")
	h.Record(&Patch{Element: erased}, nil, "e1")

	entry, ok := h.Undo()
	if !ok {
		t.Fatal("undo failed")
	}
	if entry.Patch == nil || entry.Patch.Element.ID != "e1" {
		t.Fatal("undo of an erase emits the erased element")
	}

	entry, ok = h.Redo()
	if !ok {
		t.Fatal("redo failed")
	}
	if entry.Patch != nil {
		t.Error("redo of an erase emits a nil patch (remove)")
	}
}

func TestClear(t *testing.T) {
	h := New(0)
	create(h, "e1")
	create(h, "e2")
	h.Clear()
	if h.Size() != 0 || h.CanUndo() || h.CanRedo() {
		t.Error("clear must reset the timeline")
	}
	create(h, "e3")
	if h.Size() != 1 {
		t.Errorf("expected size 1 after record on cleared history, got %d", h.Size())
	}
}

func TestArenaReusesFreedSlots(t *testing.T) {
	h := New(5)
	for i := 0; i < 100; i++ {
		create(h, fmt.Sprintf("e%d", i))
	}
	// With a cap of 5 and slot reuse the arena stays near the cap instead
	// of growing with every record.
	if got := len(h.arena); got > 8 {
		t.Errorf("arena grew to %d slots for a cap of 5", got)
	}
}
