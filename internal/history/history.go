// Package history implements the patch-based undo/redo machine. It stores
// before/after patches per user action, never full canvas snapshots, and it
// never touches the element store itself: callers turn emitted patches into
// concrete applies.
package history

import (
	"drawspace/api/internal/board"
)

// DefaultMaxSize caps retained actions; eviction runs from the tail.
const DefaultMaxSize = 100

// Patch is an exact element state to restore. A nil *Patch means absence:
// nil before = the action created the element (undo removes it), nil after =
// the action deleted it (redo removes it).
type Patch struct {
	Element *board.Element
}

// Action distinguishes the direction of an emitted patch.
type Action string

const (
	ActionUndo Action = "undo"
	ActionRedo Action = "redo"
)

// Entry is what Undo/Redo emit.
type Entry struct {
	ElementID string
	Patch     *Patch
	Action    Action
}

const none = -1

type node struct {
	before    *Patch
	after     *Patch
	elementID string
	prev      int
	next      int
}

// History is an arena of nodes linked by integer indices. Freed slots are
// reused so a bounded history stays bounded in memory, and an index-based
// timeline sidesteps the pointer aliasing a linked list invites.
type History struct {
	arena   []node
	free    []int
	head    int
	current int
	size    int
	maxSize int
}

func New(maxSize int) *History {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &History{head: none, current: none, maxSize: maxSize}
}

func (h *History) alloc(n node) int {
	if len(h.free) > 0 {
		idx := h.free[len(h.free)-1]
		h.free = h.free[:len(h.free)-1]
		h.arena[idx] = n
		return idx
	}
	h.arena = append(h.arena, n)
	return len(h.arena) - 1
}

func (h *History) release(idx int) {
	h.arena[idx] = node{prev: none, next: none}
	h.free = append(h.free, idx)
}

// Record appends an action after the cursor, discarding any redo branch.
// If everything has been undone the new node replaces the whole timeline.
func (h *History) Record(before, after *Patch, elementID string) {
	idx := h.alloc(node{before: before, after: after, elementID: elementID, prev: none, next: none})

	switch {
	case h.head == none:
		h.head = idx
		h.size = 1
	case h.current == none:
		// All undone: the abandoned timeline is unreachable, drop it.
		h.releaseChain(h.head)
		h.head = idx
		h.size = 1
	default:
		h.releaseChain(h.arena[h.current].next)
		h.arena[idx].prev = h.current
		h.arena[h.current].next = idx
		h.size = h.countFromHead(idx)
	}
	h.current = idx

	for h.size > h.maxSize && h.head != none {
		old := h.head
		h.head = h.arena[old].next
		if h.head != none {
			h.arena[h.head].prev = none
		}
		h.release(old)
		h.size--
	}
}

func (h *History) releaseChain(idx int) {
	for idx != none {
		next := h.arena[idx].next
		h.release(idx)
		idx = next
	}
}

func (h *History) countFromHead(last int) int {
	count := 1
	for n := h.head; n != none && n != last; n = h.arena[n].next {
		count++
	}
	return count
}

func (h *History) CanUndo() bool { return h.current != none }

func (h *History) CanRedo() bool {
	if h.current == none {
		return h.head != none
	}
	return h.arena[h.current].next != none
}

// Undo emits the current node's before patch and moves the cursor back.
func (h *History) Undo() (Entry, bool) {
	if !h.CanUndo() {
		return Entry{}, false
	}
	n := h.arena[h.current]
	h.current = n.prev
	return Entry{ElementID: n.elementID, Patch: n.before, Action: ActionUndo}, true
}

// Redo emits the target node's after patch and moves the cursor forward.
func (h *History) Redo() (Entry, bool) {
	if !h.CanRedo() {
		return Entry{}, false
	}
	var target int
	if h.current == none {
		target = h.head
	} else {
		target = h.arena[h.current].next
	}
	n := h.arena[target]
	h.current = target
	return Entry{ElementID: n.elementID, Patch: n.after, Action: ActionRedo}, true
}

func (h *History) Clear() {
	h.arena = h.arena[:0]
	h.free = h.free[:0]
	h.head = none
	h.current = none
	h.size = 0
}

func (h *History) Size() int { return h.size }
