package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"drawspace/api/internal/board"
	"drawspace/api/internal/protocol"
	"drawspace/api/internal/store"
)

// fakeTransport captures outbound frames and lets tests inject inbound ones.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []protocol.Message
	recv   chan protocol.Message
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{recv: make(chan protocol.Message, 64)}
}

func (f *fakeTransport) Join(roomID string) error  { return nil }
func (f *fakeTransport) Leave(roomID string) error { return nil }

func (f *fakeTransport) Send(msg protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Receive() <-chan protocol.Message { return f.recv }
func (f *fakeTransport) State() State                     { return StateConnected }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.recv)
	}
	return nil
}

func (f *fakeTransport) deliver(t *testing.T, event protocol.Event, data any) {
	t.Helper()
	msg, err := protocol.NewMessage(event, data)
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	f.recv <- msg
}

// sentUpdates decodes every outbound canvas:update frame.
func (f *fakeTransport) sentUpdates(t *testing.T) []protocol.Update {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var updates []protocol.Update
	for _, msg := range f.sent {
		if msg.Event != protocol.EventUpdate {
			continue
		}
		var u protocol.Update
		if err := msg.Decode(&u); err != nil {
			t.Fatalf("decode sent update: %v", err)
		}
		updates = append(updates, u)
	}
	return updates
}

func (f *fakeTransport) sentEvents() []protocol.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	events := make([]protocol.Event, 0, len(f.sent))
	for _, msg := range f.sent {
		events = append(events, msg.Event)
	}
	return events
}

// recordingAPI counts persistence writes.
type recordingAPI struct {
	mu     sync.Mutex
	seed   []*board.Element
	puts   [][]*board.Element
	putErr error
}

func (a *recordingAPI) GetCanvas(ctx context.Context, id string) (store.Canvas, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return store.Canvas{ID: id, Elements: a.seed}, nil
}

func (a *recordingAPI) PutCanvasElements(ctx context.Context, id string, elements []*board.Element) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.putErr != nil {
		return a.putErr
	}
	a.puts = append(a.puts, elements)
	return nil
}

func (a *recordingAPI) putCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.puts)
}

func newTestSession(t *testing.T, opts Options) (*Session, *fakeTransport) {
	t.Helper()
	transport := newFakeTransport()
	opts.Transport = transport
	if opts.UserID == "" {
		opts.UserID = "alice"
	}
	s, err := NewSession(opts)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Join(context.Background(), "room-1"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	return s, transport
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestDrawGestureBroadcastsAndRecords(t *testing.T) {
	s, transport := newTestSession(t, Options{})

	id, err := s.StartShape(board.TypeLine, 0, 0, Style{Color: "#000"})
	if err != nil {
		t.Fatalf("StartShape failed: %v", err)
	}
	s.ContinueShape(10, 0)
	s.EndShape()

	if s.ToolState() != board.StateIdle {
		t.Errorf("expected idle after EndShape, got %s", s.ToolState())
	}
	if !s.CanUndo() {
		t.Error("completed gesture should be undoable")
	}
	if s.HistorySize() != 1 {
		t.Errorf("expected one history node, got %d", s.HistorySize())
	}

	updates := transport.sentUpdates(t)
	if len(updates) < 3 {
		t.Fatalf("expected down/move/up frames, got %d", len(updates))
	}
	first, last := updates[0], updates[len(updates)-1]
	if first.Command != board.DrawDown || first.Elements[0].ID != id {
		t.Errorf("unexpected first frame %+v", first)
	}
	if first.Source != protocol.SourceLocal {
		t.Errorf("local gesture must be tagged local, got %s", first.Source)
	}
	if last.Command != board.DrawUp || last.Payload.ElementID != id {
		t.Errorf("unexpected final frame %+v", last)
	}
}

func TestMoveBroadcastsCoalesced(t *testing.T) {
	s, transport := newTestSession(t, Options{CoalesceInterval: 100 * time.Millisecond})

	if _, err := s.StartShape(board.TypeRectangle, 0, 0, Style{}); err != nil {
		t.Fatalf("StartShape failed: %v", err)
	}
	for i := 1; i <= 20; i++ {
		s.ContinueShape(float64(i), float64(i))
	}
	// Wait out the trailing timer.
	time.Sleep(150 * time.Millisecond)

	moves := 0
	for _, u := range transport.sentUpdates(t) {
		if u.Command == board.DrawMove {
			moves++
		}
	}
	// One immediate flush plus at most one trailing flush.
	if moves < 1 || moves > 2 {
		t.Errorf("expected 1-2 coalesced DRAW_MOVE frames, got %d", moves)
	}

	// The trailing flush carries the latest geometry.
	final := s.Elements()[0]
	if final.X2 != 20 || final.Y2 != 20 {
		t.Errorf("store endpoint not updated: %+v", final)
	}
}

func TestRemoteUpdateAppliedButNeverRecordedOrPersisted(t *testing.T) {
	api := &recordingAPI{}
	s, transport := newTestSession(t, Options{API: api, SaveDebounce: 20 * time.Millisecond})

	remote := &board.Element{ID: "r1", OwnerID: "bob", Type: board.TypeLine, X2: 5}
	transport.deliver(t, protocol.EventUpdate, protocol.Update{
		RoomID:   "room-1",
		Command:  board.DrawDown,
		Elements: []*board.Element{remote},
		Source:   protocol.SourceLocal, // lying sender; reconciler must re-tag
	})
	waitFor(t, func() bool { return len(s.Elements()) == 1 })

	if s.CanUndo() {
		t.Error("remote mutation must not enter history")
	}
	time.Sleep(100 * time.Millisecond)
	if api.putCount() != 0 {
		t.Errorf("remote mutation must not persist, got %d writes", api.putCount())
	}
}

func TestRemoteDuplicateCreateIgnored(t *testing.T) {
	s, transport := newTestSession(t, Options{})

	el := &board.Element{ID: "r1", Type: board.TypeCircle, X2: 3, Y2: 4}
	for i := 0; i < 2; i++ {
		transport.deliver(t, protocol.EventUpdate, protocol.Update{
			RoomID:   "room-1",
			Command:  board.DrawDown,
			Elements: []*board.Element{el},
		})
	}
	waitFor(t, func() bool { return len(s.Elements()) == 1 })
	time.Sleep(20 * time.Millisecond)
	if n := len(s.Elements()); n != 1 {
		t.Errorf("duplicate delivery created %d elements", n)
	}
}

func TestRemoteUpdateForOtherRoomIgnored(t *testing.T) {
	s, transport := newTestSession(t, Options{})

	transport.deliver(t, protocol.EventUpdate, protocol.Update{
		RoomID:   "room-9",
		Command:  board.DrawDown,
		Elements: []*board.Element{{ID: "x1", Type: board.TypeLine}},
	})
	time.Sleep(30 * time.Millisecond)
	if len(s.Elements()) != 0 {
		t.Error("update for another room must be dropped")
	}
}

func TestRemoteEraseAndSaveText(t *testing.T) {
	s, transport := newTestSession(t, Options{})

	transport.deliver(t, protocol.EventUpdate, protocol.Update{
		RoomID:   "room-1",
		Command:  board.AddText,
		Elements: []*board.Element{{ID: "t1", Type: board.TypeText, X1: 5, Y1: 5}},
	})
	waitFor(t, func() bool { return len(s.Elements()) == 1 })

	transport.deliver(t, protocol.EventUpdate, protocol.Update{
		RoomID:  "room-1",
		Command: board.SaveText,
		Payload: &protocol.UpdatePayload{ElementID: "t1", Text: "hello"},
	})
	waitFor(t, func() bool {
		els := s.Elements()
		return len(els) == 1 && els[0].Text == "hello"
	})

	transport.deliver(t, protocol.EventUpdate, protocol.Update{
		RoomID:  "room-1",
		Command: board.EraseElement,
		Payload: &protocol.UpdatePayload{ElementID: "t1"},
	})
	waitFor(t, func() bool { return len(s.Elements()) == 0 })
}

func TestUndoRedoBroadcastExactPatches(t *testing.T) {
	s, transport := newTestSession(t, Options{})

	id, err := s.StartShape(board.TypeLine, 0, 0, Style{})
	if err != nil {
		t.Fatalf("StartShape failed: %v", err)
	}
	s.ContinueShape(10, 0)
	s.EndShape()

	if !s.Undo() {
		t.Fatal("undo should succeed")
	}
	if len(s.Elements()) != 0 {
		t.Error("undo of creation should remove the element")
	}
	if !s.Redo() {
		t.Fatal("redo should succeed")
	}
	if len(s.Elements()) != 1 {
		t.Error("redo should restore the element")
	}

	updates := transport.sentUpdates(t)
	var undoFrame, redoFrame *protocol.Update
	for i := range updates {
		switch updates[i].Command {
		case board.Undo:
			undoFrame = &updates[i]
		case board.Redo:
			redoFrame = &updates[i]
		}
	}
	if undoFrame == nil || redoFrame == nil {
		t.Fatal("expected both UNDO and REDO frames")
	}
	if undoFrame.Payload.ElementID != id || undoFrame.Payload.Element != nil {
		t.Errorf("undo of a creation carries only the id: %+v", undoFrame.Payload)
	}
	if redoFrame.Payload.Element == nil || redoFrame.Payload.Element.ID != id {
		t.Errorf("redo must carry the restored element: %+v", redoFrame.Payload)
	}
	if redoFrame.Payload.Element != nil && redoFrame.Payload.Element.X2 != 10 {
		t.Errorf("redo must restore finalized geometry, got X2=%v", redoFrame.Payload.Element.X2)
	}
}

func TestUndoOfEraseRestoresElement(t *testing.T) {
	s, transport := newTestSession(t, Options{})

	id, err := s.StartShape(board.TypeLine, 0, 0, Style{})
	if err != nil {
		t.Fatalf("StartShape failed: %v", err)
	}
	s.ContinueShape(10, 0)
	s.EndShape()

	erasedID, ok := s.EraseAt(5, 0)
	if !ok || erasedID != id {
		t.Fatalf("expected to erase %s, got %s ok=%v", id, erasedID, ok)
	}
	if len(s.Elements()) != 0 {
		t.Fatal("erase should remove the element")
	}

	if !s.Undo() {
		t.Fatal("undo of erase should succeed")
	}
	els := s.Elements()
	if len(els) != 1 || els[0].ID != id {
		t.Fatalf("undo of erase should restore the element, got %+v", els)
	}

	updates := transport.sentUpdates(t)
	last := updates[len(updates)-1]
	if last.Command != board.Undo {
		t.Fatalf("expected UNDO frame last, got %s", last.Command)
	}
	if last.Payload.Element == nil || last.Payload.Element.ID != id {
		t.Errorf("undo of an erase must carry the restored element: %+v", last.Payload)
	}
}

func TestRemoteUndoRedoApplied(t *testing.T) {
	s, transport := newTestSession(t, Options{})

	transport.deliver(t, protocol.EventUpdate, protocol.Update{
		RoomID:   "room-1",
		Command:  board.DrawDown,
		Elements: []*board.Element{{ID: "r1", Type: board.TypeRectangle, X2: 8}},
	})
	waitFor(t, func() bool { return len(s.Elements()) == 1 })

	// Peer undoes its creation: patch is pure removal.
	transport.deliver(t, protocol.EventUpdate, protocol.Update{
		RoomID:  "room-1",
		Command: board.Undo,
		Payload: &protocol.UpdatePayload{ElementID: "r1"},
	})
	waitFor(t, func() bool { return len(s.Elements()) == 0 })

	// Peer redoes: patch carries the element.
	transport.deliver(t, protocol.EventUpdate, protocol.Update{
		RoomID:  "room-1",
		Command: board.Redo,
		Payload: &protocol.UpdatePayload{
			ElementID: "r1",
			Element:   &board.Element{ID: "r1", Type: board.TypeRectangle, X2: 8},
		},
	})
	waitFor(t, func() bool { return len(s.Elements()) == 1 })
	if s.CanUndo() {
		t.Error("peer undo/redo must not touch local history")
	}
}

func TestJoinSeedsFromAPI(t *testing.T) {
	api := &recordingAPI{seed: []*board.Element{{ID: "p1", Type: board.TypePencil, Points: []board.Point{{X: 1, Y: 1}}}}}
	s, _ := newTestSession(t, Options{API: api})

	els := s.Elements()
	if len(els) != 1 || els[0].ID != "p1" {
		t.Fatalf("expected seeded element, got %+v", els)
	}
	if s.CanUndo() {
		t.Error("seeding must not create history")
	}
}

func TestDebouncedPersistence(t *testing.T) {
	api := &recordingAPI{}
	s, _ := newTestSession(t, Options{API: api, SaveDebounce: 30 * time.Millisecond})

	if _, err := s.StartShape(board.TypeLine, 0, 0, Style{}); err != nil {
		t.Fatalf("StartShape failed: %v", err)
	}
	s.ContinueShape(5, 5)
	s.EndShape()

	waitFor(t, func() bool { return api.putCount() == 1 })

	api.mu.Lock()
	persisted := api.puts[0]
	api.mu.Unlock()
	if len(persisted) != 1 || persisted[0].X2 != 5 {
		t.Errorf("persisted snapshot missing final geometry: %+v", persisted)
	}

	// A burst of mutations within the window collapses to one write.
	time.Sleep(50 * time.Millisecond)
	for i := 0; i < 5; i++ {
		if _, err := s.StartShape(board.TypeLine, float64(i), 0, Style{}); err != nil {
			t.Fatalf("StartShape failed: %v", err)
		}
		s.EndShape()
	}
	waitFor(t, func() bool { return api.putCount() == 2 })
	time.Sleep(80 * time.Millisecond)
	if api.putCount() != 2 {
		t.Errorf("burst should collapse to one write, got %d total", api.putCount())
	}
}

func TestSyncRequestAnsweredUnicast(t *testing.T) {
	s, transport := newTestSession(t, Options{})

	if _, err := s.StartShape(board.TypeCircle, 0, 0, Style{}); err != nil {
		t.Fatalf("StartShape failed: %v", err)
	}
	s.EndShape()

	transport.deliver(t, protocol.EventSyncRequest, protocol.SyncRequest{
		RoomID:      "room-1",
		RequesterID: "conn-9",
	})

	waitFor(t, func() bool {
		for _, e := range transport.sentEvents() {
			if e == protocol.EventSyncResponse {
				return true
			}
		}
		return false
	})

	transport.mu.Lock()
	defer transport.mu.Unlock()
	for _, msg := range transport.sent {
		if msg.Event != protocol.EventSyncResponse {
			continue
		}
		var resp protocol.SyncResponse
		if err := msg.Decode(&resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp.TargetID != "conn-9" {
			t.Errorf("response must target the requester, got %q", resp.TargetID)
		}
		if len(resp.State.Elements) != 1 {
			t.Errorf("response should carry the full snapshot, got %d elements", len(resp.State.Elements))
		}
	}
}

func TestSyncResponseReplacesStore(t *testing.T) {
	s, transport := newTestSession(t, Options{})

	if _, err := s.StartShape(board.TypeLine, 0, 0, Style{}); err != nil {
		t.Fatalf("StartShape failed: %v", err)
	}
	s.EndShape()

	authoritative := []*board.Element{
		{ID: "a1", Type: board.TypeRectangle},
		{ID: "a2", Type: board.TypeCircle, X2: 1},
	}
	transport.deliver(t, protocol.EventSyncResponse, protocol.SyncResponse{
		TargetID: "me",
		RoomID:   "room-1",
		State:    protocol.SyncState{Elements: authoritative},
	})
	waitFor(t, func() bool { return len(s.Elements()) == 2 })

	// A stale response for a room we've left is dropped.
	if err := s.Leave(); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	transport.deliver(t, protocol.EventSyncResponse, protocol.SyncResponse{
		RoomID: "room-1",
		State:  protocol.SyncState{Elements: []*board.Element{{ID: "stale"}}},
	})
	time.Sleep(30 * time.Millisecond)
	if len(s.Elements()) != 2 {
		t.Error("sync response after leave must be ignored")
	}
}

func TestJoinErrorSurfacedToCallback(t *testing.T) {
	errs := make(chan protocol.ErrorEvent, 1)
	s, transport := newTestSession(t, Options{OnError: func(e protocol.ErrorEvent) { errs <- e }})
	_ = s

	transport.deliver(t, protocol.EventError, protocol.ErrorEvent{
		Code:    protocol.CodeForbidden,
		Message: "no access to canvas",
	})
	select {
	case e := <-errs:
		if e.Code != protocol.CodeForbidden {
			t.Errorf("unexpected code %s", e.Code)
		}
	case <-time.After(time.Second):
		t.Fatal("error event never surfaced")
	}
}

func TestPeerNotificationsSurfaced(t *testing.T) {
	peers := make(chan protocol.Message, 4)
	_, transport := newTestSession(t, Options{OnPeer: func(m protocol.Message) { peers <- m }})

	transport.deliver(t, protocol.EventUserJoined, protocol.UserJoined{RoomID: "room-1", ConnectionID: "c2"})
	transport.deliver(t, protocol.EventCursorUpdate, protocol.CursorUpdate{RoomID: "room-1", X: 3, Y: 4})

	for _, want := range []protocol.Event{protocol.EventUserJoined, protocol.EventCursorUpdate} {
		select {
		case m := <-peers:
			if m.Event != want {
				t.Errorf("expected %s, got %s", want, m.Event)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s never surfaced", want)
		}
	}
}
