package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"drawspace/api/internal/board"
	"drawspace/api/internal/history"
	"drawspace/api/internal/protocol"
	"drawspace/api/internal/store"
)

// CanvasAPI is the persistence collaborator: one read on room entry, then
// debounced full-element writes for local-origin mutations only. The server
// store types satisfy it; remote deployments wrap their HTTP client.
type CanvasAPI interface {
	GetCanvas(ctx context.Context, id string) (store.Canvas, error)
	PutCanvasElements(ctx context.Context, id string, elements []*board.Element) error
}

// Style carries the toolbox settings applied to a new element.
type Style struct {
	Color       string
	StrokeWidth float64
	Fill        string
	FillStyle   string
	FontSize    int
}

const (
	defaultEraseTolerance = 5.0
	saveTimeout           = 10 * time.Second
)

// Options configures a session. Transport and UserID are required.
type Options struct {
	UserID           string
	Transport        Transport
	API              CanvasAPI
	HistoryMax       int
	SaveDebounce     time.Duration
	CoalesceInterval time.Duration
	EraseTolerance   float64
	// OnError receives join rejections (authentication/authorization);
	// every other failure is absorbed by the resync machinery.
	OnError func(protocol.ErrorEvent)
	// OnPeer receives room notifications: user-joined, user-left,
	// owner-joined, cursor and presence updates.
	OnPeer func(protocol.Message)
}

// Session owns one client's element store and history for one room. It is
// the update reconciler: local mutations are recorded, broadcast, and
// persisted; remote mutations are applied and nothing else, which is what
// prevents echo loops and cross-client undo corruption.
type Session struct {
	userID    string
	transport Transport
	api       CanvasAPI
	onError   func(protocol.ErrorEvent)
	onPeer    func(protocol.Message)

	saveDebounce time.Duration
	coalesce     time.Duration
	tolerance    float64

	mu           sync.Mutex
	store        *board.Store
	history      *history.History
	roomID       string
	connectionID string

	// DRAW_MOVE coalescing: geometry accumulates here and goes out at
	// most once per coalesce interval.
	pendingMove  *board.Element
	moveTimer    *time.Timer
	lastMoveSent time.Time

	dirty     bool
	saveTimer *time.Timer

	closeOnce sync.Once
	loopDone  chan struct{}
}

func NewSession(opts Options) (*Session, error) {
	if opts.Transport == nil {
		return nil, errors.New("session requires a transport")
	}
	if opts.UserID == "" {
		return nil, errors.New("session requires a user id")
	}
	if opts.SaveDebounce <= 0 {
		opts.SaveDebounce = time.Second
	}
	if opts.CoalesceInterval <= 0 {
		opts.CoalesceInterval = 16 * time.Millisecond
	}
	if opts.EraseTolerance <= 0 {
		opts.EraseTolerance = defaultEraseTolerance
	}

	s := &Session{
		userID:       opts.UserID,
		transport:    opts.Transport,
		api:          opts.API,
		onError:      opts.OnError,
		onPeer:       opts.OnPeer,
		saveDebounce: opts.SaveDebounce,
		coalesce:     opts.CoalesceInterval,
		tolerance:    opts.EraseTolerance,
		store:        board.NewStore(),
		history:      history.New(opts.HistoryMax),
		loopDone:     make(chan struct{}),
	}
	go s.dispatchLoop()
	return s, nil
}

// Join seeds the element store from durable storage, then enters the room.
// The seed is a bulk replace: no history record, no persistence write.
func (s *Session) Join(ctx context.Context, roomID string) error {
	if s.api != nil {
		canvas, err := s.api.GetCanvas(ctx, roomID)
		if err != nil && !errors.Is(err, store.ErrCanvasNotFound) {
			return fmt.Errorf("seed canvas %s: %w", roomID, err)
		}
		s.mu.Lock()
		s.roomID = roomID
		s.store.Replace(canvas.Elements)
		s.history.Clear()
		s.dirty = false
		s.mu.Unlock()
	} else {
		s.mu.Lock()
		s.roomID = roomID
		s.mu.Unlock()
	}
	return s.transport.Join(roomID)
}

// Leave exits the room. In-flight sync responses for it are ignored from
// here on.
func (s *Session) Leave() error {
	s.mu.Lock()
	room := s.roomID
	s.roomID = ""
	s.mu.Unlock()
	if room == "" {
		return nil
	}
	return s.transport.Leave(room)
}

func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.saveTimer != nil {
			s.saveTimer.Stop()
		}
		if s.moveTimer != nil {
			s.moveTimer.Stop()
		}
		s.mu.Unlock()
		_ = s.transport.Close()
		<-s.loopDone
	})
	return nil
}

// Elements returns a snapshot of the store.
func (s *Session) Elements() []*board.Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Snapshot()
}

func (s *Session) HistorySize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Size()
}

func (s *Session) ToolState() board.ToolState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.State()
}

func (s *Session) ConnectionState() State {
	return s.transport.State()
}

// StartShape begins a drawing gesture and broadcasts the new element.
func (s *Session) StartShape(t board.ElementType, x, y float64, style Style) (string, error) {
	el := &board.Element{
		ID:          board.NewElementID(),
		OwnerID:     s.userID,
		Type:        t,
		X1:          x,
		Y1:          y,
		X2:          x,
		Y2:          y,
		Color:       style.Color,
		StrokeWidth: style.StrokeWidth,
		Fill:        style.Fill,
		FillStyle:   style.FillStyle,
	}
	if t == board.TypePencil {
		el.Points = []board.Point{{X: x, Y: y}}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.store.Apply(board.Update{Command: board.DrawDown, Element: el}); err != nil {
		return "", err
	}
	s.markDirtyLocked()
	s.sendUpdateLocked(board.DrawDown, []*board.Element{el.Clone()}, nil)
	return el.ID, nil
}

// ContinueShape extends the in-progress gesture. Broadcasts are coalesced
// to roughly one DRAW_MOVE per interval regardless of input sample rate.
func (s *Session) ContinueShape(x, y float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.store.ActiveID()
	if id == "" {
		return
	}
	active := s.store.Get(id)
	if active == nil {
		return
	}

	partial := &board.Element{ID: id, X2: x, Y2: y}
	if active.Type == board.TypePencil {
		partial.Points = []board.Point{{X: x, Y: y}}
	}
	if !s.store.Merge(partial) {
		return
	}
	s.markDirtyLocked()
	s.queueMoveLocked(partial, active.Type)
}

func (s *Session) queueMoveLocked(partial *board.Element, t board.ElementType) {
	if s.pendingMove == nil || s.pendingMove.ID != partial.ID {
		s.pendingMove = partial.Clone()
	} else if t == board.TypePencil {
		s.pendingMove.Points = append(s.pendingMove.Points, partial.Points...)
	} else {
		s.pendingMove.X2 = partial.X2
		s.pendingMove.Y2 = partial.Y2
	}

	if time.Since(s.lastMoveSent) >= s.coalesce {
		s.flushMoveLocked()
		return
	}
	if s.moveTimer == nil {
		s.moveTimer = time.AfterFunc(s.coalesce, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.flushMoveLocked()
		})
	}
}

func (s *Session) flushMoveLocked() {
	if s.moveTimer != nil {
		s.moveTimer.Stop()
		s.moveTimer = nil
	}
	if s.pendingMove == nil {
		return
	}
	s.sendUpdateLocked(board.DrawMove, []*board.Element{s.pendingMove}, nil)
	s.pendingMove = nil
	s.lastMoveSent = time.Now()
}

// EndShape completes the gesture: the finalized element becomes one history
// node with a nil before patch, and DRAW_UP is broadcast.
func (s *Session) EndShape() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.store.ActiveID()
	if id == "" {
		return
	}
	s.flushMoveLocked()

	final := s.store.Get(id)
	if _, err := s.store.Apply(board.Update{Command: board.DrawUp, ElementID: id}); err != nil {
		return
	}
	if final != nil {
		s.history.Record(nil, &history.Patch{Element: final}, id)
	}
	s.markDirtyLocked()
	s.sendUpdateLocked(board.DrawUp, nil, &protocol.UpdatePayload{ElementID: id})
}

// EraseAt hit-tests locally and broadcasts the erased element's id, never
// the coordinates: hit tests are not reproducible across viewports.
func (s *Session) EraseAt(x, y float64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Capture state before removal for the undo patch. Topmost first, to
	// match what the pointer is visually over.
	var erased *board.Element
	snapshot := s.store.Snapshot()
	for i := len(snapshot) - 1; i >= 0; i-- {
		if snapshot[i].NearPoint(x, y, s.tolerance) {
			erased = snapshot[i]
			break
		}
	}
	if erased == nil {
		return "", false
	}
	id := erased.ID
	s.store.Remove(id)
	s.history.Record(&history.Patch{Element: erased}, nil, id)
	s.markDirtyLocked()
	s.sendUpdateLocked(board.EraseElement, nil, &protocol.UpdatePayload{ElementID: id})
	return id, true
}

// StartText places a text element awaiting input.
func (s *Session) StartText(x, y float64, style Style) (string, error) {
	el := &board.Element{
		ID:       board.NewElementID(),
		OwnerID:  s.userID,
		Type:     board.TypeText,
		X1:       x,
		Y1:       y,
		FontSize: style.FontSize,
		Color:    style.Color,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.store.Apply(board.Update{Command: board.AddText, Element: el}); err != nil {
		return "", err
	}
	s.markDirtyLocked()
	s.sendUpdateLocked(board.AddText, []*board.Element{el.Clone()}, nil)
	return el.ID, nil
}

// CommitText finishes the pending text element. This completes the gesture,
// so it is the point that records history.
func (s *Session) CommitText(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.store.ActiveID()
	if id == "" {
		return
	}
	if _, err := s.store.Apply(board.Update{Command: board.SaveText, Text: text}); err != nil {
		return
	}
	final := s.store.Get(id)
	if final != nil {
		s.history.Record(nil, &history.Patch{Element: final}, id)
	}
	s.markDirtyLocked()
	s.sendUpdateLocked(board.SaveText, nil, &protocol.UpdatePayload{ElementID: id, Text: text})
}

// Undo applies the current node's before patch and broadcasts it as a
// dedicated UNDO command, so peers apply the exact patch instead of
// recomputing anything.
func (s *Session) Undo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.history.Undo()
	if !ok {
		return false
	}
	s.applyPatchLocked(entry)
	s.markDirtyLocked()

	payload := &protocol.UpdatePayload{ElementID: entry.ElementID}
	if entry.Patch != nil && entry.Patch.Element != nil {
		payload.Element = entry.Patch.Element.Clone()
	}
	s.sendUpdateLocked(board.Undo, nil, payload)
	return true
}

// Redo applies the target node's after patch and broadcasts the restored
// element (or the removal, when redoing an erase).
func (s *Session) Redo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.history.Redo()
	if !ok {
		return false
	}
	s.applyPatchLocked(entry)
	s.markDirtyLocked()

	payload := &protocol.UpdatePayload{ElementID: entry.ElementID}
	if entry.Patch != nil && entry.Patch.Element != nil {
		payload.Element = entry.Patch.Element.Clone()
	}
	s.sendUpdateLocked(board.Redo, nil, payload)
	return true
}

func (s *Session) CanUndo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.CanUndo()
}

func (s *Session) CanRedo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.CanRedo()
}

// applyPatchLocked turns an emitted history patch into a concrete store
// mutation: a nil patch means absence, a present patch means exact state.
func (s *Session) applyPatchLocked(entry history.Entry) {
	if entry.Patch == nil || entry.Patch.Element == nil {
		s.store.Remove(entry.ElementID)
		return
	}
	s.store.Insert(entry.Patch.Element)
}

// SendCursor relays the local cursor position to the room. Ephemeral: not
// stored, not recorded, not persisted.
func (s *Session) SendCursor(x, y float64) {
	s.mu.Lock()
	room := s.roomID
	s.mu.Unlock()
	if room == "" {
		return
	}
	msg, err := protocol.NewMessage(protocol.EventCursorUpdate, protocol.CursorUpdate{RoomID: room, X: x, Y: y})
	if err != nil {
		return
	}
	_ = s.transport.Send(msg)
}

// SendPresence relays a presence status (active, idle, away) to the room.
func (s *Session) SendPresence(status string) {
	s.mu.Lock()
	room := s.roomID
	s.mu.Unlock()
	if room == "" {
		return
	}
	msg, err := protocol.NewMessage(protocol.EventPresenceUpdate, protocol.PresenceUpdate{RoomID: room, Status: status})
	if err != nil {
		return
	}
	_ = s.transport.Send(msg)
}

// RequestSync asks the room for current full state.
func (s *Session) RequestSync() {
	s.mu.Lock()
	room := s.roomID
	s.mu.Unlock()
	if room == "" {
		return
	}
	msg, err := protocol.NewMessage(protocol.EventSyncRequest, protocol.SyncRequest{RoomID: room})
	if err != nil {
		return
	}
	_ = s.transport.Send(msg)
}

func (s *Session) sendUpdateLocked(cmd board.Command, elements []*board.Element, payload *protocol.UpdatePayload) {
	if s.roomID == "" {
		return
	}
	if elements == nil {
		elements = []*board.Element{}
	}
	update := protocol.Update{
		RoomID:    s.roomID,
		Command:   cmd,
		Elements:  elements,
		UpdatedBy: s.userID,
		Source:    protocol.SourceLocal,
		Payload:   payload,
	}
	msg, err := protocol.NewMessage(protocol.EventUpdate, update)
	if err != nil {
		log.Printf("marshal update: %v", err)
		return
	}
	if err := s.transport.Send(msg); err != nil {
		log.Printf("send update: %v", err)
	}
}

// markDirtyLocked arms the debounced persistence write. Only local-origin
// mutations reach here; the peer that originated a remote mutation persists
// it itself.
func (s *Session) markDirtyLocked() {
	s.dirty = true
	if s.api == nil || s.saveTimer != nil {
		return
	}
	s.saveTimer = time.AfterFunc(s.saveDebounce, s.flushSave)
}

func (s *Session) flushSave() {
	s.mu.Lock()
	s.saveTimer = nil
	if !s.dirty || s.api == nil || s.roomID == "" {
		s.mu.Unlock()
		return
	}
	s.dirty = false
	room := s.roomID
	snapshot := s.store.Snapshot()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := s.api.PutCanvasElements(ctx, room, snapshot); err != nil {
		log.Printf("persist canvas %s: %v", room, err)
		// Not re-armed here; the next local mutation retries.
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
	}
}
