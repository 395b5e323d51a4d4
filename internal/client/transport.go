// Package client is the client side of the sync engine: the websocket
// transport adapter, and the session that ties the element store, the
// history engine, and the update reconciler together for one room.
package client

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"drawspace/api/internal/protocol"
)

// State is the connection-state observable, the only error-adjacent signal
// the engine exposes outward.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
)

const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 10 * time.Second
	dialTimeout    = 10 * time.Second
	sendBuffer     = 256
)

// Transport is the bidirectional room channel the session talks through.
// The websocket implementation reconnects on its own; a loopback pair backs
// tests.
type Transport interface {
	// Join records the desired room and announces it. The transport
	// re-issues the join and a sync-request after every reconnect, so
	// callers never handle reconnection themselves.
	Join(roomID string) error
	Leave(roomID string) error
	Send(msg protocol.Message) error
	Receive() <-chan protocol.Message
	State() State
	Close() error
}

// WSTransport is the gorilla/websocket transport adapter.
type WSTransport struct {
	url     string
	token   string
	onState func(State)

	mu          sync.Mutex
	conn        *websocket.Conn
	state       State
	desiredRoom string
	closed      bool

	sendCh chan protocol.Message
	recvCh chan protocol.Message
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// DialOption tweaks transport construction.
type DialOption func(*WSTransport)

// WithStateHandler registers the connection-state observer. Called from the
// transport's own goroutines.
func WithStateHandler(fn func(State)) DialOption {
	return func(t *WSTransport) { t.onState = fn }
}

// Dial starts the transport. The initial connection attempt is synchronous
// so an invalid credential surfaces immediately; afterwards the transport
// maintains the connection itself.
func Dial(ctx context.Context, url, token string, opts ...DialOption) (*WSTransport, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	t := &WSTransport{
		url:    url,
		token:  token,
		state:  StateConnecting,
		sendCh: make(chan protocol.Message, sendBuffer),
		recvCh: make(chan protocol.Message, sendBuffer),
		ctx:    runCtx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(t)
	}

	conn, err := t.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	t.conn = conn
	t.setState(StateConnected)

	t.wg.Add(2)
	go t.readLoop(conn)
	go t.writeLoop()
	return t, nil
}

func (t *WSTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+t.token)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, t.url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.url, err)
	}
	return conn, nil
}

func (t *WSTransport) setState(s State) {
	t.mu.Lock()
	changed := t.state != s
	t.state = s
	handler := t.onState
	t.mu.Unlock()
	if changed && handler != nil {
		handler(s)
	}
}

func (t *WSTransport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Join announces the room and requests a resync; the room is remembered for
// automatic rejoin after reconnects.
func (t *WSTransport) Join(roomID string) error {
	t.mu.Lock()
	t.desiredRoom = roomID
	t.mu.Unlock()
	return t.announceRoom(roomID)
}

func (t *WSTransport) announceRoom(roomID string) error {
	join, err := protocol.NewMessage(protocol.EventJoin, protocol.JoinRequest{RoomID: roomID})
	if err != nil {
		return err
	}
	if err := t.Send(join); err != nil {
		return err
	}
	syncReq, err := protocol.NewMessage(protocol.EventSyncRequest, protocol.SyncRequest{RoomID: roomID})
	if err != nil {
		return err
	}
	return t.Send(syncReq)
}

func (t *WSTransport) Leave(roomID string) error {
	t.mu.Lock()
	if t.desiredRoom == roomID {
		t.desiredRoom = ""
	}
	t.mu.Unlock()
	leave, err := protocol.NewMessage(protocol.EventLeave, protocol.LeaveRequest{RoomID: roomID})
	if err != nil {
		return err
	}
	return t.Send(leave)
}

// Send queues a frame. When the queue is full the frame is dropped: the
// resync path, not per-message retries, recovers from gaps.
func (t *WSTransport) Send(msg protocol.Message) error {
	select {
	case t.sendCh <- msg:
		return nil
	default:
		return fmt.Errorf("send queue full, dropping %s", msg.Event)
	}
}

func (t *WSTransport) Receive() <-chan protocol.Message {
	return t.recvCh
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	t.cancel()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	t.setState(StateDisconnected)
	t.wg.Wait()
	close(t.recvCh)
	return nil
}

// readLoop pumps frames from one live connection, then reconnects with
// backoff when it drops. Each successful reconnect re-announces the
// remembered room and asks for a resync.
func (t *WSTransport) readLoop(conn *websocket.Conn) {
	defer t.wg.Done()
	for {
		err := t.pump(conn)
		if t.ctx.Err() != nil {
			return
		}
		log.Printf("transport dropped: %v", err)
		t.setState(StateReconnecting)

		conn = t.reconnect()
		if conn == nil {
			t.setState(StateDisconnected)
			return
		}
		t.setState(StateConnected)

		t.mu.Lock()
		room := t.desiredRoom
		t.mu.Unlock()
		if room != "" {
			if err := t.announceRoom(room); err != nil {
				log.Printf("rejoin %s: %v", room, err)
			}
		}
	}
}

func (t *WSTransport) pump(conn *websocket.Conn) error {
	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		select {
		case t.recvCh <- msg:
		case <-t.ctx.Done():
			return t.ctx.Err()
		}
	}
}

func (t *WSTransport) reconnect() *websocket.Conn {
	backoff := initialBackoff
	for {
		select {
		case <-t.ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		conn, err := t.dial(t.ctx)
		if err == nil {
			t.mu.Lock()
			t.conn = conn
			t.mu.Unlock()
			return conn
		}
		log.Printf("reconnect failed: %v", err)
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (t *WSTransport) writeLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case msg := <-t.sendCh:
			t.mu.Lock()
			conn := t.conn
			t.mu.Unlock()
			if conn == nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				// The read loop notices the dead connection and
				// reconnects; this frame is covered by resync.
				log.Printf("write %s: %v", msg.Event, err)
			}
		}
	}
}
