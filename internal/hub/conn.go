package hub

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"drawspace/api/internal/auth"
	"drawspace/api/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20

	sendQueueSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser origin policy is enforced by the surrounding deployment.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Conn is one authenticated websocket connection. rooms is owned by the hub
// run loop; everything else is owned by the connection's pumps.
type Conn struct {
	id       string
	identity auth.Identity
	hub      *Hub
	ws       *websocket.Conn
	rooms    map[string]struct{}

	// mu guards send against enqueue racing closeSend.
	mu     sync.Mutex
	send   chan protocol.Message
	closed bool
}

// ServeWS upgrades the request and runs the connection. The bearer token
// comes from the Authorization header or, for browser clients that cannot
// set websocket headers, the token query parameter. A bad credential gets
// an explicit error frame before close, never a silent drop.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}

	identity, err := auth.ParseToken(h.secret, token)
	if err != nil {
		refuse(ws, protocol.AuthenticationError("invalid or missing credential"))
		return
	}

	conn := &Conn{
		id:       uuid.NewString(),
		identity: identity,
		hub:      h,
		ws:       ws,
		send:     make(chan protocol.Message, sendQueueSize),
		rooms:    make(map[string]struct{}),
	}
	select {
	case h.register <- conn:
	case <-h.done:
		_ = ws.Close()
		return
	}
	log.Printf("connection open: %s (user %s)", conn.id, identity.UserID)

	go conn.writePump()
	conn.readPump(r)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return r.URL.Query().Get("token")
}

func refuse(ws *websocket.Conn, derr *protocol.DomainError) {
	msg, err := protocol.NewMessage(protocol.EventError, protocol.ErrorEvent{
		Code:    derr.Code,
		Message: derr.Message,
	})
	if err == nil {
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = ws.WriteJSON(msg)
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, derr.Code),
		time.Now().Add(writeWait))
	_ = ws.Close()
}

func (c *Conn) readPump(r *http.Request) {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg protocol.Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("read error on %s: %v", c.id, err)
			}
			return
		}
		if _, err := protocol.ParseEvent(string(msg.Event)); err != nil {
			log.Printf("dropping frame from %s: %v", c.id, err)
			continue
		}

		switch msg.Event {
		case protocol.EventJoin:
			c.handleJoinFrame(r, msg.Data)
		case protocol.EventLeave:
			var req protocol.LeaveRequest
			if err := json.Unmarshal(msg.Data, &req); err != nil || req.RoomID == "" {
				log.Printf("dropping malformed leave from %s", c.id)
				continue
			}
			select {
			case c.hub.leaves <- leaveRequest{conn: c, room: req.RoomID}:
			case <-c.hub.done:
				return
			}
		default:
			select {
			case c.hub.frames <- frame{conn: c, msg: msg}:
			case <-c.hub.done:
				return
			}
		}
	}
}

// handleJoinFrame authorizes against the canvas store before handing
// membership to the run loop. Rejections are surfaced as error frames so
// the client UI can react.
func (c *Conn) handleJoinFrame(r *http.Request, data json.RawMessage) {
	var req protocol.JoinRequest
	if err := json.Unmarshal(data, &req); err != nil || req.RoomID == "" {
		log.Printf("dropping malformed join from %s", c.id)
		return
	}

	join, err := c.hub.authorizeJoin(r.Context(), c, req.RoomID)
	if err != nil {
		var derr *protocol.DomainError
		if !errors.As(err, &derr) {
			derr = protocol.AuthorizationError("access check failed")
			log.Printf("access check failed for %s on room %s: %v", c.id, req.RoomID, err)
		}
		c.sendEvent(protocol.EventError, protocol.ErrorEvent{Code: derr.Code, Message: derr.Message})
		return
	}
	select {
	case c.hub.joins <- join:
	case <-c.hub.done:
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue queues a message for delivery. It reports false when the queue is
// full or the connection is already closed; the run loop then drops the
// connection, since a consumer that far behind must resync anyway. Closing
// never happens here: only the run loop may close, together with removing
// the conn from the room maps.
func (c *Conn) enqueue(msg protocol.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Conn) sendEvent(event protocol.Event, data any) bool {
	msg, err := protocol.NewMessage(event, data)
	if err != nil {
		log.Printf("marshal %s: %v", event, err)
		return false
	}
	return c.enqueue(msg)
}

func (c *Conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
