package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"notesuite/api/internal/collab"
	"notesuite/api/internal/presence"
	"notesuite/api/internal/util"
)

// Replies sent only to the socket that issued the request.
const (
	replyJoined  = "joined"
	replyLeft    = "left"
	replyEditAck = "edit-ack"
	replyError   = "error"
)

type SocketOptions struct {
	WriteTimeout time.Duration
	SendBuffer   int
	ReadLimit    int64
	PongWait     time.Duration
}

func (o SocketOptions) withDefaults() SocketOptions {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 2 << 20
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	return o
}

func (o SocketOptions) pingPeriod() time.Duration {
	return o.PongWait * 9 / 10
}

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type clientMessage struct {
	Type           string  `json:"type" validate:"required,oneof=join leave edit cursor typing"`
	NoteID         string  `json:"noteId" validate:"required,max=128"`
	RequestID      string  `json:"requestId,omitempty" validate:"max=64"`
	EditType       string  `json:"editType,omitempty" validate:"omitempty,oneof=content title full"`
	Title          *string `json:"title,omitempty" validate:"omitempty,max=512"`
	Content        *string `json:"content,omitempty"`
	BaseVersion    int64   `json:"baseVersion" validate:"gte=0"`
	Position       int     `json:"position" validate:"gte=0"`
	SelectionStart int     `json:"selectionStart" validate:"gte=0"`
	SelectionEnd   int     `json:"selectionEnd" validate:"gte=0"`
	IsTyping       bool    `json:"isTyping"`
}

type serverMessage struct {
	Type      string `json:"type"`
	NoteID    string `json:"noteId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Payload   any    `json:"payload,omitempty"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
	Details   any    `json:"details,omitempty"`
}

func (s *HTTPServer) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return s.corsOrigin == "*" || origin == "" || strings.EqualFold(origin, s.corsOrigin)
		},
	}
}

func (s *HTTPServer) handleSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing bearer token", nil)
		return
	}
	principal, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "request_id", requestIDFrom(r.Context()), "error", err)
		return
	}

	client := &socketClient{
		id:        util.NewID("conn"),
		principal: principal,
		conn:      conn,
		service:   s.service,
		opts:      s.socket,
		send:      make(chan serverMessage, s.socket.SendBuffer),
		done:      make(chan struct{}),
		subs:      make(map[string]presence.Subscription),
	}
	client.log = s.log.With("connection_id", client.id, "user_id", principal.UserID)
	s.track(client)
	defer s.untrack(client)
	client.run(r.Context())
}

func (s *HTTPServer) track(c *socketClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sockets[c] = struct{}{}
	s.active.Add(1)
}

func (s *HTTPServer) untrack(c *socketClient) {
	s.mu.Lock()
	delete(s.sockets, c)
	s.mu.Unlock()
	s.active.Done()
}

// CloseSockets closes every open WebSocket and waits until their cleanup,
// including leaving sessions, has finished or ctx is done.
// http.Server.Shutdown does not track hijacked connections.
func (s *HTTPServer) CloseSockets(ctx context.Context) error {
	s.mu.Lock()
	for c := range s.sockets {
		c.close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type socketClient struct {
	id        string
	principal Principal
	conn      *websocket.Conn
	service   *Service
	opts      SocketOptions
	log       *slog.Logger

	send      chan serverMessage
	done      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	subs map[string]presence.Subscription
}

func (c *socketClient) run(ctx context.Context) {
	c.log.Debug("socket connected")
	if !c.principal.ExpiresAt.IsZero() {
		expiry := time.AfterFunc(time.Until(c.principal.ExpiresAt), c.expire)
		defer expiry.Stop()
	}
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump()
	}()

	c.readLoop(ctx)
	c.close()
	<-writerDone

	c.unsubscribeAll()
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	left := c.service.Disconnect(cleanupCtx, c.principal, c.id)
	c.log.Debug("socket disconnected", "sessions_left", len(left))
}

func (c *socketClient) readLoop(ctx context.Context) {
	c.conn.SetReadLimit(c.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("socket read failed", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.enqueue(serverMessage{Type: replyError, Code: "INVALID_MESSAGE", Error: "invalid JSON message"})
			continue
		}
		c.dispatch(ctx, msg)
	}
}

func (c *socketClient) dispatch(ctx context.Context, msg clientMessage) {
	if c.tokenExpired() {
		c.expire()
		return
	}
	if err := validate.Struct(msg); err != nil {
		c.replyError(msg, invalidMessage(err))
		return
	}

	switch msg.Type {
	case "join":
		c.join(ctx, msg)
	case "leave":
		event, err := c.service.Leave(ctx, c.principal, msg.NoteID, c.id)
		if err != nil {
			c.replyError(msg, err)
			return
		}
		c.unsubscribe(msg.NoteID)
		c.enqueue(serverMessage{Type: replyLeft, NoteID: msg.NoteID, RequestID: msg.RequestID, Payload: event})
	case "edit":
		result, err := c.service.Edit(ctx, c.principal, msg.NoteID, collab.Edit{
			Type:        collab.EditType(msg.EditType),
			Title:       msg.Title,
			Content:     msg.Content,
			BaseVersion: msg.BaseVersion,
		}, c.id)
		if err != nil {
			c.replyError(msg, err)
			return
		}
		c.enqueue(serverMessage{Type: replyEditAck, NoteID: msg.NoteID, RequestID: msg.RequestID, Payload: result})
	case "cursor":
		c.service.MoveCursor(ctx, c.principal, msg.NoteID, msg.Position, msg.SelectionStart, msg.SelectionEnd, c.id)
	case "typing":
		if _, err := c.service.SetTyping(ctx, c.principal, msg.NoteID, msg.IsTyping, c.id); err != nil {
			c.replyError(msg, err)
		}
	}
}

func (c *socketClient) join(ctx context.Context, msg clientMessage) {
	subscribed, err := c.subscribe(ctx, msg.NoteID)
	if err != nil {
		c.replyError(msg, err)
		return
	}
	result, err := c.service.Join(ctx, c.principal, msg.NoteID, c.id)
	if err != nil {
		if subscribed {
			c.unsubscribe(msg.NoteID)
		}
		c.replyError(msg, err)
		return
	}
	c.enqueue(serverMessage{Type: replyJoined, NoteID: msg.NoteID, RequestID: msg.RequestID, Payload: map[string]any{
		"session":      result.State,
		"collaborator": result.Event.Collaborator,
		"rejoined":     result.Rejoined,
	}})
}

func (c *socketClient) replyError(msg clientMessage, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		c.log.Error("socket request failed", "type", msg.Type, "note_id", msg.NoteID, "error", err)
	}
	c.enqueue(serverMessage{Type: replyError, NoteID: msg.NoteID, RequestID: msg.RequestID, Code: code, Error: message, Details: details})
}

func (c *socketClient) tokenExpired() bool {
	return !c.principal.ExpiresAt.IsZero() && !time.Now().Before(c.principal.ExpiresAt)
}

// expire tells the client its token ran out and closes the connection.
func (c *socketClient) expire() {
	c.log.Debug("socket token expired")
	c.enqueue(serverMessage{Type: replyError, Code: "TOKEN_EXPIRED", Error: "Access token expired"})
	c.close()
}

// subscribe reports whether a new subscription was opened for noteID.
func (c *socketClient) subscribe(ctx context.Context, noteID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[noteID]; ok {
		return false, nil
	}
	sub, err := c.service.Subscribe(ctx, noteID)
	if err != nil {
		return false, err
	}
	c.subs[noteID] = sub
	go c.forward(noteID, sub)
	return true, nil
}

func (c *socketClient) forward(noteID string, sub presence.Subscription) {
	for env := range sub.C() {
		if env.Origin == c.id {
			continue
		}
		c.enqueue(serverMessage{Type: env.Type, NoteID: env.NoteID, Payload: env.Payload})
		if env.Type == EventSessionExpired {
			c.unsubscribe(noteID)
		}
	}
}

func (c *socketClient) unsubscribe(noteID string) {
	c.mu.Lock()
	sub, ok := c.subs[noteID]
	delete(c.subs, noteID)
	c.mu.Unlock()
	if ok {
		sub.Close()
	}
}

func (c *socketClient) unsubscribeAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]presence.Subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

// enqueue never blocks. A client that cannot keep up is disconnected.
func (c *socketClient) enqueue(msg serverMessage) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		c.log.Warn("socket send buffer full, closing connection", "type", msg.Type)
		c.close()
	}
}

func (c *socketClient) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *socketClient) writePump() {
	ticker := time.NewTicker(c.opts.pingPeriod())
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.drain()
			deadline := time.Now().Add(c.opts.WriteTimeout)
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// drain flushes replies queued before the connection started closing.
func (c *socketClient) drain() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *socketClient) write(msg serverMessage) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.conn.WriteJSON(msg); err != nil {
		if !errors.Is(err, websocket.ErrCloseSent) {
			c.log.Debug("socket write failed", "type", msg.Type, "error", err)
		}
		return err
	}
	return nil
}
