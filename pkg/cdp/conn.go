package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const maxMessageSize = 256 << 20 // frame tree snapshots of heavy pages get large

// inflightCall is a pending RPC keyed by request id.
type inflightCall struct {
	method string
	done   chan callResult
}

type callResult struct {
	result json.RawMessage
	err    error
}

// Conn owns one websocket to the browser and multiplexes every session over
// it. Outbound calls get strictly increasing ids; inbound frames are routed
// by id (responses) or by method+sessionId (events).
type Conn struct {
	ws     *websocket.Conn
	log    *zap.Logger
	nextID atomic.Int64

	writeMu sync.Mutex

	mu        sync.Mutex
	inflight  map[int64]*inflightCall
	sessions  map[string]*Session
	closed    bool
	closeErr  error
	observers []func(error)

	done chan struct{}
}

// Dial connects to a CDP websocket endpoint and starts the read loop.
func Dial(ctx context.Context, wsURL string, log *zap.Logger) (*Conn, error) {
	if log == nil {
		log = zap.NewNop()
	}
	dialer := websocket.Dialer{}
	ws, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", wsURL, err)
	}
	ws.SetReadLimit(maxMessageSize)

	c := &Conn{
		ws:       ws,
		log:      log,
		inflight: make(map[int64]*inflightCall),
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}
	c.sessions[""] = newSession(c, "")
	go c.readLoop()
	return c, nil
}

// RootSession returns the browser-level session (no session id).
func (c *Conn) RootSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[""]
}

// Session returns the session for the given id, creating it if this is the
// first sighting. The empty id is the root session.
func (c *Conn) Session(id string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		s = newSession(c, id)
		c.sessions[id] = s
	}
	return s
}

// OnClose registers an observer notified exactly once when the transport
// closes. If the transport is already closed the observer fires immediately.
func (c *Conn) OnClose(fn func(error)) {
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		fn(err)
		return
	}
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// Close tears down the transport. Every pending call is rejected and every
// later Send fails with ErrConnectionClosed. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeWith(ErrConnectionClosed)
	return nil
}

// send issues one call on behalf of a session and blocks until the matching
// response arrives, the context is done, or the transport closes. The
// transport never times a call out on its own.
func (c *Conn) send(ctx context.Context, sessionID, method string, params interface{}) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	call := &inflightCall{method: method, done: make(chan callResult, 1)}

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	c.inflight[id] = call
	c.mu.Unlock()

	req := request{ID: id, Method: method, Params: params, SessionID: sessionID}
	data, err := json.Marshal(req)
	if err != nil {
		c.forgetInflight(id)
		return nil, fmt.Errorf("failed to encode %s: %w", method, err)
	}

	c.writeMu.Lock()
	err = c.ws.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.forgetInflight(id)
		c.closeWith(fmt.Errorf("%w: write failed: %v", ErrConnectionClosed, err))
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	select {
	case res := <-call.done:
		if res.err != nil {
			return nil, fmt.Errorf("%s: %w", method, res.err)
		}
		return res.result, nil
	case <-ctx.Done():
		c.forgetInflight(id)
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	case <-c.done:
		c.mu.Lock()
		err := c.closeErr
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", method, err)
	}
}

func (c *Conn) forgetInflight(id int64) {
	c.mu.Lock()
	delete(c.inflight, id)
	c.mu.Unlock()
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.closeWith(fmt.Errorf("%w: %v", ErrConnectionClosed, err))
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("dropping undecodable protocol frame", zap.Error(err))
			continue
		}
		if msg.ID != nil {
			c.routeResponse(&msg)
		} else if msg.Method != "" {
			c.routeEvent(&msg)
		}
	}
}

func (c *Conn) routeResponse(msg *message) {
	c.mu.Lock()
	call, ok := c.inflight[*msg.ID]
	if ok {
		delete(c.inflight, *msg.ID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if msg.Error != nil {
		call.done <- callResult{err: msg.Error}
		return
	}
	call.done <- callResult{result: msg.Result}
}

// routeEvent delivers an event to the handlers of exactly the session named
// by its sessionId. Target attach/detach are special-cased because they
// affect the session registry itself, not just user handlers.
func (c *Conn) routeEvent(msg *message) {
	switch msg.Method {
	case "Target.attachedToTarget":
		var evt AttachedToTargetEvent
		if err := json.Unmarshal(msg.Params, &evt); err == nil && evt.SessionID != "" {
			// Create the session before delivery so handlers on either the
			// root or the new session observe a registered session.
			child := c.Session(evt.SessionID)
			c.Session(msg.SessionID).dispatch(msg.Method, msg.Params)
			if child.id != msg.SessionID {
				child.dispatch(msg.Method, msg.Params)
			}
			return
		}
	case "Target.detachedFromTarget":
		var evt DetachedFromTargetEvent
		if err := json.Unmarshal(msg.Params, &evt); err == nil && evt.SessionID != "" {
			c.Session(msg.SessionID).dispatch(msg.Method, msg.Params)
			c.dropSession(evt.SessionID)
			return
		}
	}

	c.mu.Lock()
	s, ok := c.sessions[msg.SessionID]
	c.mu.Unlock()
	if !ok {
		c.log.Debug("event for unknown session",
			zap.String("method", msg.Method),
			zap.String("sessionId", msg.SessionID))
		return
	}
	s.dispatch(msg.Method, msg.Params)
}

func (c *Conn) dropSession(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	s, ok := c.sessions[id]
	if ok {
		delete(c.sessions, id)
	}
	c.mu.Unlock()
	if ok {
		s.markDetached()
	}
}

// closeWith performs the one-shot transport shutdown: reject every pending
// call, fail future sends, and notify close observers exactly once.
func (c *Conn) closeWith(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = cause
	pending := c.inflight
	c.inflight = make(map[int64]*inflightCall)
	observers := c.observers
	c.observers = nil
	close(c.done)
	c.mu.Unlock()

	for id, call := range pending {
		call.done <- callResult{err: fmt.Errorf("pending call %s (id %d) aborted: %w", call.method, id, cause)}
	}
	for _, fn := range observers {
		fn(cause)
	}
	_ = c.ws.Close()
}
