package cdp

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Handler receives the raw params of one protocol event.
type Handler func(params json.RawMessage)

type handlerReg struct {
	fn Handler
}

// Session is a logical channel to one target. The root session has an empty
// id and talks to the browser itself. Events are only ever delivered to
// handlers registered on the exact session that the event names.
type Session struct {
	conn *Conn
	id   string

	mu       sync.Mutex
	handlers map[string][]*handlerReg
	detached bool
}

func newSession(c *Conn, id string) *Session {
	return &Session{
		conn:     c,
		id:       id,
		handlers: make(map[string][]*handlerReg),
	}
}

// ID returns the protocol session id; empty for the root session.
func (s *Session) ID() string {
	return s.id
}

// Send issues a protocol call on this session and waits for the matching
// response. Cancellation comes from ctx or from transport closure; the
// session applies no timeout of its own.
func (s *Session) Send(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	s.mu.Lock()
	detached := s.detached
	s.mu.Unlock()
	if detached {
		return nil, ErrDetached
	}
	return s.conn.send(ctx, s.id, method, params)
}

// On registers a handler for the named event on this session and returns a
// function that removes it.
func (s *Session) On(event string, h Handler) func() {
	reg := &handlerReg{fn: h}
	s.mu.Lock()
	s.handlers[event] = append(s.handlers[event], reg)
	s.mu.Unlock()
	return func() { s.off(event, reg) }
}

func (s *Session) off(event string, reg *handlerReg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	regs := s.handlers[event]
	for i, r := range regs {
		if r == reg {
			s.handlers[event] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

// Detach asks the browser to detach this session and removes it from the
// connection's registry. Detaching the root session is a no-op.
func (s *Session) Detach(ctx context.Context) error {
	if s.id == "" {
		return nil
	}
	_, err := s.conn.RootSession().Send(ctx, "Target.detachFromTarget", &DetachFromTargetParams{
		SessionID: s.id,
	})
	s.conn.dropSession(s.id)
	return err
}

func (s *Session) markDetached() {
	s.mu.Lock()
	s.detached = true
	s.mu.Unlock()
}

// dispatch fans an event out to this session's handlers. A panicking handler
// is contained so it cannot take down the read loop.
func (s *Session) dispatch(method string, params json.RawMessage) {
	s.mu.Lock()
	regs := append([]*handlerReg(nil), s.handlers[method]...)
	s.mu.Unlock()
	for _, reg := range regs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.conn.log.Error("event handler panicked",
						zap.String("method", method),
						zap.String("sessionId", s.id),
						zap.Any("panic", r))
				}
			}()
			reg.fn(params)
		}()
	}
}
