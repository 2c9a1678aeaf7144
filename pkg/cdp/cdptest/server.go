// Package cdptest provides an in-process fake CDP endpoint backed by a real
// websocket, so transport and frame-tracking code can be exercised without a
// browser.
package cdptest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/hyperbrowserai/cdpdrive/pkg/cdp"
)

// Request is one call the fake endpoint received.
type Request struct {
	ID        int64           `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	SessionID string          `json:"sessionId"`
}

// HandlerFunc produces the result (or protocol error) for one method.
type HandlerFunc func(req Request) (interface{}, *cdp.Error)

// NoReply, returned as a handler result, leaves the call unanswered so tests
// can hold a call in flight.
var NoReply = &struct{ noReply bool }{true}

type response struct {
	ID        int64       `json:"id"`
	Result    interface{} `json:"result,omitempty"`
	Error     *cdp.Error  `json:"error,omitempty"`
	SessionID string      `json:"sessionId,omitempty"`
}

type event struct {
	Method    string      `json:"method"`
	Params    interface{} `json:"params,omitempty"`
	SessionID string      `json:"sessionId,omitempty"`
}

// Server accepts a single CDP client connection and answers calls from
// registered handlers. Unhandled methods get an empty result.
type Server struct {
	httpServer *httptest.Server
	upgrader   websocket.Upgrader

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	requests []Request
	conn     *websocket.Conn
	writeMu  sync.Mutex

	connReady chan struct{}
	readyOnce sync.Once
}

// NewServer starts the fake endpoint.
func NewServer() *Server {
	s := &Server{
		handlers:  make(map[string]HandlerFunc),
		connReady: make(chan struct{}),
	}
	s.httpServer = httptest.NewServer(http.HandlerFunc(s.serveWS))
	return s
}

// URL returns the websocket URL clients should dial.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.httpServer.URL, "http")
}

// Handle registers the responder for a method.
func (s *Server) Handle(method string, fn HandlerFunc) {
	s.mu.Lock()
	s.handlers[method] = fn
	s.mu.Unlock()
}

// Requests returns a copy of every call received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// CallCount counts received calls for one method.
func (s *Server) CallCount(method string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Method == method {
			n++
		}
	}
	return n
}

// SendEvent pushes an unsolicited event to the connected client.
func (s *Server) SendEvent(method string, params interface{}, sessionID string) error {
	<-s.connReady
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(event{Method: method, Params: params, SessionID: sessionID})
}

// DropConnection closes the client socket without shutting the server down,
// simulating a transport failure.
func (s *Server) DropConnection() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Close shuts the endpoint down.
func (s *Server) Close() {
	s.DropConnection()
	s.httpServer.Close()
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.connReady) })

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		fn := s.handlers[req.Method]
		s.mu.Unlock()

		resp := response{ID: req.ID, SessionID: req.SessionID}
		if fn != nil {
			result, cerr := fn(req)
			if result == NoReply {
				continue
			}
			if cerr != nil {
				resp.Error = cerr
			} else {
				resp.Result = result
			}
		} else {
			resp.Result = struct{}{}
		}
		s.writeMu.Lock()
		err = conn.WriteJSON(resp)
		s.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}
