// Package gatewaytest provides an in-process fake gateway for tests.
package gatewaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiaot623/gogo/workloop/internal/gateway"
)

// Request is a decoded request frame seen by the fake.
type Request struct {
	ID     string
	Method string
	Params json.RawMessage
}

// Response scripts the fake's answer to one request.
type Response struct {
	Payload interface{}
	Err     *gateway.ErrorShape
	// Interim payloads are sent as final:false frames before the real answer.
	Interim []interface{}
	// NoReply leaves the request unanswered.
	NoReply bool
	Delay   time.Duration
}

// Handler answers one method.
type Handler func(req Request) Response

// Server is a fake gateway over httptest.
type Server struct {
	*httptest.Server

	upgrader websocket.Upgrader

	mu       sync.Mutex
	handlers map[string]Handler
	calls    []Request
	conns    []*conn
}

type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// NewServer starts a fake gateway that accepts the connect handshake.
func NewServer() *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		handlers: map[string]Handler{},
	}
	s.handlers["connect"] = func(Request) Response {
		return Response{Payload: map[string]interface{}{
			"protocol": gateway.ProtocolVersion,
			"server":   map[string]string{"version": "test"},
		}}
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	return s
}

// WSURL returns the ws:// address of the fake.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http")
}

// Handle installs a handler for method.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Calls returns every request received, in order.
func (s *Server) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallsFor returns the requests received for one method.
func (s *Server) CallsFor(method string) []Request {
	var out []Request
	for _, r := range s.Calls() {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

// DropConnections closes every client socket without a close frame.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.ws.Close()
	}
}

// Close stops the server.
func (s *Server) Close() {
	s.DropConnections()
	s.Server.Close()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{ws: ws}
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()

	go s.readPump(c)
}

func (s *Server) readPump(c *conn) {
	defer c.ws.Close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var frame gateway.RequestFrame
		var raw struct {
			Params json.RawMessage `json:"params"`
		}
		if json.Unmarshal(data, &frame) != nil || json.Unmarshal(data, &raw) != nil {
			continue
		}
		req := Request{ID: frame.ID, Method: frame.Method, Params: raw.Params}

		s.mu.Lock()
		s.calls = append(s.calls, req)
		h := s.handlers[frame.Method]
		s.mu.Unlock()

		go s.reply(c, req, h)
	}
}

func (s *Server) reply(c *conn, req Request, h Handler) {
	var resp Response
	if h == nil {
		resp = Response{Err: &gateway.ErrorShape{Code: "unknown_method", Message: "unknown method " + req.Method}}
	} else {
		resp = h(req)
	}
	if resp.NoReply {
		return
	}

	notFinal := false
	for _, p := range resp.Interim {
		_ = c.writeJSON(frame(req.ID, true, p, nil, &notFinal))
	}
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	_ = c.writeJSON(frame(req.ID, resp.Err == nil, resp.Payload, resp.Err, nil))
}

func frame(id string, ok bool, payload interface{}, errShape *gateway.ErrorShape, final *bool) map[string]interface{} {
	f := map[string]interface{}{
		"type": gateway.FrameTypeResponse,
		"id":   id,
		"ok":   ok,
	}
	if payload != nil {
		f["payload"] = payload
	}
	if errShape != nil {
		f["error"] = errShape
	}
	if final != nil {
		f["final"] = *final
	}
	return f
}

// ConnectHandshakeNeverAnswers makes the fake ignore the handshake.
func (s *Server) ConnectHandshakeNeverAnswers() {
	s.Handle("connect", func(Request) Response { return Response{NoReply: true} })
}
