// Package fakebackend is an in-process telemetry backend speaking the same
// REST and stream protocol as the real one. The demo command runs the client
// against it; package tests use it to cut the network at will.
package fakebackend

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/ChuLiYu/dashsync/pkg/types"
)

// Call is one recorded REST request.
type Call struct {
	Method string
	Path   string
	Body   string
}

func (c Call) String() string {
	if c.Body == "" {
		return c.Method + " " + c.Path
	}
	return c.Method + " " + c.Path + " " + c.Body
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the fake backend.
type Server struct {
	echo *echo.Echo
	srv  *httptest.Server

	mu       sync.Mutex
	streamUp bool
	restUp   bool
	conns    map[*websocket.Conn]*sync.Mutex
	subs     int
	calls    []Call
	rejects  map[string]int
	domains  map[types.Domain]json.RawMessage
	logs     []types.LogEntry
}

// New starts a backend on a loopback port with sample data for every domain.
func New() *Server {
	s := &Server{
		echo:     echo.New(),
		streamUp: true,
		restUp:   true,
		conns:    make(map[*websocket.Conn]*sync.Mutex),
		rejects:  make(map[string]int),
		domains: map[types.Domain]json.RawMessage{
			types.DomainSovereignty: json.RawMessage(`{"status":"sovereign","score":0.97}`),
			types.DomainWallet:      json.RawMessage(`{"balance":"1200.50","currency":"DSC"}`),
			types.DomainNodes:       json.RawMessage(`{"nodes":[{"id":"node-1","status":"online"},{"id":"node-2","status":"online"}]}`),
		},
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.routes()
	s.srv = httptest.NewServer(s.echo)
	return s
}

// URL is the REST base URL.
func (s *Server) URL() string { return s.srv.URL }

// StreamURL is the websocket endpoint.
func (s *Server) StreamURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
}

// Close shuts the backend down.
func (s *Server) Close() {
	s.SetStream(false)
	s.srv.Close()
}

func (s *Server) routes() {
	s.echo.Use(s.record)

	s.echo.GET("/ws", s.handleStream)
	s.echo.GET("/healthz", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	s.echo.GET("/api/sovereignty/status", s.handleDomain(types.DomainSovereignty))
	s.echo.GET("/api/wallet/balance", s.handleDomain(types.DomainWallet))
	s.echo.GET("/api/nodes/status", s.handleDomain(types.DomainNodes))
	s.echo.GET("/api/logs", s.handleListLogs)
	s.echo.POST("/api/logs", s.handlePostLogs)
	s.echo.Any("/api/*", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
}

// record logs REST calls and applies outage and rejection rules.
func (s *Server) record(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		if req.URL.Path == "/ws" {
			return next(c)
		}

		var body []byte
		if req.Body != nil {
			body, _ = io.ReadAll(req.Body)
			req.Body = io.NopCloser(bytes.NewReader(body))
		}
		path := req.URL.Path
		if req.URL.RawQuery != "" {
			path += "?" + req.URL.RawQuery
		}

		s.mu.Lock()
		s.calls = append(s.calls, Call{Method: req.Method, Path: path, Body: string(body)})
		up := s.restUp
		status, rejected := s.rejects[req.URL.Path]
		s.mu.Unlock()

		if !up {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "backend unavailable"})
		}
		if rejected {
			return c.JSON(status, map[string]string{"error": "rejected"})
		}
		return next(c)
	}
}

func (s *Server) handleDomain(d types.Domain) echo.HandlerFunc {
	return func(c echo.Context) error {
		s.mu.Lock()
		payload := s.domains[d]
		s.mu.Unlock()
		if payload == nil {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "no data"})
		}
		return c.JSONBlob(http.StatusOK, payload)
	}
}

func (s *Server) handleListLogs(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	s.mu.Lock()
	total := len(s.logs)
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	page := append([]types.LogEntry{}, s.logs[offset:end]...)
	s.mu.Unlock()

	return c.JSON(http.StatusOK, map[string]any{"entries": page, "total": total})
}

func (s *Server) handlePostLogs(c echo.Context) error {
	var body struct {
		Entries []types.LogEntry `json:"entries"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid body"})
	}
	if len(body.Entries) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "no entries"})
	}

	s.mu.Lock()
	s.logs = append(s.logs, body.Entries...)
	s.mu.Unlock()
	return c.JSON(http.StatusAccepted, map[string]int{"accepted": len(body.Entries)})
}

func (s *Server) handleStream(c echo.Context) error {
	s.mu.Lock()
	up := s.streamUp
	s.mu.Unlock()
	if !up {
		return c.NoContent(http.StatusServiceUnavailable)
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil
	}
	s.mu.Lock()
	s.conns[conn] = &sync.Mutex{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil
		}
		var f struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &f) == nil && f.Type == "subscribe" {
			s.mu.Lock()
			s.subs++
			wmu := s.conns[conn]
			s.mu.Unlock()
			if wmu != nil {
				wmu.Lock()
				_ = conn.WriteJSON(map[string]string{"type": "subscribed"})
				wmu.Unlock()
			}
		}
	}
}

// ============================================================================
// Controls
// ============================================================================

// SetStream opens or cuts the stream endpoint. Cutting closes every live
// connection and refuses new upgrades.
func (s *Server) SetStream(up bool) {
	s.mu.Lock()
	s.streamUp = up
	var conns []*websocket.Conn
	if !up {
		for conn := range s.conns {
			conns = append(conns, conn)
		}
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

// SetREST makes every REST call answer 503 while down.
func (s *Server) SetREST(up bool) {
	s.mu.Lock()
	s.restUp = up
	s.mu.Unlock()
}

// SetOnline toggles stream and REST together.
func (s *Server) SetOnline(up bool) {
	s.SetREST(up)
	s.SetStream(up)
}

// Reject makes every request to path answer status.
func (s *Server) Reject(path string, status int) {
	s.mu.Lock()
	s.rejects[path] = status
	s.mu.Unlock()
}

// SetDomain replaces the REST payload of a domain.
func (s *Server) SetDomain(d types.Domain, payload json.RawMessage) {
	s.mu.Lock()
	s.domains[d] = payload
	s.mu.Unlock()
}

// Push broadcasts a stream frame to every connection and returns how many
// received it.
func (s *Server) Push(frameType string, payload any) int {
	data, err := json.Marshal(map[string]any{"type": frameType, "payload": payload})
	if err != nil {
		return 0
	}

	s.mu.Lock()
	targets := make(map[*websocket.Conn]*sync.Mutex, len(s.conns))
	for conn, wmu := range s.conns {
		targets[conn] = wmu
	}
	s.mu.Unlock()

	sent := 0
	for conn, wmu := range targets {
		wmu.Lock()
		if conn.WriteMessage(websocket.TextMessage, data) == nil {
			sent++
		}
		wmu.Unlock()
	}
	return sent
}

// Connections returns the number of open stream connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Subscriptions returns how many subscribe frames were received.
func (s *Server) Subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs
}

// Calls returns the recorded REST calls in arrival order.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// ResetCalls forgets recorded calls.
func (s *Server) ResetCalls() {
	s.mu.Lock()
	s.calls = nil
	s.mu.Unlock()
}

// Logs returns every log entry accepted on POST /api/logs.
func (s *Server) Logs() []types.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.LogEntry(nil), s.logs...)
}
