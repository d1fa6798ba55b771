package localapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/ChuLiYu/dashsync/internal/fault"
	"github.com/ChuLiYu/dashsync/internal/logbuffer"
	"github.com/ChuLiYu/dashsync/internal/orchestrator"
	"github.com/ChuLiYu/dashsync/internal/scheduler"
	"github.com/ChuLiYu/dashsync/internal/transport"
	"github.com/ChuLiYu/dashsync/pkg/types"
)

const eventWriteTimeout = 10 * time.Second

// ============================================================================
// Read routes
// ============================================================================

type healthResponse struct {
	Status     string `json:"status"`
	Connection string `json:"connection"`
}

func getHealthzHandler(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, healthResponse{
			Status:     "ok",
			Connection: s.deps.Orchestrator.ConnectionState().String(),
		})
	}
}

func getSnapshotHandler(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, s.deps.Orchestrator.Snapshot())
	}
}

func getDomainHandler(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		domain, err := types.ParseDomain(c.Param("domain"))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		state, ok := s.deps.Orchestrator.Domain(domain)
		if !ok {
			return echo.NewHTTPError(http.StatusNotFound, "no data for "+string(domain))
		}
		return c.JSON(http.StatusOK, state)
	}
}

// putDomainHandler offers a locally produced payload. Invalid payloads are
// rejected with 400 and leave the snapshot untouched.
func putDomainHandler(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		domain, err := types.ParseDomain(c.Param("domain"))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
		}
		if err := s.deps.Orchestrator.ApplyUpdate(domain, json.RawMessage(body)); err != nil {
			return echo.NewHTTPError(statusOf(err), err.Error())
		}
		state, _ := s.deps.Orchestrator.Domain(domain)
		return c.JSON(http.StatusOK, state)
	}
}

type connectionResponse struct {
	State   string                `json:"state"`
	Pending int                   `json:"pending"`
	Stats   orchestrator.Stats    `json:"stats"`
	Queue   []types.QueuedRequest `json:"queue,omitempty"`
}

func getConnectionHandler(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		resp := connectionResponse{
			State: s.deps.Orchestrator.ConnectionState().String(),
			Stats: s.deps.Orchestrator.Stats(),
		}
		if s.deps.Queue != nil {
			pending := s.deps.Queue.Pending()
			resp.Pending = len(pending)
			if c.QueryParam("queue") == "true" {
				resp.Queue = pending
			}
		}
		return c.JSON(http.StatusOK, resp)
	}
}

// ============================================================================
// Writes
// ============================================================================

type outboxRequest struct {
	Method string          `json:"method"`
	Path   string          `json:"path"`
	Body   json.RawMessage `json:"body"`
}

type outboxResponse struct {
	Delivery string `json:"delivery"`
	Pending  int    `json:"pending"`
}

// postOutboxHandler forwards a renderer write to the backend. A write that
// cannot go out now is queued and answered with 202; it is replayed in order
// once the connection is back.
func postOutboxHandler(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.deps.Queue == nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "backend writes disabled")
		}

		var req outboxRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid write body")
		}
		method := strings.ToUpper(strings.TrimSpace(req.Method))
		switch method {
		case "":
			method = http.MethodPost
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			return echo.NewHTTPError(http.StatusBadRequest, "unsupported method "+method)
		}
		if !strings.HasPrefix(req.Path, "/") || strings.HasPrefix(req.Path, "//") {
			return echo.NewHTTPError(http.StatusBadRequest, `"path" must be root-relative`)
		}

		write := transport.Request{Method: method, Path: req.Path}
		if len(req.Body) > 0 {
			write.Body = req.Body
		}
		delivery, err := s.deps.Queue.Send(c.Request().Context(), write)
		if err != nil {
			if errors.Is(err, transport.ErrOutboxFull) {
				return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
			}
			return echo.NewHTTPError(statusOf(err), err.Error())
		}

		status := http.StatusOK
		if delivery == transport.Queued {
			status = http.StatusAccepted
		}
		return c.JSON(status, outboxResponse{
			Delivery: delivery.String(),
			Pending:  len(s.deps.Queue.Pending()),
		})
	}
}

// ============================================================================
// Triggers
// ============================================================================

type triggerRequest struct {
	Name    string    `json:"name"`
	At      time.Time `json:"at"`
	Message string    `json:"message"`
	Level   string    `json:"level"`
}

func getListTriggersHandler(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		triggers := s.deps.Orchestrator.Alerts()
		if triggers == nil {
			triggers = []scheduler.TriggerInfo{}
		}
		return c.JSON(http.StatusOK, triggers)
	}
}

func postRegisterTriggerHandler(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req triggerRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid trigger body")
		}
		if req.At.IsZero() {
			return echo.NewHTTPError(http.StatusBadRequest, `"at" is required`)
		}
		level, err := types.ParseLevel(req.Level)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}

		alert := orchestrator.Alert{
			Name:    strings.TrimSpace(req.Name),
			At:      req.At,
			Message: req.Message,
			Level:   level,
		}
		if err := s.deps.Orchestrator.RegisterAlert(alert); err != nil {
			switch {
			case errors.Is(err, orchestrator.ErrNoScheduler):
				return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
			case errors.Is(err, scheduler.ErrEmptyName):
				return echo.NewHTTPError(http.StatusBadRequest, err.Error())
			default:
				return err
			}
		}
		return c.JSON(http.StatusCreated, alert)
	}
}

func deleteTriggerHandler(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !s.deps.Orchestrator.UnregisterAlert(c.Param("name")) {
			return echo.NewHTTPError(http.StatusNotFound, "no such trigger")
		}
		return c.NoContent(http.StatusNoContent)
	}
}

// ============================================================================
// Logs
// ============================================================================

type logRequest struct {
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context"`
	Timestamp time.Time      `json:"timestamp"`
	NodeID    string         `json:"nodeId"`
	SessionID string         `json:"sessionId"`
}

type logsResponse struct {
	Accepted int `json:"accepted"`
}

// postLogsHandler accepts one entry or an array of entries. Entries are
// checked before any is appended, so a bad body appends nothing.
func postLogsHandler(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.deps.Logs == nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "log forwarding disabled")
		}

		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
		}
		reqs, err := decodeLogRequests(body)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}

		entries := make([]types.LogEntry, 0, len(reqs))
		for i, r := range reqs {
			level, err := types.ParseLevel(r.Level)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, errors.Wrapf(err, "entry %d", i).Error())
			}
			if strings.TrimSpace(r.Message) == "" {
				return echo.NewHTTPError(http.StatusBadRequest, errors.Errorf("entry %d: empty message", i).Error())
			}
			entries = append(entries, types.LogEntry{
				Level:     level,
				Message:   r.Message,
				Context:   r.Context,
				Timestamp: r.Timestamp,
				NodeID:    r.NodeID,
				SessionID: r.SessionID,
			})
		}

		for i, entry := range entries {
			if err := s.deps.Logs.AppendEntry(entry); err != nil {
				if errors.Is(err, logbuffer.ErrClosed) {
					return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
				}
				s.log.Error().Err(err).Int("entry", i).Msg("Failed to append forwarded log entry")
				return err
			}
		}
		return c.JSON(http.StatusAccepted, logsResponse{Accepted: len(entries)})
	}
}

func decodeLogRequests(body []byte) ([]logRequest, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, errors.New("empty body")
	}
	if trimmed[0] == '[' {
		var reqs []logRequest
		if err := json.Unmarshal([]byte(trimmed), &reqs); err != nil {
			return nil, errors.Wrap(err, "invalid log entries")
		}
		return reqs, nil
	}
	var req logRequest
	if err := json.Unmarshal([]byte(trimmed), &req); err != nil {
		return nil, errors.Wrap(err, "invalid log entry")
	}
	return []logRequest{req}, nil
}

// ============================================================================
// Event stream
// ============================================================================

// getEventsHandler streams notifications as JSON text frames. The first
// frame is always a connection notification carrying the current state.
func getEventsHandler(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			// the upgrader has already answered
			s.log.Debug().Err(err).Msg("Event stream upgrade failed")
			return nil
		}
		defer conn.Close()

		notes, cancel := s.deps.Orchestrator.Subscribe()
		defer cancel()

		// the client never sends; reading detects its close
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		hello := orchestrator.Notification{
			Kind:       orchestrator.NotifyConnection,
			Connection: s.deps.Orchestrator.ConnectionState().String(),
			At:         s.env.Clock.Now(),
		}
		if err := writeEvent(conn, hello); err != nil {
			return nil
		}

		for {
			select {
			case <-gone:
				return nil
			case n, ok := <-notes:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
						time.Now().Add(time.Second))
					return nil
				}
				if err := writeEvent(conn, n); err != nil {
					s.log.Debug().Err(err).Msg("Event stream write failed")
					return nil
				}
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, n orchestrator.Notification) error {
	if err := conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(n)
}

// ============================================================================
// Assets
// ============================================================================

// getAssetHandler serves /assets/* from the origin through the offline
// cache. When neither the network nor the cache can answer, the cache's
// synthetic 503 is passed through unchanged.
func getAssetHandler(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.deps.Assets == nil {
			return echo.NewHTTPError(http.StatusNotFound, "asset cache disabled")
		}

		in := c.Request().URL
		target := s.deps.Assets.Origin().ResolveReference(&url.URL{Path: in.Path, RawQuery: in.RawQuery})
		req, err := http.NewRequestWithContext(c.Request().Context(), http.MethodGet, target.String(), nil)
		if err != nil {
			return errors.Wrap(err, "build asset request")
		}

		resp, err := s.deps.Assets.RoundTrip(req)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadGateway, errors.Wrap(err, "fetch asset").Error())
		}
		defer resp.Body.Close()

		header := c.Response().Header()
		for k, vs := range resp.Header {
			for _, v := range vs {
				header.Add(k, v)
			}
		}
		c.Response().WriteHeader(resp.StatusCode)
		_, err = io.Copy(c.Response(), resp.Body)
		return err
	}
}

// statusOf maps a fault to the HTTP status the renderer sees.
func statusOf(err error) int {
	switch fault.KindOf(err) {
	case fault.KindValidation:
		return http.StatusBadRequest
	case fault.KindTransport:
		return http.StatusServiceUnavailable
	case fault.KindRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
