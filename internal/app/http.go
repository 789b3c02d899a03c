package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"fronting/core/internal/front"
	"fronting/core/internal/store"
)

type HTTPServer struct {
	manager    *Manager
	corsOrigin string
	log        zerolog.Logger
	metrics    http.Handler
}

func NewHTTPServer(manager *Manager, corsOrigin string, log zerolog.Logger) *HTTPServer {
	return &HTTPServer{manager: manager, corsOrigin: corsOrigin, log: log, metrics: promhttp.Handler()}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		status, checks := s.manager.Ready(r.Context())
		statusCode := http.StatusOK
		if status == "not_ready" {
			statusCode = http.StatusServiceUnavailable
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status != "not_ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		s.metrics.ServeHTTP(w, r)
		return
	}

	if r.URL.Path == "/api/session" {
		s.handleSession(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	session, err := s.manager.Current()
	if err != nil {
		writeMappedError(w, err)
		return
	}

	switch parts[1] {
	case "front":
		s.handleFront(w, r, session, parts[2:])
	case "identities":
		s.handleIdentities(w, r, session, parts[2:])
	case "lifecycle":
		s.handleLifecycle(w, r, session, parts[2:])
	case "sync":
		s.handleSync(w, r, session, parts[2:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		session, err := s.manager.Current()
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"signedIn": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"signedIn":  true,
			"accountId": session.AccountID,
			"systemId":  session.SystemID,
			"device":    session.Device,
			"sync":      session.Connector.Status(r.Context()),
		})

	case http.MethodPost:
		var body SignInRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, token, err := s.manager.SignIn(r.Context(), body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		response := map[string]any{
			"accountId": session.AccountID,
			"systemId":  session.SystemID,
			"offline":   token == "",
			"front":     session.Machine.CurrentStatus(),
		}
		if token != "" {
			response["sessionToken"] = token
		}
		writeJSON(w, http.StatusOK, response)

	case http.MethodDelete:
		if err := s.manager.SignOut(r.Context()); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleFront(w http.ResponseWriter, r *http.Request, session *SystemSession, rest []string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			s.writeFront(w, session, session.Machine.CurrentStatus())
		case http.MethodPost:
			var body struct {
				IdentityIDs []string `json:"identityIds"`
				Mode        string   `json:"mode"`
				Note        string   `json:"note"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			mode, ok := front.ParseMode(body.Mode)
			if !ok {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "mode must be single, co-front or blurry", nil)
				return
			}
			status, err := session.Machine.SetFronting(r.Context(), body.IdentityIDs, mode, body.Note)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			s.writeFront(w, session, status)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(rest) == 1 && rest[0] == "history" && r.Method == http.MethodGet {
		query, err := historyQuery(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", err.Error(), nil)
			return
		}
		page, err := session.Machine.History(r.Context(), query)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		if page.Entries == nil {
			page.Entries = []store.FrontHistoryEntry{}
		}
		writeJSON(w, http.StatusOK, page)
		return
	}

	if len(rest) == 1 && rest[0] == "stream" && r.Method == http.MethodGet {
		s.handleStream(w, r, session)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) writeFront(w http.ResponseWriter, session *SystemSession, status front.FrontStatus) {
	payload := map[string]any{"front": status}
	if entry, ok := session.Machine.OpenEntry(); ok {
		payload["openEntry"] = entry
	}
	writeJSON(w, http.StatusOK, payload)
}

func historyQuery(r *http.Request) (store.HistoryQuery, error) {
	values := r.URL.Query()
	query := store.HistoryQuery{Cursor: values.Get("cursor")}
	for key, target := range map[string]*time.Time{"from": &query.From, "to": &query.To} {
		raw := strings.TrimSpace(values.Get(key))
		if raw == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return store.HistoryQuery{}, fmt.Errorf("%s must be an RFC 3339 time", key)
		}
		*target = parsed
	}
	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return store.HistoryQuery{}, errors.New("limit must be a non-negative integer")
		}
		query.Limit = limit
	}
	return query, nil
}

func (s *HTTPServer) handleIdentities(w http.ResponseWriter, r *http.Request, session *SystemSession, rest []string) {
	roster := session.Roster
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"items": roster.List()})

	case len(rest) == 0 && r.Method == http.MethodPost:
		var body front.IdentityInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		item, err := roster.Create(r.Context(), body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, item)

	case len(rest) == 1 && r.Method == http.MethodGet:
		item, err := roster.Get(rest[0])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, item)

	case len(rest) == 1 && (r.Method == http.MethodPatch || r.Method == http.MethodPut):
		var body front.IdentityPatch
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		item, err := roster.Update(r.Context(), rest[0], body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, item)

	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := roster.Delete(r.Context(), rest[0]); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 2 && rest[1] == "archive" && r.Method == http.MethodPost:
		item, err := roster.Archive(r.Context(), rest[0])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, item)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleLifecycle(w http.ResponseWriter, r *http.Request, session *SystemSession, rest []string) {
	if len(rest) == 0 && r.Method == http.MethodGet {
		state := "background"
		if session.Tracker.InForeground() {
			state = "foreground"
		}
		writeJSON(w, http.StatusOK, map[string]any{"state": state})
		return
	}
	if len(rest) != 0 || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	var body struct {
		State string     `json:"state"`
		At    *time.Time `json:"at"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	at := time.Now()
	if body.At != nil {
		at = *body.At
	}
	switch body.State {
	case "foreground":
		session.Tracker.Foreground(r.Context(), at)
	case "background":
		session.Tracker.Background(r.Context(), at)
	default:
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "state must be foreground or background", nil)
		return
	}
	s.writeFront(w, session, session.Machine.CurrentStatus())
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request, session *SystemSession, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, session.Connector.Status(r.Context()))
	case len(rest) == 1 && rest[0] == "reconnect" && r.Method == http.MethodPost:
		session.Connector.Reconnect()
		writeJSON(w, http.StatusAccepted, session.Connector.Status(r.Context()))
	case len(rest) == 3 && rest[0] == "rejected" && rest[2] == "discard" && r.Method == http.MethodPost:
		if err := session.Connector.Discard(r.Context(), rest[1]); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, session.Connector.Status(r.Context()))
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
