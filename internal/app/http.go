package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"meeplemeet/api/internal/auth"
	"meeplemeet/api/internal/search"
)

const streamKeepAlive = 25 * time.Second

type Session struct {
	AccountID string
	Name      string
	ExpiresAt time.Time
}

type HTTPServer struct {
	service    *Service
	tokens     *auth.Tokens
	corsOrigin string
	log        *slog.Logger
}

func NewHTTPServer(service *Service, tokens *auth.Tokens, corsOrigin string, log *slog.Logger) *HTTPServer {
	if log == nil {
		log = slog.Default()
	}
	return &HTTPServer{service: service, tokens: tokens, corsOrigin: corsOrigin, log: log.With("service", "http")}
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
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"store": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["store"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "accountId": session.AccountID, "name": session.Name})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" || parts[1] != "discussions" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	if len(parts) == 2 && r.Method == http.MethodPost {
		s.handleCreateDiscussion(w, r, session)
		return
	}

	if len(parts) >= 3 {
		s.handleDiscussion(w, r, session, parts[2], parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleCreateDiscussion(w http.ResponseWriter, r *http.Request, session Session) {
	var body CreateDiscussionInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	d, err := s.service.CreateDiscussion(r.Context(), session.AccountID, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	payload, err := s.service.DiscussionPayload(r.Context(), d, session.AccountID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (s *HTTPServer) handleDiscussion(w http.ResponseWriter, r *http.Request, session Session, discussionID string, rest []string) {
	ctx := r.Context()
	account := session.AccountID

	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		d, err := s.service.View(ctx, discussionID, account)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		payload, err := s.service.DiscussionPayload(ctx, d, account)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return

	case len(rest) == 1 && rest[0] == "stream" && r.Method == http.MethodGet:
		s.handleStream(w, r, session, discussionID)
		return

	case len(rest) == 1 && rest[0] == "messages" && r.Method == http.MethodPost:
		var body struct {
			Content  string `json:"content"`
			PhotoRef string `json:"photoRef"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		var (
			id  string
			err error
		)
		if body.PhotoRef != "" {
			id, err = s.service.SendWithPhoto(ctx, discussionID, account, body.Content, body.PhotoRef)
		} else {
			id, err = s.service.Send(ctx, discussionID, account, body.Content)
		}
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": id})
		return

	case len(rest) == 1 && rest[0] == "polls" && r.Method == http.MethodPost:
		var body CreatePollInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		id, err := s.service.CreatePoll(ctx, discussionID, account, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": id})
		return

	case len(rest) == 2 && rest[0] == "messages" && r.Method == http.MethodPut:
		var body struct {
			Content string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.respond(w, r, s.service.Edit(ctx, discussionID, rest[1], account, body.Content))
		return

	case len(rest) == 2 && rest[0] == "messages" && r.Method == http.MethodDelete:
		s.respond(w, r, s.service.Delete(ctx, discussionID, rest[1], account))
		return

	case len(rest) == 3 && rest[0] == "messages" && rest[2] == "photo" && r.Method == http.MethodGet:
		u, err := s.service.PhotoURL(ctx, discussionID, rest[1], account)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		w.Header().Set("Location", u)
		writeJSON(w, http.StatusTemporaryRedirect, map[string]any{"url": u})
		return

	case len(rest) == 4 && rest[0] == "messages" && rest[2] == "votes":
		option, err := strconv.Atoi(rest[3])
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_OPTION", "option must be an integer", nil)
			return
		}
		switch r.Method {
		case http.MethodPost:
			s.respond(w, r, s.service.Vote(ctx, discussionID, rest[1], account, option))
			return
		case http.MethodDelete:
			s.respond(w, r, s.service.RemoveVote(ctx, discussionID, rest[1], account, option))
			return
		}

	case len(rest) == 1 && rest[0] == "read" && r.Method == http.MethodPost:
		var body struct {
			MessageID string `json:"messageId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.respond(w, r, s.service.MarkRead(ctx, account, discussionID, body.MessageID))
		return

	case len(rest) == 1 && rest[0] == "unread" && r.Method == http.MethodGet:
		n, err := s.service.UnreadCount(ctx, account, discussionID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"unread": n})
		return

	case len(rest) == 1 && rest[0] == "search" && r.Method == http.MethodGet:
		query := r.URL.Query()
		limit, _ := strconv.Atoi(query.Get("limit"))
		offset, _ := strconv.Atoi(query.Get("offset"))
		if limit <= 0 || limit > 100 {
			limit = 20
		}
		if offset < 0 {
			offset = 0
		}
		response, err := s.service.Search(ctx, discussionID, account, search.Query{
			Text:   strings.TrimSpace(query.Get("q")),
			Limit:  limit,
			Offset: offset,
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, response)
		return

	case len(rest) == 2 && rest[0] == "participants":
		switch r.Method {
		case http.MethodPost:
			s.respond(w, r, s.service.AddParticipant(ctx, discussionID, account, rest[1]))
			return
		case http.MethodDelete:
			s.respond(w, r, s.service.RemoveParticipant(ctx, discussionID, account, rest[1]))
			return
		}

	case len(rest) == 2 && rest[0] == "admins" && r.Method == http.MethodPut:
		var body struct {
			Admin *bool `json:"admin"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Admin == nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "admin is required", nil)
			return
		}
		s.respond(w, r, s.service.SetAdmin(ctx, discussionID, account, rest[1], *body.Admin))
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleStream pushes one server-sent event per canonical snapshot until the
// client disconnects or the viewer leaves the discussion.
func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request, session Session, discussionID string) {
	ctx := r.Context()
	if _, err := s.service.View(ctx, discussionID, session.AccountID); err != nil {
		s.fail(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "Streaming unsupported", nil)
		return
	}

	snapshots, err := s.service.Subscribe(ctx, discussionID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case d, ok := <-snapshots:
			if !ok {
				return
			}
			if !d.IsParticipant(session.AccountID) {
				_, _ = fmt.Fprint(w, "event: closed\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			payload, err := s.service.DiscussionPayload(ctx, d, session.AccountID)
			if err != nil {
				s.log.Warn("render stream snapshot", "request_id", RequestID(ctx), "discussion_id", discussionID, "error", err)
				continue
			}
			data, err := json.Marshal(payload)
			if err != nil {
				s.log.Error("encode stream snapshot", "request_id", RequestID(ctx), "discussion_id", discussionID, "error", err)
				return
			}
			if _, err := fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *HTTPServer) respond(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "request_id", RequestID(r.Context()), "code", code, "error", err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	claims, err := s.tokens.Parse(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return Session{AccountID: claims.AccountID, Name: claims.Name, ExpiresAt: claims.ExpiresAt}, true
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

		s.log.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

// RequestID returns the id the middleware attached to ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
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

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
