package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"bookroom/api/internal/auth"
	"bookroom/api/internal/authpw"
	"bookroom/api/internal/rbac"
	"bookroom/api/internal/search"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *zap.Logger
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: service.logger.Named("http")}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
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
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
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

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		var body authpw.SignUpRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.SignUp(r.Context(), body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, sessionPayload(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		var body authpw.SignInRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.SignIn(r.Context(), body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "userName": session.UserName, "userId": session.UserID, "role": session.Role})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		session := Session{}
		if token := bearerToken(r); token != "" {
			if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				session = parsed
			}
		}
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), session, body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	// Everything below accepts anonymous readers; writes check the session.
	session, ok := s.optionalSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		query := r.URL.Query()
		limit, ok := intParam(w, query.Get("limit"), "limit")
		if !ok {
			return
		}
		offset, ok := intParam(w, query.Get("offset"), "offset")
		if !ok {
			return
		}
		payload, err := s.service.Search(r.Context(), search.Query{
			Text:     strings.TrimSpace(query.Get("q")),
			Language: strings.TrimSpace(query.Get("language")),
			Genre:    strings.TrimSpace(query.Get("genre")),
			Limit:    limit,
			Offset:   offset,
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/rankings" {
		limit, ok := intParam(w, r.URL.Query().Get("limit"), "limit")
		if !ok {
			return
		}
		payload, err := s.service.Rankings(r.Context(), r.URL.Query().Get("by"), limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/statistics/top" {
		payload, err := s.service.TopStatistics(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "stories" {
		s.handleStories(w, r, session, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleStories(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			in, ok := storyListInput(w, r)
			if !ok {
				return
			}
			payload, err := s.service.ListPublished(r.Context(), in)
			s.respond(w, r, http.StatusOK, payload, err)
		case http.MethodPost:
			if !s.authorize(w, r, session, rbac.ActionWrite) {
				return
			}
			var body CreateStoryInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.CreateStory(r.Context(), session, body)
			s.respond(w, r, http.StatusCreated, payload, err)
		default:
			methodNotAllowed(w)
		}
		return
	}

	if len(parts) == 1 && r.Method == http.MethodGet {
		switch parts[0] {
		case "options":
			writeJSON(w, http.StatusOK, s.service.Options())
			return
		case "available":
			if !s.authorize(w, r, session, rbac.ActionRead) {
				return
			}
			payload, err := s.service.ListAvailable(r.Context(), session)
			s.respond(w, r, http.StatusOK, payload, err)
			return
		case "mine":
			if !s.authorize(w, r, session, rbac.ActionRead) {
				return
			}
			payload, err := s.service.ListMine(r.Context(), session)
			s.respond(w, r, http.StatusOK, payload, err)
			return
		}
	}

	storyID := parts[0]
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.GetStory(r.Context(), session, storyID)
			s.respond(w, r, http.StatusOK, payload, err)
		case http.MethodPatch:
			if !s.authorize(w, r, session, rbac.ActionWrite) {
				return
			}
			var body UpdateStoryInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.UpdateStory(r.Context(), session, storyID, body)
			s.respond(w, r, http.StatusOK, payload, err)
		case http.MethodDelete:
			if !s.authorize(w, r, session, rbac.ActionWrite) {
				return
			}
			err := s.service.DeleteStory(r.Context(), session, storyID)
			s.respond(w, r, http.StatusOK, map[string]any{"ok": true}, err)
		default:
			methodNotAllowed(w)
		}
		return
	}

	route := strings.Join(parts[1:], "/")
	switch {
	case route == "final" && r.Method == http.MethodPut:
		if !s.authorize(w, r, session, rbac.ActionModerate) {
			return
		}
		var body FinalEditInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.FinalEdit(r.Context(), session, storyID, body)
		s.respond(w, r, http.StatusOK, payload, err)

	case route == "join" && r.Method == http.MethodPost:
		if !s.authorize(w, r, session, rbac.ActionWrite) {
			return
		}
		payload, created, err := s.service.Join(r.Context(), session, storyID)
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		s.respond(w, r, status, payload, err)

	case route == "fragment" && r.Method == http.MethodGet:
		if !s.authorize(w, r, session, rbac.ActionRead) {
			return
		}
		payload, err := s.service.GetFragment(r.Context(), session, storyID)
		s.respond(w, r, http.StatusOK, payload, err)

	case route == "fragment" && r.Method == http.MethodPut:
		if !s.authorize(w, r, session, rbac.ActionWrite) {
			return
		}
		var body FragmentInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateFragment(r.Context(), session, storyID, body)
		s.respond(w, r, http.StatusOK, payload, err)

	case route == "fragment/ready" && r.Method == http.MethodPost:
		if !s.authorize(w, r, session, rbac.ActionWrite) {
			return
		}
		payload, err := s.service.MarkReady(r.Context(), session, storyID)
		s.respond(w, r, http.StatusOK, payload, err)

	case route == "statistics" && r.Method == http.MethodGet:
		payload, err := s.service.Statistics(r.Context(), session, storyID)
		s.respond(w, r, http.StatusOK, payload, err)

	case route == "votes" && r.Method == http.MethodPost:
		if !s.authorize(w, r, session, rbac.ActionComment) {
			return
		}
		var body VoteInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, created, err := s.service.Vote(r.Context(), session, storyID, body)
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		s.respond(w, r, status, payload, err)

	case route == "votes/mine" && r.Method == http.MethodGet:
		if !s.authorize(w, r, session, rbac.ActionRead) {
			return
		}
		payload, err := s.service.MyVote(r.Context(), session, storyID)
		s.respond(w, r, http.StatusOK, payload, err)

	case route == "comments" && r.Method == http.MethodGet:
		payload, err := s.service.ListComments(r.Context(), session, storyID)
		s.respond(w, r, http.StatusOK, payload, err)

	case route == "comments" && r.Method == http.MethodPost:
		if !s.authorize(w, r, session, rbac.ActionComment) {
			return
		}
		var body CommentInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.AddComment(r.Context(), session, storyID, body)
		s.respond(w, r, http.StatusCreated, payload, err)

	case len(parts) == 3 && parts[1] == "comments" && r.Method == http.MethodPatch:
		if !s.authorize(w, r, session, rbac.ActionComment) {
			return
		}
		var body CommentInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.EditComment(r.Context(), session, storyID, parts[2], body)
		s.respond(w, r, http.StatusOK, payload, err)

	case len(parts) == 3 && parts[1] == "comments" && r.Method == http.MethodDelete:
		if !s.authorize(w, r, session, rbac.ActionComment) {
			return
		}
		err := s.service.RemoveComment(r.Context(), session, storyID, parts[2])
		s.respond(w, r, http.StatusOK, map[string]any{"ok": true}, err)

	case route == "history" && r.Method == http.MethodGet:
		payload, err := s.service.History(r.Context(), session, storyID)
		s.respond(w, r, http.StatusOK, payload, err)

	case route == "export" && r.Method == http.MethodGet:
		format := strings.TrimSpace(r.URL.Query().Get("format"))
		if format == "" {
			format = "pdf"
		}
		result, err := s.service.Export(r.Context(), session, storyID, format, strings.TrimSpace(r.URL.Query().Get("version")))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if result.DownloadURL != "" {
			w.Header().Set("X-Download-URL", result.DownloadURL)
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
		w.Header().Set("Content-Type", result.MimeType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// optionalSession resolves the bearer token when one is sent. Anonymous
// requests get a zero Session; a bad token is rejected.
func (s *HTTPServer) optionalSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		return Session{}, true
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		s.logger.Error("session lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

// authorize requires a signed-in caller whose role allows action.
func (s *HTTPServer) authorize(w http.ResponseWriter, r *http.Request, session Session, action rbac.Action) bool {
	if session.UserID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return false
	}
	if !s.service.Can(session.Role, action) {
		s.logger.Info("forbidden", zap.String("user_id", session.UserID), zap.String("action", string(action)), zap.String("path", r.URL.Path))
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return false
	}
	return true
}

func (s *HTTPServer) respond(w http.ResponseWriter, r *http.Request, status int, payload any, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, status, payload)
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func storyListInput(w http.ResponseWriter, r *http.Request) (StoryListInput, bool) {
	query := r.URL.Query()
	in := StoryListInput{
		Query:    strings.TrimSpace(query.Get("q")),
		Language: strings.TrimSpace(query.Get("language")),
		Genre:    strings.TrimSpace(query.Get("genre")),
		AuthorID: strings.TrimSpace(query.Get("author")),
	}
	for name, target := range map[string]*int{
		"writers":    &in.Writers,
		"minWriters": &in.MinWriters,
		"maxWriters": &in.MaxWriters,
		"limit":      &in.Limit,
	} {
		value, ok := intParam(w, query.Get(name), name)
		if !ok {
			return StoryListInput{}, false
		}
		*target = value
	}
	return in, true
}

func intParam(w http.ResponseWriter, raw, name string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", name+" must be an integer", nil)
		return 0, false
	}
	return parsed, true
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"accessToken":  session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"role":         session.Role,
		"expiresAt":    session.ExpiresAt.Unix(),
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		httpRequests.WithLabelValues(r.Method, strconv.Itoa(writer.status)).Inc()
		httpDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())
		s.logger.Info("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", elapsed.Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
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

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "X-Request-ID, X-Download-URL, Content-Disposition")
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

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
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
