package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"peersupport/api/internal/auth"
	"peersupport/api/internal/identity"
	"peersupport/api/internal/spaces"
)

type httpMetrics interface {
	ObserveHTTP(method, route string, status int, elapsed time.Duration)
	Handler() http.Handler
}

type HTTPConfig struct {
	Verifier   auth.Verifier
	Metrics    httpMetrics
	Logger     *zap.Logger
	CORSOrigin string
}

type HTTPServer struct {
	service    *Service
	verifier   auth.Verifier
	metrics    httpMetrics
	logger     *zap.Logger
	corsOrigin string
	validate   *validator.Validate
}

func NewHTTPServer(service *Service, cfg HTTPConfig) *HTTPServer {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origin := cfg.CORSOrigin
	if origin == "" {
		origin = "*"
	}
	return &HTTPServer{
		service:    service,
		verifier:   cfg.Verifier,
		metrics:    cfg.Metrics,
		logger:     logger,
		corsOrigin: origin,
		validate:   validator.New(),
	}
}

type textRequest struct {
	Text string `json:"text" validate:"required,max=1500"`
}

type pseudonymRequest struct {
	Name string `json:"name" validate:"required,max=40"`
}

func (s *HTTPServer) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(s.withMiddleware)
	router.Use(chimiddleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: strings.Split(s.corsOrigin, ","),
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	router.Get("/api/health", s.handleHealth)
	router.Get("/api/ready", s.handleReady)
	if s.metrics != nil {
		router.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	router.Group(func(r chi.Router) {
		r.Use(s.requireCaller)

		r.Get("/api/me", s.handleMe)
		r.Put("/api/me/pseudonym", s.handleChoosePseudonym)

		r.Get("/api/spaces", s.handleSpaces)
		r.Get("/api/spaces/{space}", s.handleSpace)
		r.Get("/api/spaces/{space}/posts", s.handleListPosts)
		r.Post("/api/spaces/{space}/posts", s.handleCreatePost)

		r.Post("/api/posts/{postID}/comments", s.handleCreateComment)
		r.Delete("/api/posts/{postID}", s.handleDeletePost)
		r.Delete("/api/comments/{commentID}", s.handleDeleteComment)
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return router
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
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

	// A dropped change feed degrades freshness only; reads keep serving the cache.
	stats, connected := s.service.Status()
	feedStatus := "connected"
	if !connected {
		feedStatus = "disconnected"
	}
	checks["changefeed"] = map[string]any{"status": feedStatus}
	checks["cache"] = stats

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleMe(w http.ResponseWriter, r *http.Request) {
	me, err := s.service.Me(r.Context(), callerFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, me)
}

func (s *HTTPServer) handleChoosePseudonym(w http.ResponseWriter, r *http.Request) {
	var body pseudonymRequest
	if !s.bind(w, r, &body) {
		return
	}
	id, err := s.service.ChoosePseudonym(r.Context(), callerFrom(r.Context()), body.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"identity": id})
}

func (s *HTTPServer) handleSpaces(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Spaces(callerFrom(r.Context())))
}

func (s *HTTPServer) handleSpace(w http.ResponseWriter, r *http.Request) {
	space, ok := spaceParam(r)
	if !ok {
		writeError(w, http.StatusNotFound, CodeNotFound, "Space not found", nil)
		return
	}
	info, err := s.service.Space(callerFrom(r.Context()), space)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *HTTPServer) handleListPosts(w http.ResponseWriter, r *http.Request) {
	space, ok := spaceParam(r)
	if !ok {
		writeError(w, http.StatusNotFound, CodeNotFound, "Space not found", nil)
		return
	}
	feed, err := s.service.ListFeed(r.Context(), callerFrom(r.Context()), space)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, feed)
}

func (s *HTTPServer) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	space, ok := spaceParam(r)
	if !ok {
		writeError(w, http.StatusNotFound, CodeNotFound, "Space not found", nil)
		return
	}
	var body textRequest
	if !s.bind(w, r, &body) {
		return
	}
	created, err := s.service.CreatePost(r.Context(), callerFrom(r.Context()), space, body.Text)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleCreateComment(w http.ResponseWriter, r *http.Request) {
	var body textRequest
	if !s.bind(w, r, &body) {
		return
	}
	created, err := s.service.CreateComment(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "postID"), body.Text)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	postID := chi.URLParam(r, "postID")
	if err := s.service.DeletePost(r.Context(), callerFrom(r.Context()), postID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "id": postID})
}

func (s *HTTPServer) handleDeleteComment(w http.ResponseWriter, r *http.Request) {
	commentID := chi.URLParam(r, "commentID")
	if err := s.service.DeleteComment(r.Context(), callerFrom(r.Context()), commentID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "id": commentID})
}

// bind decodes and validates a request body, writing the error response
// itself when either step fails.
func (s *HTTPServer) bind(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	if err := s.validate.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			details := make(map[string]string, len(fieldErrs))
			for _, fe := range fieldErrs {
				details[strings.ToLower(fe.Field())] = fe.Tag()
			}
			writeError(w, http.StatusUnprocessableEntity, CodeValidation, "Invalid request", details)
			return false
		}
		writeError(w, http.StatusUnprocessableEntity, CodeValidation, err.Error(), nil)
		return false
	}
	return true
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("code", code),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" || s.verifier == nil {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil)
			return
		}
		caller, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		ctx := context.WithValue(r.Context(), callerKey{}, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
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
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		if s.metrics != nil {
			s.metrics.ObserveHTTP(r.Method, route, writer.status, elapsed)
		}
		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("route", route),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", elapsed.Milliseconds()),
		)
	})
}

type requestIDKey struct{}

type callerKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func callerFrom(ctx context.Context) auth.Caller {
	caller, _ := ctx.Value(callerKey{}).(auth.Caller)
	return caller
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

// spaceParam accepts a slug or an escaped display name.
func spaceParam(r *http.Request) (spaces.Space, bool) {
	raw := chi.URLParam(r, "space")
	if unescaped, err := url.PathUnescape(raw); err == nil {
		raw = unescaped
	}
	return spaces.Parse(raw)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
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
		if errors.Is(err, http.ErrBodyReadAfterClose) {
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, identity.ErrInvalidPseudonym) {
		return http.StatusUnprocessableEntity, CodeValidation, err.Error(), nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
