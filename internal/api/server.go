// Package api exposes the HTTP interface for the rank tracker.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/serp-rank-tracker/internal/config"
	"github.com/JakeFAU/serp-rank-tracker/internal/dispatcher"
	"github.com/JakeFAU/serp-rank-tracker/internal/metrics"
	"github.com/JakeFAU/serp-rank-tracker/internal/tracker"
)

// UserCredentialHeader carries a caller-supplied provider key that bypasses
// the pool.
const UserCredentialHeader = "X-SERP-API-Key"

// Pool is the credential pool surface served over HTTP.
type Pool interface {
	TrackKeyword(ctx context.Context, keyword string, opts tracker.SearchOptions) (tracker.SearchResult, error)
	Stats() tracker.PoolStats
	DetailedStats() []tracker.CredentialDetail
	AddCredential(secret string, dailyLimit, monthlyLimit int) (tracker.Credential, error)
	RemoveCredential(id string) error
	UpdateCredential(id string, upd tracker.CredentialUpdate) (tracker.Credential, error)
	TestCredential(ctx context.Context, secret string) tracker.CredentialTestResult
	VerifyCredential(ctx context.Context, id string) (tracker.CredentialTestResult, error)
	ResetDailyUsage()
	ResetMonthlyUsage()
}

// Server wires HTTP handlers to the pool, the bulk dispatcher and stores.
type Server struct {
	router     chi.Router
	pool       Pool
	dispatcher *dispatcher.Dispatcher
	results    tracker.ResultStore
	cfg        config.Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes. results may be
// nil, in which case /v1/results answers 501.
func NewServer(
	pool Pool,
	dispatch *dispatcher.Dispatcher,
	results tracker.ResultStore,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		pool:       pool,
		dispatcher: dispatch,
		results:    results,
		cfg:        cfg,
		logger:     logger.Named("api"),
	}
	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/track", s.track)
		r.Post("/bulk", s.bulk)
		r.Get("/results", s.listResults)
		r.Route("/keys", func(r chi.Router) {
			r.Get("/stats", s.keyStats)
			r.Post("/", s.addKey)
			r.Post("/test", s.testKey)
			r.Post("/reset-daily", s.resetDaily)
			r.Post("/reset-monthly", s.resetMonthly)
			r.Route("/{key_id}", func(r chi.Router) {
				r.Patch("/", s.updateKey)
				r.Delete("/", s.removeKey)
				r.Post("/verify", s.verifyKey)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports ready while at least one credential can serve traffic.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	st := s.pool.Stats()
	if st.Active == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "no active credentials",
			"total":  st.Total,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "active": st.Active})
}

type searchRequest struct {
	Keyword    string `json:"keyword"`
	Domain     string `json:"domain"`
	Country    string `json:"country"`
	Language   string `json:"language"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Device     string `json:"device"`
}

func (req searchRequest) options(r *http.Request) tracker.SearchOptions {
	return tracker.SearchOptions{
		Domain:         strings.TrimSpace(req.Domain),
		Country:        strings.ToLower(strings.TrimSpace(req.Country)),
		Language:       strings.TrimSpace(req.Language),
		City:           strings.TrimSpace(req.City),
		State:          strings.TrimSpace(req.State),
		PostalCode:     strings.TrimSpace(req.PostalCode),
		Device:         tracker.Device(strings.ToLower(strings.TrimSpace(req.Device))),
		UserCredential: strings.TrimSpace(r.Header.Get(UserCredentialHeader)),
	}
}

type bulkRequest struct {
	searchRequest
	Keywords []string `json:"keywords"`
}

func (s *Server) track(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	opts := req.options(r)
	if err := tracker.ValidateSearch(req.Keyword, opts); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.pool.TrackKeyword(r.Context(), req.Keyword, opts)
	if err != nil {
		s.logger.Warn("track failed",
			zap.String("keyword", req.Keyword),
			zap.String("kind", string(tracker.Classify(err))),
			zap.Error(err))
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) bulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	keywords, err := tracker.NormalizeKeywords(req.Keywords, s.cfg.Bulk.MaxKeywords)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts := req.options(r)
	if err := tracker.ValidateSearch(keywords[0], opts); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reqID, _ := r.Context().Value(requestIDKey{}).(string)
	logger := s.logger.With(zap.String("request_id", reqID))
	result, err := s.dispatcher.Process(r.Context(), keywords, opts, func(p tracker.Progress) {
		logger.Info("bulk progress",
			zap.Int("processed", p.Processed),
			zap.Int("total", p.Total),
			zap.Int("successful", p.Successful),
			zap.Int("failed", p.Failed),
			zap.Int("batch", p.CurrentBatch),
			zap.Int("batches", p.TotalBatches),
			zap.Int("retry_attempt", p.RetryAttempt))
	})
	if err != nil {
		writeJSON(w, statusFor(err), map[string]any{"error": err.Error(), "result": result})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) listResults(w http.ResponseWriter, r *http.Request) {
	if s.results == nil {
		writeError(w, http.StatusNotImplemented, "result storage disabled")
		return
	}
	q := r.URL.Query()
	filter := tracker.ResultFilter{
		Keyword: strings.TrimSpace(q.Get("keyword")),
		Domain:  strings.TrimSpace(q.Get("domain")),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	results, err := s.results.ListResults(r.Context(), filter)
	if err != nil {
		s.logger.Error("list results failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list results")
		return
	}
	if results == nil {
		results = []tracker.SearchResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results, "count": len(results)})
}

func (s *Server) keyStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":       s.pool.Stats(),
		"credentials": s.pool.DetailedStats(),
	})
}

type addKeyRequest struct {
	Secret       string `json:"secret"`
	DailyLimit   int    `json:"daily_limit"`
	MonthlyLimit int    `json:"monthly_limit"`
}

func (s *Server) addKey(w http.ResponseWriter, r *http.Request) {
	var req addKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	cred, err := s.pool.AddCredential(req.Secret, req.DailyLimit, req.MonthlyLimit)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, cred)
}

func (s *Server) updateKey(w http.ResponseWriter, r *http.Request) {
	var upd tracker.CredentialUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	cred, err := s.pool.UpdateCredential(chi.URLParam(r, "key_id"), upd)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

func (s *Server) removeKey(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.RemoveCredential(chi.URLParam(r, "key_id")); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type testKeyRequest struct {
	Secret string `json:"secret"`
}

func (s *Server) testKey(w http.ResponseWriter, r *http.Request) {
	var req testKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	writeJSON(w, http.StatusOK, s.pool.TestCredential(r.Context(), req.Secret))
}

func (s *Server) verifyKey(w http.ResponseWriter, r *http.Request) {
	res, err := s.pool.VerifyCredential(r.Context(), chi.URLParam(r, "key_id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) resetDaily(w http.ResponseWriter, _ *http.Request) {
	s.pool.ResetDailyUsage()
	writeJSON(w, http.StatusOK, s.pool.Stats())
}

func (s *Server) resetMonthly(w http.ResponseWriter, _ *http.Request) {
	s.pool.ResetMonthlyUsage()
	writeJSON(w, http.StatusOK, s.pool.Stats())
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, tracker.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, tracker.ErrCredentialNotFound):
		return http.StatusNotFound
	case errors.Is(err, tracker.ErrDuplicateCredential):
		return http.StatusConflict
	case errors.Is(err, tracker.ErrNoCredentials), errors.Is(err, tracker.ErrPoolExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	}
	switch tracker.Classify(err) {
	case tracker.KindQuotaExceeded, tracker.KindRateLimited:
		return http.StatusTooManyRequests
	case tracker.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
