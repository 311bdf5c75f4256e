package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/crewline/foreman/pkg/auth"
	"github.com/crewline/foreman/pkg/dispatcher"
	"github.com/crewline/foreman/pkg/log"
	"github.com/crewline/foreman/pkg/metrics"
	"github.com/crewline/foreman/pkg/types"
)

// maxBodyBytes bounds an admission request body
const maxBodyBytes = 1 << 20

// SubmitRequest is the admission request body
type SubmitRequest struct {
	TaskID         string `json:"taskId" validate:"required,min=1,max=128"`
	WorkerType     string `json:"workerType" validate:"required"`
	Prompt         string `json:"prompt" validate:"required"`
	CallbackURL    string `json:"callbackUrl" validate:"required"`
	CallbackSecret string `json:"callbackSecret" validate:"required,min=32"`
	BaseRevision   string `json:"baseRevision"`
	TimeoutSeconds int    `json:"timeoutSeconds" validate:"omitempty,gte=1,lte=7200"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Tasks is the dispatcher surface the server drives
type Tasks interface {
	Submit(sub types.Submission) error
	Cancel(taskID string) error
	Lookup(taskID string) (types.TaskSnapshot, error)
	Status() types.ServiceStatus
}

// Server is the HTTP surface: task admission, inspection, cancellation,
// health, metrics, and the signed admin endpoints.
type Server struct {
	dispatcher Tasks
	verifier   *auth.Verifier
	validate   *validator.Validate
	production bool

	// onShutdown is invoked once when the signed shutdown endpoint fires
	onShutdown  func()
	refreshHook RefreshFunc

	http   *http.Server
	logger zerolog.Logger
}

// NewServer wires the router. onShutdown runs (once, asynchronously) when
// POST /admin/shutdown is accepted.
func NewServer(addr string, d Tasks, v *auth.Verifier, production bool, onShutdown func()) *Server {
	s := &Server{
		dispatcher: d,
		verifier:   v,
		validate:   validator.New(),
		production: production,
		onShutdown: onShutdown,
		logger:     log.WithComponent("api"),
	}

	r := chi.NewRouter()
	r.Use(s.requestLog)

	r.Post("/tasks", s.handleSubmit)
	r.Get("/tasks/{id}", s.handleLookup)
	r.Delete("/tasks/{id}", s.handleCancel)
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", metrics.Handler().ServeHTTP)
	r.Post("/admin/refresh-token", s.handleRefreshToken)
	r.Post("/admin/shutdown", s.handleShutdown)

	s.http = &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router for tests
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start serves until Shutdown. Blocks.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("http server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// RefreshFunc is the admin refresh-token hook
type RefreshFunc func(ctx context.Context) error

// SetRefreshHook installs the credential refresh used by
// POST /admin/refresh-token. Must be called before Start.
func (s *Server) SetRefreshHook(fn RefreshFunc) {
	s.refreshHook = fn
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// verifySigned reads the raw body and checks the dispatch signature over
// it. The raw bytes are returned so the handler decodes exactly what was
// signed. On failure the response has already been written.
func (s *Server) verifySigned(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: types.CodeInvalidRequest})
			return nil, false
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: types.CodeInvalidRequest})
		return nil, false
	}

	verr := s.verifier.Verify(
		r.Header.Get(auth.HeaderTimestamp),
		r.Header.Get(auth.HeaderNonce),
		r.Header.Get(auth.HeaderSignature),
		body,
	)
	metrics.NonceCacheSize.Set(float64(s.verifier.NonceCacheSize()))
	if verr != nil {
		var ae *auth.Error
		external := types.CodeInvalidSignature
		if errors.As(verr, &ae) {
			metrics.AuthFailures.WithLabelValues(string(ae.Reason)).Inc()
			external = ae.External()
		}
		s.logger.Warn().Err(verr).Str("path", r.URL.Path).Msg("signed request rejected")
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: external})
		return nil, false
	}
	return body, true
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, ok := s.verifySigned(w, r)
	if !ok {
		return
	}

	var req SubmitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: types.CodeInvalidRequest})
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: types.CodeInvalidRequest})
		return
	}
	if !s.validCallbackURL(req.CallbackURL) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: types.CodeInvalidRequest})
		return
	}

	sub := types.Submission{
		TaskID:         req.TaskID,
		WorkerType:     req.WorkerType,
		Prompt:         req.Prompt,
		CallbackURL:    req.CallbackURL,
		CallbackSecret: req.CallbackSecret,
		BaseRevision:   req.BaseRevision,
		Timeout:        time.Duration(req.TimeoutSeconds) * time.Second,
	}

	switch err := s.dispatcher.Submit(sub); {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{
			"taskId": req.TaskID,
			"status": string(types.TaskQueued),
		})
	case errors.Is(err, dispatcher.ErrDuplicateTask):
		writeJSON(w, http.StatusConflict, errorBody{Error: types.CodeDuplicateTask})
	case errors.Is(err, dispatcher.ErrAtCapacity):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: types.CodeAtCapacity})
	default:
		s.logger.Error().Err(err).Str("task_id", req.TaskID).Msg("submission failed")
		writeJSON(w, http.StatusBadRequest, errorBody{Error: types.CodeServiceError})
	}
}

func (s *Server) validCallbackURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return false
	}
	if s.production {
		return u.Scheme == "https"
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	snap, err := s.dispatcher.Lookup(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "task not found"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	switch err := s.dispatcher.Cancel(id); {
	case err == nil:
		snap, lerr := s.dispatcher.Lookup(id)
		if lerr != nil {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "task not found"})
			return
		}
		writeJSON(w, http.StatusOK, snap)
	case errors.Is(err, dispatcher.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "task not found"})
	case errors.Is(err, dispatcher.ErrAlreadyTerminal):
		writeJSON(w, http.StatusConflict, errorBody{Error: "task already terminal"})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: types.CodeInternalError})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.dispatcher.Status()
	st.Components = metrics.ComponentStatuses()
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.verifySigned(w, r); !ok {
		return
	}
	if s.refreshHook == nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: types.CodeTokenUnavailable})
		return
	}
	if err := s.refreshHook(r.Context()); err != nil {
		writeJSON(w, http.StatusBadGateway, errorBody{Error: types.CodeTokenUnavailable})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.verifySigned(w, r); !ok {
		return
	}
	s.logger.Info().Msg("shutdown requested")
	if s.onShutdown != nil {
		go s.onShutdown()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "draining"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
