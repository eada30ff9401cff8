package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/teranos/quill/logger"
)

// maxBodySize bounds request bodies, manifests included
const maxBodySize = 4 << 20

// routes configures all HTTP handlers
func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware, s.corsMiddleware)

	r.HandleFunc("/healthz", s.HandleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws/jobs", s.HandleJobStream).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()

	// Batches
	api.HandleFunc("/batches", s.HandleCreateBatch).Methods(http.MethodPost)
	api.HandleFunc("/batches", s.HandleListBatches).Methods(http.MethodGet)
	api.HandleFunc("/batches/{id}", s.HandleGetBatch).Methods(http.MethodGet)
	api.HandleFunc("/batches/{id}/jobs", s.HandleListBatchJobs).Methods(http.MethodGet)
	api.HandleFunc("/batches/{id}/enqueue", s.HandleEnqueueBatch).Methods(http.MethodPost)
	api.HandleFunc("/batches/{id}/budget", s.HandleUpdateBudget).Methods(http.MethodPatch)

	// Jobs
	api.HandleFunc("/jobs/{id}", s.HandleGetJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/artifacts", s.HandleJobArtifacts).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/usage", s.HandleJobUsage).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/retry", s.HandleRetryJob).Methods(http.MethodPost)

	// System
	api.HandleFunc("/scheduler", s.HandleScheduler).Methods(http.MethodGet)
	api.HandleFunc("/pricing", s.HandlePricing).Methods(http.MethodGet)

	// Preflight requests never match a method-restricted route
	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return r
}

// corsMiddleware adds CORS headers for allowed origins. It uses the same
// allow-list as WebSocket upgrades.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for request logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController and the WebSocket upgrader reach the
// underlying writer
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws/jobs" {
			// Hijacked connections have no meaningful status or duration
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debugw("HTTP request",
			logger.FieldMethod, r.Method,
			logger.FieldPath, r.URL.Path,
			logger.FieldStatus, rec.status,
			logger.FieldDurationMS, time.Since(start).Milliseconds())
	})
}
