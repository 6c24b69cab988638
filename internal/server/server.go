package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/memoryd/memoryd/internal/engine"
	"github.com/memoryd/memoryd/internal/registry"
	"github.com/memoryd/memoryd/internal/workers"
)

// Server is the JSON-over-HTTP surface in front of the memory engine.
type Server struct {
	engine  *engine.Engine
	workers *workers.Manager
	logger  *zap.Logger
	http    *http.Server
}

func New(eng *engine.Engine, mgr *workers.Manager, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{engine: eng, workers: mgr, logger: logger}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logMiddleware)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/memories", s.handleCreate).Methods(http.MethodPost)
	api.HandleFunc("/memories/search", s.handleSearch).Methods(http.MethodPost)
	api.HandleFunc("/memories/update", s.handleUpdate).Methods(http.MethodPost)
	api.HandleFunc("/memories/delete", s.handleDelete).Methods(http.MethodPost)
	api.HandleFunc("/memories/{key}", s.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/memories/{key}", s.handleDeleteByKey).Methods(http.MethodDelete)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/rebuild", s.handleRebuild).Methods(http.MethodPost)
	api.HandleFunc("/cleanup", s.handleCleanup).Methods(http.MethodPost)
	api.HandleFunc("/personas", s.handlePersonas).Methods(http.MethodGet)

	ctxr := api.PathPrefix("/context").Subrouter()
	ctxr.HandleFunc("", s.handleGetContext).Methods(http.MethodGet)
	ctxr.HandleFunc("", s.handleUpdateContext).Methods(http.MethodPost)
	ctxr.HandleFunc("/promises", s.handleSetPromise).Methods(http.MethodPost)
	ctxr.HandleFunc("/goals", s.handleSetGoal).Methods(http.MethodPost)
	ctxr.HandleFunc("/favourites", s.handleAddFavourite).Methods(http.MethodPost)
	ctxr.HandleFunc("/anniversaries", s.handleAddAnniversary).Methods(http.MethodPost)
	ctxr.HandleFunc("/sensations", s.handleRecordSensation).Methods(http.MethodPost)
	ctxr.HandleFunc("/emotions", s.handleRecordEmotionFlow).Methods(http.MethodPost)

	return r
}

// Start binds the listener and serves until Shutdown.
func (s *Server) Start(host string, port int) error {
	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("Request handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)),
		)
	})
}

// persona resolves the request persona: explicit body/query value first,
// then bearer token, then X-Persona header, then the default.
func persona(r *http.Request, explicit string) string {
	if explicit == "" {
		explicit = r.URL.Query().Get("persona")
	}
	return registry.Resolve(explicit, r)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// writeError maps engine error kinds onto HTTP statuses. Internal details
// are not leaked for unexpected errors.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := engine.Kind(err)
	status := http.StatusInternalServerError
	msg := err.Error()
	switch kind {
	case "validation":
		status = http.StatusBadRequest
	case "not_found":
		status = http.StatusNotFound
	case "conflict":
		status = http.StatusConflict
	case "cancelled":
		status = http.StatusRequestTimeout
	case "model", "vector_store":
		status = http.StatusServiceUnavailable
	case "data_store":
		status = http.StatusInternalServerError
	default:
		msg = "internal error"
		s.logger.Error("Unhandled error", zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: msg, Kind: kind})
}

func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return &engine.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"semantic": s.engine.SemanticAvailable(),
	})
}

func (s *Server) handlePersonas(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"personas": s.engine.Registry().Personas(),
	})
}
