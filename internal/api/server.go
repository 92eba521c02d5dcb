// Package api serves the baseline engine and stored sites over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/analysis"
	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/baseline"
	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/chart"
	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/narrative"
	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/regression"
	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/store"
)

// maxBodyBytes caps request bodies; a few hundred monthly observations with
// hourly samples fit comfortably.
const maxBodyBytes = 8 << 20

type Server struct {
	store      *store.Store
	analyzer   *analysis.Analyzer
	narrator   narrative.Narrator
	chartCache *chart.Cache
	port       string
}

func NewServer(store *store.Store, analyzer *analysis.Analyzer, port string) *Server {
	return &Server{
		store:      store,
		analyzer:   analyzer,
		narrator:   narrative.Static{},
		chartCache: chart.NewCache(10 * time.Minute),
		port:       port,
	}
}

// SetNarrator replaces the deterministic summary with n.
func (s *Server) SetNarrator(n narrative.Narrator) {
	s.narrator = n
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /api/fit", s.handleFit)
	mux.HandleFunc("POST /api/predict", s.handlePredict)
	mux.HandleFunc("POST /api/optimize", s.handleOptimize)

	mux.HandleFunc("GET /api/sites", s.handleListSites)
	mux.HandleFunc("POST /api/sites", s.handleUpsertSite)
	mux.HandleFunc("GET /api/sites/{id}/observations", s.handleListObservations)
	mux.HandleFunc("POST /api/sites/{id}/observations", s.handleAddObservations)
	mux.HandleFunc("GET /api/sites/{id}/baseline", s.handleSiteBaseline)
	mux.HandleFunc("GET /api/sites/{id}/baseline.png", s.handleBaselineChart)
	mux.HandleFunc("GET /api/sites/{id}/forecast", s.handleForecast)

	mux.HandleFunc("GET /api/baselines", s.handleRecentBaselines)
	mux.HandleFunc("GET /api/ingest/health", s.handleIngestHealth)
	return mux
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("server: listening on :%s", s.port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	version, err := s.store.MigrationVersion()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error()})
		return
	}
	sites, err := s.store.GetActiveSites()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"schemaVersion": version,
		"activeSites":   len(sites),
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: encode response: %v", err)
	}
}

// writeError maps domain errors to status codes: rejected input is 400,
// unknown sites are 404, and data that cannot be fitted is 422.
func writeError(w http.ResponseWriter, err error) {
	var (
		ve *regression.ValidationError
		fe *regression.FitError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: ve.Error(), Field: ve.Field})
	case errors.Is(err, analysis.ErrSiteNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, baseline.ErrNoCandidates), errors.As(err, &fe):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	default:
		log.Printf("server: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

// decodeJSON reads a request body into v, reporting malformed JSON as a
// validation error.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return &regression.ValidationError{Reason: "malformed JSON body: " + err.Error(), Err: err}
	}
	return nil
}
