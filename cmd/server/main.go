package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"

	"github.com/mgrieves/tabular/internal/logger"
	"github.com/mgrieves/tabular/rules"
	"github.com/mgrieves/tabular/tabular"
)

// maxTableBytes bounds uploaded decision tables.
const maxTableBytes = 10 << 20

type Server struct {
	db     *sql.DB // nil when running on the in-memory store
	store  rules.TableStore
	cache  rules.CompilationCache
	pool   *rules.SessionPool
	engine *rules.Engine
	router *chi.Mux
}

// Config is the configuration surface consumed from the environment. The
// core treats these as read-only inputs supplied at construction.
type Config struct {
	DatabaseURL  string
	Port         string
	CacheEnabled bool
	PoolMaxIdle  int
}

func loadConfig() Config {
	cfg := Config{
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		Port:         os.Getenv("PORT"),
		CacheEnabled: true,
		PoolMaxIdle:  rules.DefaultPoolConfig().MaxIdle,
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if v := os.Getenv("CACHE_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.CacheEnabled = enabled
		}
	}
	if v := os.Getenv("POOL_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PoolMaxIdle = n
		}
	}
	return cfg
}

func NewServer(cfg Config) (*Server, error) {
	s := &Server{
		cache: rules.NewInMemoryCompilationCache(rules.CacheConfig{Enabled: cfg.CacheEnabled}),
		pool:  rules.NewSessionPool(rules.PoolConfig{MaxIdle: cfg.PoolMaxIdle}),
	}

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		s.db = db
		s.store = rules.NewPostgresTableStore(db)
	} else {
		logger.Info("no DATABASE_URL set, using in-memory table store")
		s.store = rules.NewInMemoryTableStore()
	}

	engine, err := rules.NewEngine(s.store, s.cache, s.pool)
	if err != nil {
		return nil, err
	}
	if err := engine.LoadAll(); err != nil {
		return nil, fmt.Errorf("failed to load stored tables: %w", err)
	}
	s.engine = engine

	logger.Info("rule sets published", "count", len(engine.RuleSetNames()))

	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	r.Get("/api/v1/stats", s.handleStats)
	r.Get("/api/v1/rulesets", s.handleListRuleSets)

	r.Post("/api/v1/evaluate", s.handleEvaluate)
	r.Post("/api/v1/evaluate/batch", s.handleEvaluateBatch)

	r.Route("/api/v1/tables", func(r chi.Router) {
		r.Get("/", s.handleListTables)
		r.Put("/{resourceId}", s.handleUploadTable)
		r.Delete("/{resourceId}", s.handleDeleteTable)
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"ruleSets": len(s.engine.RuleSetNames()),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.Stats()
	respondJSON(w, http.StatusOK, StatsResponse{
		Cache:    stats.Cache,
		Pool:     stats.Pool,
		RuleSets: stats.RuleSets,
		Errors:   logger.TotalErrors.Load(),
		Warnings: logger.TotalWarnings.Load(),
	})
}

func (s *Server) handleListRuleSets(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, RuleSetsResponse{RuleSets: s.engine.RuleSetNames()})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.RuleSetID == "" {
		respondError(w, http.StatusBadRequest, "ruleSetId is required", nil)
		return
	}

	res, err := s.engine.Evaluate(req.Fact, req.RuleSetID)
	if err != nil {
		respondError(w, evaluationStatus(err), "evaluation failed", err)
		return
	}
	respondJSON(w, http.StatusOK, toEvaluateResponse(res))
}

func (s *Server) handleEvaluateBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchEvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.RuleSetID == "" {
		respondError(w, http.StatusBadRequest, "ruleSetId is required", nil)
		return
	}

	results, err := s.engine.EvaluateBatch(req.Facts, req.RuleSetID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "batch evaluation rejected", err)
		return
	}

	resp := BatchEvaluateResponse{Results: make([]BatchElementResponse, len(results))}
	for i, br := range results {
		elem := BatchElementResponse{Index: br.Index}
		if br.Err != nil {
			elem.Error = br.Err.Error()
		} else {
			elem.Result = toEvaluateResponse(br.Result)
		}
		resp.Results[i] = elem
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleUploadTable ingests raw table bytes and hot-reloads the rule sets
// they declare. The Content-Type header is the declared table type.
func (s *Server) handleUploadTable(w http.ResponseWriter, r *http.Request) {
	resourceID := chi.URLParam(r, "resourceId")

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTableBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read table bytes", err)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if err := s.engine.Reload(resourceID, data, contentType); err != nil {
		respondError(w, uploadStatus(err), "table rejected", err)
		return
	}

	respondJSON(w, http.StatusOK, TableUploadResponse{
		ResourceID:  resourceID,
		RuleSets:    s.engine.RuleSetNames(),
		Fingerprint: rules.Fingerprint(data),
	})
}

func (s *Server) handleListTables(w http.ResponseWriter, r *http.Request) {
	sources, err := s.store.List()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list tables", err)
		return
	}

	type tableInfo struct {
		ResourceID  string    `json:"resourceId"`
		ContentType string    `json:"contentType"`
		Bytes       int       `json:"bytes"`
		UpdatedAt   time.Time `json:"updatedAt"`
	}
	infos := make([]tableInfo, len(sources))
	for i, src := range sources {
		infos[i] = tableInfo{
			ResourceID:  src.ResourceID,
			ContentType: src.ContentType,
			Bytes:       len(src.Data),
			UpdatedAt:   src.UpdatedAt,
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"tables": infos})
}

func (s *Server) handleDeleteTable(w http.ResponseWriter, r *http.Request) {
	resourceID := chi.URLParam(r, "resourceId")

	if err := s.engine.Remove(resourceID); err != nil {
		respondError(w, http.StatusNotFound, "table not found", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// uploadStatus maps ingest failures onto HTTP statuses: bad tables are the
// client's fault, anything else is ours.
func uploadStatus(err error) int {
	var verr *tabular.ValidationError
	var cerr *rules.CompilationError
	if errors.As(err, &verr) || errors.As(err, &cerr) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func evaluationStatus(err error) int {
	if errors.Is(err, rules.ErrNilFact) {
		return http.StatusBadRequest
	}
	var everr *rules.EvaluationError
	if errors.As(err, &everr) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusNotFound // unknown rule set
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	respondJSON(w, status, resp)
}

func main() {
	cfg := loadConfig()

	server, err := NewServer(cfg)
	if err != nil {
		logger.Fatal("failed to create server", "error", err)
	}
	if server.db != nil {
		defer server.db.Close()
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := logger.Shutdown(ctx); err != nil {
		logger.Error("logger shutdown error", "error", err)
	}
}
