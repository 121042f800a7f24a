package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rezonia/saftao/internal/history"
	"github.com/rezonia/saftao/internal/logger"
	"github.com/rezonia/saftao/internal/metrics"
	"github.com/rezonia/saftao/internal/model"
	"github.com/rezonia/saftao/internal/ordering"
	"github.com/rezonia/saftao/internal/processor"
	"github.com/rezonia/saftao/internal/repair"
	"github.com/rezonia/saftao/internal/rules"
)

// Config holds server configuration
type Config struct {
	Address string
	// RulesPath names the rule index; empty uses the environment or the default path
	RulesPath string
	// WatchRules reloads the rule index when its file changes
	WatchRules      bool
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// MaxBodyBytes caps request bodies; zero means 64 MiB
	MaxBodyBytes int64
	Debug        bool
}

const defaultMaxBody = 64 << 20

// Server represents the HTTP API server
type Server struct {
	config   *Config
	router   *gin.Engine
	pipeline *processor.Pipeline
	rules    *rules.Cache
	log      *slog.Logger

	mu        sync.RWMutex
	rulesPath string
	rulesErr  error
}

// NewServer creates a new API server. The pipeline options are applied
// after the server's own rule source, so callers may override it.
func NewServer(config *Config, opts ...processor.Option) *Server {
	if !config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if config.Debug {
		router.Use(gin.Logger())
	}

	s := &Server{
		config: config,
		router: router,
		rules:  rules.NewCache(),
		log:    logger.L(),
	}

	pipelineOpts := append([]processor.Option{
		processor.WithRuleSource(s.currentRules),
		processor.WithLogger(s.log),
	}, opts...)
	s.pipeline = processor.NewPipeline(pipelineOpts...)

	s.setupRoutes()
	return s
}

// currentRules returns the cached index, re-reading it when the file changed
func (s *Server) currentRules() (*rules.Index, error) {
	ix, path, err := s.rules.Open(s.config.RulesPath)
	s.mu.Lock()
	s.rulesPath, s.rulesErr = path, err
	s.mu.Unlock()
	return ix, err
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/validate", s.handleValidate)
		v1.POST("/repair", s.handleRepair)
		v1.POST("/report", s.handleReport)
		v1.POST("/info", s.handleInfo)

		v1.GET("/rules", s.handleRules)

		v1.GET("/runs", s.handleRuns)
		v1.GET("/runs/:id", s.handleRun)
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully. With
// WatchRules set, the rule index is reloaded whenever its file changes.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.config.Address,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.config.WatchRules {
		path := rules.ResolvePath(s.config.RulesPath)
		go func() {
			err := rules.Watch(ctx, s.rules, path, func(ix *rules.Index, err error) {
				metrics.RecordRuleReload(err)
				s.mu.Lock()
				s.rulesErr = err
				s.mu.Unlock()
			})
			if err != nil {
				s.log.Warn("server.rules.watch_failed", "path", path, "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server.start", "address", s.config.Address)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.config.ShutdownTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), timeout)
	defer stop()

	s.log.Info("server.shutdown", "address", s.config.Address)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

// Handler returns the http.Handler for use with custom servers
func (s *Server) Handler() http.Handler {
	return s.router
}

// Pipeline returns the pipeline serving requests
func (s *Server) Pipeline() *processor.Pipeline {
	return s.pipeline
}

func (s *Server) handleHealth(c *gin.Context) {
	s.mu.RLock()
	rulesErr := s.rulesErr
	s.mu.RUnlock()

	resp := HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	}
	if rulesErr != nil {
		resp.Status = "degraded"
		resp.RulesError = rulesErr.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// readBody reads a non-empty request body, writing the error response itself
func (s *Server) readBody(c *gin.Context) ([]byte, bool) {
	limit := s.config.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBody
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)

	body, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: "request body too large"})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "failed to read request body"})
		return nil, false
	}

	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "empty request body"})
		return nil, false
	}

	if processor.DetectFormat(body) != processor.FormatSAFT {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "body is not a SAF-T AuditFile"})
		return nil, false
	}
	return body, true
}

// statusFor maps engine errors to HTTP status codes
func statusFor(err error) int {
	var parseErr *model.ParseError
	var ruleErr *model.RuleIndexError
	switch {
	case errors.As(err, &parseErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &ruleErr):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) handleValidate(c *gin.Context) {
	body, ok := s.readBody(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	result := s.pipeline.ValidateBytes(ctx, body)
	if result.Error != nil {
		c.JSON(statusFor(result.Error), ErrorResponse{Error: result.Error.Error()})
		return
	}

	c.JSON(http.StatusOK, ValidationResponse{
		Valid:         result.Valid(),
		Issues:        result.Issues,
		Counts:        model.CountByCode(result.Issues),
		SchemaChecked: result.SchemaChecked,
		SchemaErrors:  result.SchemaErrors,
	})
}

func (s *Server) handleRepair(c *gin.Context) {
	profile, err := repair.ParseProfile(c.Query("profile"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	order := c.Query("totals_order")
	if order != "" {
		if _, err := ordering.ParseTotalsOrder(order); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
	}

	body, ok := s.readBody(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Minute)
	defer cancel()

	result := s.pipeline.Repair(ctx, body, processor.RepairRequest{
		Profile:     profile,
		TotalsOrder: order,
		Source:      c.Query("source"),
	})
	if result.Error != nil {
		c.JSON(statusFor(result.Error), ErrorResponse{Error: result.Error.Error(), RunID: result.RunID})
		return
	}

	c.Header("X-Run-ID", result.RunID)
	if c.Query("format") == "xml" {
		c.Header("X-Schema-Outcome", string(result.Outcome()))
		c.Data(http.StatusOK, "application/xml; charset=utf-8", result.Document)
		return
	}

	c.JSON(http.StatusOK, RepairResponse{
		RunID:         result.RunID,
		Profile:       string(result.Profile),
		Valid:         result.Valid(),
		Outcome:       string(result.Outcome()),
		SchemaChecked: result.SchemaChecked,
		SchemaErrors:  result.SchemaErrors,
		Changes:       result.Changes,
		Customers:     result.Customers,
		Balanced:      result.Balanced,
		Digest:        result.Digest,
		Entries:       result.Entries,
		Document:      string(result.Document),
	})
}

func (s *Server) handleReport(c *gin.Context) {
	body, ok := s.readBody(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	r, err := s.pipeline.Report(ctx, body)
	if err != nil {
		c.JSON(statusFor(err), ErrorResponse{Error: err.Error()})
		return
	}

	if c.Query("format") == "csv" {
		var buf bytes.Buffer
		if err := r.WriteCSV(&buf); err != nil {
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
			return
		}
		c.Data(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) handleInfo(c *gin.Context) {
	body, ok := s.readBody(c)
	if !ok {
		return
	}

	info, err := s.pipeline.Info(c.Request.Context(), body)
	if err != nil {
		c.JSON(statusFor(err), ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, InfoResponse{DocumentInfo: info, Size: len(body)})
}

func (s *Server) handleRules(c *gin.Context) {
	ix, err := s.currentRules()
	if err != nil {
		c.JSON(statusFor(err), ErrorResponse{Error: err.Error()})
		return
	}

	s.mu.RLock()
	path := s.rulesPath
	s.mu.RUnlock()

	resp := RulesResponse{
		Path:     path,
		Defaults: ix == nil,
		Rules:    ix.List(c.Query("scope")),
	}
	if ix != nil {
		resp.Path = ix.Path()
		resp.GeneratedAt = ix.GeneratedAt
		resp.SchemaVersion = ix.SchemaVersion
		if at := s.rules.LoadedAt(); !at.IsZero() {
			resp.LoadedAt = &at
		}
	}
	if resp.Rules == nil {
		resp.Rules = []rules.Rule{}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) history(c *gin.Context) (*history.Store, bool) {
	store := s.pipeline.History()
	if store == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "run history is not configured"})
		return nil, false
	}
	return store, true
}

func (s *Server) handleRuns(c *gin.Context) {
	store, ok := s.history(c)
	if !ok {
		return
	}

	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}

	runs, err := store.List(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	if runs == nil {
		runs = []history.Run{}
	}
	c.JSON(http.StatusOK, RunsResponse{Runs: runs})
}

func (s *Server) handleRun(c *gin.Context) {
	store, ok := s.history(c)
	if !ok {
		return
	}

	run, err := store.Get(c.Param("id"))
	if errors.Is(err, history.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "run not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, run)
}
