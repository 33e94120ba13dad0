package promexport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/aggregator"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/model"
)

// BuildFunc produces the report of one test id.
type BuildFunc func(ctx context.Context, testID string) (*model.Report, error)

// Server exposes reports of a results directory over HTTP and keeps the
// exporter's gauges in step with what it served.
type Server struct {
	dir      string
	build    BuildFunc
	exporter *Exporter
	reports  *gocache.Cache
	logger   *zap.Logger
	router   chi.Router
}

// NewServer creates a server for dir. Reports are rebuilt at most once per
// ttl for each test id.
func NewServer(dir string, build BuildFunc, ttl time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		dir:      dir,
		build:    build,
		exporter: NewExporter(),
		reports:  gocache.New(ttl, 2*ttl),
		logger:   logger,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", s.exporter.Handler())

	r.Route("/api/v1/tests", func(r chi.Router) {
		r.Get("/", s.handleListTests)
		r.Get("/{testID}/report", s.handleReport)
		r.Get("/{testID}/stats", s.handleStats)
		r.Get("/{testID}/system", s.handleSystem)
		r.Get("/{testID}/anomalies", s.handleAnomalies)
	})
	return r
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler { return s.router }

// Exporter returns the exporter fed by served reports.
func (s *Server) Exporter() *Exporter { return s.exporter }

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("serving results", zap.String("addr", addr), zap.String("dir", s.dir))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)))
	})
}

// report returns the cached report of testID, building it on a miss.
func (s *Server) report(ctx context.Context, testID string) (*model.Report, error) {
	if v, ok := s.reports.Get(testID); ok {
		return v.(*model.Report), nil
	}
	r, err := s.build(ctx, testID)
	if err != nil {
		return nil, err
	}
	s.reports.SetDefault(testID, r)
	s.exporter.Observe(r)
	return r, nil
}

func (s *Server) withReport(w http.ResponseWriter, r *http.Request) (*model.Report, bool) {
	testID := chi.URLParam(r, "testID")
	report, err := s.report(r.Context(), testID)
	switch {
	case errors.Is(err, aggregator.ErrNoResults):
		s.respondError(w, http.StatusNotFound, err)
		return nil, false
	case err != nil:
		s.logger.Warn("report failed", zap.String("test_id", testID), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err)
		return nil, false
	}
	return report, true
}

func (s *Server) handleListTests(w http.ResponseWriter, _ *http.Request) {
	tests, err := aggregator.ListTests(s.dir)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"tests": tests,
		"count": len(tests),
	})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if report, ok := s.withReport(w, r); ok {
		s.respondJSON(w, http.StatusOK, report)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if report, ok := s.withReport(w, r); ok {
		s.respondJSON(w, http.StatusOK, report.Stats)
	}
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	report, ok := s.withReport(w, r)
	if !ok {
		return
	}
	if report.System == nil {
		s.respondError(w, http.StatusNotFound, errors.New("no system metrics for this test"))
		return
	}
	s.respondJSON(w, http.StatusOK, report.System)
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	if report, ok := s.withReport(w, r); ok {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"health_score": report.Summary.HealthScore,
			"anomalies":    report.Summary.Anomalies,
		})
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	s.respondJSON(w, status, map[string]string{"error": err.Error()})
}
