// Package status serves health, readiness, metrics and the last cycle
// result over HTTP.
package status

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"sigs.k8s.io/controller-runtime/pkg/healthz"

	"github.com/yuriy-kovalchuk/auto-dns/internal/reconciler"
	"github.com/yuriy-kovalchuk/auto-dns/internal/scheduler"
)

const shutdownTimeout = 5 * time.Second

// Source is the scheduler state the server reports on.
type Source interface {
	State() scheduler.State
	Last() (reconciler.CycleResult, bool)
	Cycles() int
}

// Server is the status HTTP server.
type Server struct {
	addr   string
	source Source
	log    logr.Logger
	engine *gin.Engine
}

// NewServer builds the routes. gatherer backs /metrics.
func NewServer(addr string, source Source, gatherer prometheus.Gatherer, log logr.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{addr: addr, source: source, log: log, engine: gin.New()}
	s.engine.Use(gin.Recovery(), s.logRequests)

	healthzHandler := http.StripPrefix("/healthz", &healthz.Handler{Checks: map[string]healthz.Checker{
		"ping": healthz.Ping,
	}})
	readyzHandler := http.StripPrefix("/readyz", &healthz.Handler{Checks: map[string]healthz.Checker{
		"scheduler": s.schedulerReady,
	}})
	s.engine.GET("/healthz", gin.WrapH(healthzHandler))
	s.engine.GET("/healthz/*check", gin.WrapH(healthzHandler))
	s.engine.GET("/readyz", gin.WrapH(readyzHandler))
	s.engine.GET("/readyz/*check", gin.WrapH(readyzHandler))
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	s.engine.GET("/status", s.getStatus)
	return s
}

// Handler exposes the routes, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("status server: %w", err)
	}
	srv := &http.Server{Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("serving status", "address", ln.Addr().String())

	select {
	case err := <-errCh:
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status server shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

func (s *Server) schedulerReady(*http.Request) error {
	if st := s.source.State(); st == scheduler.StateStopping {
		return errors.New("scheduler is stopping")
	}
	if s.source.Cycles() == 0 {
		return errors.New("no cycle has finished yet")
	}
	return nil
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.log.V(1).Info("request", "method", c.Request.Method, "path", c.Request.URL.Path,
		"status", c.Writer.Status(), "duration", time.Since(start).String())
}

func (s *Server) getStatus(c *gin.Context) {
	view := StatusView{State: string(s.source.State()), Cycles: s.source.Cycles()}
	if last, ok := s.source.Last(); ok {
		cv := NewCycleView(last)
		view.Last = &cv
	}
	c.JSON(http.StatusOK, view)
}
