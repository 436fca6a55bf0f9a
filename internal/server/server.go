// Package server assembles the inspection control plane: store, license
// guard, check engine, orchestrator, agent coordinator, scheduler and the
// HTTP API on top of them.
package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/orbitops/inspectd/internal/checks"
	"github.com/orbitops/inspectd/internal/config"
	"github.com/orbitops/inspectd/internal/coordinator"
	"github.com/orbitops/inspectd/internal/kube"
	"github.com/orbitops/inspectd/internal/license"
	"github.com/orbitops/inspectd/internal/orchestrator"
	"github.com/orbitops/inspectd/internal/report"
	"github.com/orbitops/inspectd/internal/schedule"
	"github.com/orbitops/inspectd/internal/store"
)

// Server is the assembled inspection control plane.
type Server struct {
	cfg    config.Config
	logger *zap.Logger

	store *store.Store
	guard *license.Guard
	orch  *orchestrator.Orchestrator
	coord *coordinator.Coordinator
	sched *schedule.Scheduler

	httpServer *http.Server

	// probe seam; tests point this at a fake API server
	probe func(ctx context.Context, kubeconfig []byte, timeout time.Duration) kube.ProbeResult
}

// New wires the server from configuration. The data directory and its
// secret-bearing subdirectories are created here.
func New(cfg config.Config, logger *zap.Logger) (*Server, error) {
	for _, dir := range []string{cfg.DataDir, filepath.Join(cfg.DataDir, "configs"), filepath.Join(cfg.DataDir, "reports")} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, err
		}
	}

	st, err := store.Open(cfg.DatabaseURL, cfg.DataDir, logger.Named("store"))
	if err != nil {
		return nil, err
	}
	seeded, err := st.SeedDefaultItems(context.Background())
	if err != nil {
		st.Close()
		return nil, err
	}
	if seeded > 0 {
		logger.Info("seeded builtin inspection items", zap.Int("count", seeded))
	}

	licensePath := cfg.LicenseFile
	if licensePath == "" {
		licensePath = filepath.Join(cfg.DataDir, "license", "license.key")
	}
	guard := license.NewGuard(cfg.LicenseSecret, licensePath, logger.Named("license"))

	engine := checks.New(logger.Named("checks"))
	emitter := report.New(filepath.Join(cfg.DataDir, "reports"), logger.Named("report"))
	orch := orchestrator.New(st, engine, guard, emitter, logger.Named("orchestrator"))
	coord := coordinator.New(st, cfg.LeaseTTL, logger.Named("coordinator"))
	coord.SetFinalizer(orch)
	sched := schedule.New(st, orch, logger.Named("schedule"))

	s := &Server{
		cfg:    cfg,
		logger: logger,
		store:  st,
		guard:  guard,
		orch:   orch,
		coord:  coord,
		sched:  sched,
		probe:  kube.Probe,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Run starts the background loops and serves HTTP until ctx is cancelled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	go s.coord.Run(ctx)
	s.sched.Start(ctx)
	defer s.sched.Stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.cfg.ListenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("shutdown not clean", zap.Error(err))
	}
	s.orch.Wait()
	return nil
}

// Close releases the store.
func (s *Server) Close() error {
	return s.store.Close()
}

// Handler exposes the routed mux. Used by tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) clusterKubeconfigPath(clusterID int64) string {
	return filepath.Join(s.cfg.DataDir, "configs", strconv.FormatInt(clusterID, 10)+".yaml")
}
