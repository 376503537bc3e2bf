// Package wave assembles the wave server: storage, wavelet containers,
// the subscription registry and the client protocol front end.
package wave

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-wave/apiServer"
	"github.com/i5heu/ouroboros-wave/internal/authz"
	"github.com/i5heu/ouroboros-wave/internal/deltastore"
	"github.com/i5heu/ouroboros-wave/internal/frontend"
	"github.com/i5heu/ouroboros-wave/internal/keyValStore"
	"github.com/i5heu/ouroboros-wave/internal/segmentstore"
	"github.com/i5heu/ouroboros-wave/internal/wavelet"
	"github.com/i5heu/ouroboros-wave/internal/wavemap"
	"github.com/i5heu/ouroboros-wave/pkg/clock"
	"github.com/i5heu/ouroboros-wave/pkg/rpc"
	workerpool "github.com/i5heu/ouroboros-wave/pkg/workerPool"
)

var (
	ErrNotStarted = errors.New("wave: server not started")
	ErrClosed     = errors.New("wave: server closed")
)

// shutdownTimeout bounds the graceful HTTP shutdown of Run.
const shutdownTimeout = 10 * time.Second

// Config configures a Server. Zero values fall back to the defaults of the
// component they configure.
type Config struct {
	// Domain is the local domain. Wavelets of other domains are read-only.
	Domain string
	// DataPath holds the badger database under DataPath/kv.
	DataPath      string
	InMemory      bool
	MinimumFreeGB int
	SyncWrites    bool

	MaxWaves          int
	MaxWavelets       int
	ExpireAfterAccess time.Duration
	SweepInterval     time.Duration

	LoadWorkers         int
	IndexingWorkers     int
	PersistWorkers      int
	ContinuationWorkers int

	LoadTimeout      time.Duration
	CloseGrace       time.Duration
	MaxTransformSpan int64

	// Policy decides wavelet access. Defaults to authz.DomainPolicy for
	// Domain.
	Policy authz.Policy
	// Auth authenticates HTTP requests. Defaults to apiServer.HeaderAuth.
	Auth   apiServer.AuthFunc
	Clock  clock.Clock
	Logger *slog.Logger
}

// Server owns every component of a running wave server.
type Server struct {
	config Config
	log    *slog.Logger

	kv       *keyValStore.KeyValStore
	pools    *workerpool.Pools
	registry *frontend.Registry
	waves    *wavemap.WaveMap
	front    *frontend.FrontEnd
	api      *apiServer.Server

	started   atomic.Bool
	closed    atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

func defaultLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// New validates config. It does no I/O; call Start to open the stores.
func New(config Config) (*Server, error) {
	if config.Domain == "" {
		return nil, fmt.Errorf("wave: a local domain is required")
	}
	if !config.InMemory && config.DataPath == "" {
		return nil, fmt.Errorf("wave: a data path is required")
	}
	if config.Logger == nil {
		config.Logger = defaultLogger()
	}
	if config.Policy == nil {
		config.Policy = authz.DomainPolicy{Domain: config.Domain}
	}
	if config.CloseGrace <= 0 {
		config.CloseGrace = shutdownTimeout
	}
	return &Server{config: config, log: config.Logger}, nil
}

// Start opens the stores and builds the server. Only the first call has an
// effect.
func (s *Server) Start(ctx context.Context) error {
	var startErr error
	s.startOnce.Do(func() {
		if err := ctx.Err(); err != nil {
			startErr = err
			return
		}
		if s.closed.Load() {
			startErr = ErrClosed
			return
		}
		kv, err := s.openStore()
		if err != nil {
			startErr = err
			return
		}
		s.kv = kv

		c := s.config
		s.pools = workerpool.NewPools(workerpool.PoolsConfig{
			LoadWorkers:         c.LoadWorkers,
			IndexingWorkers:     c.IndexingWorkers,
			PersistWorkers:      c.PersistWorkers,
			ContinuationWorkers: c.ContinuationWorkers,
			Logger:              s.log,
		})
		s.registry = frontend.NewRegistry(c.Policy, s.log)
		deltas := deltastore.New(kv, s.log)
		factory := wavelet.NewFactory(wavelet.Deps{
			Deltas:           deltas,
			Segments:         segmentstore.New(kv, s.log),
			Pools:            s.pools,
			Notifier:         s.registry,
			Logger:           s.log,
			Clock:            c.Clock,
			LocalDomain:      c.Domain,
			LoadTimeout:      c.LoadTimeout,
			MaxTransformSpan: c.MaxTransformSpan,
		})
		s.waves = wavemap.New(factory, deltas, wavemap.Config{
			MaxWaves:          c.MaxWaves,
			MaxWavelets:       c.MaxWavelets,
			ExpireAfterAccess: c.ExpireAfterAccess,
			SweepInterval:     c.SweepInterval,
			Clock:             c.Clock,
			Logger:            s.log,
		})
		s.front = frontend.New(s.waves, s.registry, frontend.Config{
			Policy: c.Policy,
			Logger: s.log,
		})
		s.api = apiServer.New(s.front, apiServer.WithLogger(s.log), apiServer.WithAuth(c.Auth))

		s.started.Store(true)
		s.log.Info("wave server started", "domain", c.Domain, "inMemory", c.InMemory)
	})
	return startErr
}

func (s *Server) openStore() (*keyValStore.KeyValStore, error) {
	badgerLog := logrus.New()
	badgerLog.SetLevel(logrus.WarnLevel)

	config := keyValStore.StoreConfig{
		InMemory:         s.config.InMemory,
		MinimumFreeSpace: s.config.MinimumFreeGB,
		SyncWrites:       s.config.SyncWrites,
		Logger:           badgerLog,
		Log:              s.log,
	}
	if !s.config.InMemory {
		path := filepath.Join(s.config.DataPath, "kv")
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", path, err)
		}
		config.Paths = []string{path}
	}
	kv, err := keyValStore.NewKeyValStore(config)
	if err != nil {
		return nil, fmt.Errorf("init kv: %w", err)
	}
	return kv, nil
}

// Service returns the protocol front end for in-process clients.
func (s *Server) Service() (rpc.Service, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.front, nil
}

// Handler returns the HTTP handler serving the websocket endpoint and the
// JSON views.
func (s *Server) Handler() (http.Handler, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.api, nil
}

func (s *Server) check() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.started.Load() {
		return ErrNotStarted
	}
	return nil
}

// Run starts the server, serves HTTP on listen until ctx is canceled and
// then shuts down within shutdownTimeout.
func (s *Server) Run(ctx context.Context, listen string) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              listen,
		Handler:           s.api,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		s.log.Info("listening", "address", listen)
		serveErr <- httpServer.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("serve http: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("shutdown http: %w", err))
	}
	return errors.Join(runErr, s.Close(shutdownCtx))
}

// Close closes every wavelet, then the pools and the store. It is
// idempotent.
func (s *Server) Close(ctx context.Context) error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if !s.started.Load() {
			return
		}
		grace := s.config.CloseGrace
		if deadline, ok := ctx.Deadline(); ok {
			grace = min(grace, time.Until(deadline))
		}
		if err := s.waves.Close(grace); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close wavelets: %w", err))
		}
		s.pools.Close()
		if err := s.kv.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close kv: %w", err))
		}
		s.log.Info("wave server closed")
	})
	return closeErr
}
