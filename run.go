package veristream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/veristream-io/veristream/internal/observability"
	"github.com/veristream-io/veristream/pkg/audit"
	"github.com/veristream-io/veristream/pkg/comparator"
	"github.com/veristream-io/veristream/pkg/dispatch"
	obs "github.com/veristream-io/veristream/pkg/observability"
	"github.com/veristream-io/veristream/pkg/session"
	"github.com/veristream-io/veristream/pkg/verify"
)

// Service is the assembled verification engine: session registry, storage
// backend, notification broker, audit trail, and biometric comparators.
type Service struct {
	Manager     *session.Manager
	Backend     session.StorageBackend
	Broker      dispatch.Broker
	Auditor     audit.Logger
	Comparators []comparator.Comparator

	checker   *obs.HealthChecker
	obsServer *obs.Server
}

// NewService builds a Service from config without starting any servers.
func NewService(ctx context.Context, cfg *Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	obs.InitMetrics()

	opts, err := cfg.Engine.Options()
	if err != nil {
		return nil, err
	}

	backend, err := buildBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	broker, err := buildBroker(cfg)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	auditor, err := buildAuditor(cfg)
	if err != nil {
		_ = backend.Close()
		_ = broker.Close()
		return nil, err
	}

	comparators, err := buildComparators(cfg)
	if err != nil {
		_ = backend.Close()
		_ = broker.Close()
		return nil, err
	}

	mopts := []session.ManagerOption{
		session.WithBroker(broker),
		session.WithAuditor(auditor),
	}
	if cfg.RateLimit.EventsPerSecond > 0 {
		mopts = append(mopts, session.WithRateLimit(cfg.RateLimit.EventsPerSecond, cfg.RateLimit.Burst))
	}
	if !cfg.Janitor.Disabled {
		mopts = append(mopts, session.WithJanitorSchedule(cfg.Janitor.Schedule))
	}

	manager, err := session.NewManager(backend, opts, mopts...)
	if err != nil {
		_ = backend.Close()
		_ = broker.Close()
		return nil, err
	}

	checker := obs.NewHealthChecker()
	checker.RegisterCheck(obs.StoreCheck(backend.Ping))
	for _, c := range comparators {
		if hr, ok := c.(comparator.HealthReporter); ok {
			checker.RegisterCheck(obs.ComparatorCheck(string(c.Modality()), hr.Health))
		}
	}

	svc := &Service{
		Manager:     manager,
		Backend:     backend,
		Broker:      broker,
		Auditor:     auditor,
		Comparators: comparators,
		checker:     checker,
	}
	if !cfg.Observability.Disabled && cfg.Observability.Port > 0 {
		svc.obsServer = obs.NewServer(cfg.Observability.Port, checker)
	}

	return svc, nil
}

// Close tears the service down in dependency order.
func (s *Service) Close() error {
	var firstErr error
	if err := s.Manager.Close(); err != nil {
		firstErr = err
	}
	if err := s.Broker.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if s.Auditor != nil {
		if err := s.Auditor.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.Backend.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Run starts the engine from a config file and blocks until interrupted.
func Run(configPath string) error {
	loader := NewConfigLoader(&OSFileReader{})
	config, err := loader.LoadConfig(configPath)
	if err != nil {
		return err
	}
	return RunWithConfig(config)
}

// RunWithConfig starts the engine with the provided config and blocks
// until SIGINT or SIGTERM.
func RunWithConfig(config *Config) error {
	if err := observability.InitFromEnv(); err != nil {
		log.Printf("Warning: Failed to initialize tracing: %v", err)
		// Continue even if tracing fails
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := NewService(ctx, config)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	g, gctx := errgroup.WithContext(ctx)
	if svc.obsServer != nil {
		g.Go(func() error {
			log.Printf("[Veristream] observability server on :%d", config.Observability.Port)
			if err := svc.obsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			log.Printf("[Veristream] received %s, shutting down", sig)
		case <-gctx.Done():
		}
		cancel()

		if svc.obsServer != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := svc.obsServer.Shutdown(shutdownCtx); err != nil {
				log.Printf("Warning: observability server shutdown: %v", err)
			}
		}
		return nil
	})

	err = g.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if terr := observability.Shutdown(shutdownCtx); terr != nil {
		log.Printf("Warning: Failed to shutdown tracing: %v", terr)
	}

	return err
}

func buildBackend(ctx context.Context, cfg *Config) (session.StorageBackend, error) {
	switch cfg.Store.Type {
	case "memory":
		return session.NewMemoryBackend(), nil

	case "file":
		return session.NewFileBackend(cfg.Store.BaseDir)

	case "redis":
		var ttl time.Duration
		if cfg.Store.Redis.TTL != "" {
			d, err := time.ParseDuration(cfg.Store.Redis.TTL)
			if err != nil {
				return nil, fmt.Errorf("store.redis.ttl: %w", err)
			}
			ttl = d
		}
		return session.NewRedisBackend(session.RedisConfig{
			Addr:       cfg.Store.Redis.Addr,
			Password:   cfg.Store.Redis.Password,
			DB:         cfg.Store.Redis.DB,
			Prefix:     cfg.Store.Redis.Prefix,
			SessionTTL: ttl,
		})

	case "firestore":
		opts := []session.FirestoreOption{
			session.WithProjectID(cfg.Store.Firestore.ProjectID),
		}
		if cfg.Store.Firestore.CredentialsFile != "" {
			opts = append(opts, session.WithCredentialsFile(cfg.Store.Firestore.CredentialsFile))
		}
		if cfg.Store.Firestore.Collection != "" {
			opts = append(opts, session.WithCollection(cfg.Store.Firestore.Collection))
		}
		return session.NewFirestoreBackend(ctx, opts...)

	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.Store.Type)
	}
}

func buildBroker(cfg *Config) (dispatch.Broker, error) {
	switch cfg.Broker.Type {
	case "local":
		return dispatch.NewLocalBroker(cfg.Broker.BufferSize,
			dispatch.WithDropHandler(dropHandler)), nil

	case "redis":
		client := redisClient(cfg.Broker.Addr)
		return dispatch.NewRedisBroker(client, cfg.Broker.Prefix,
			dispatch.WithRedisDropHandler(dropHandler)), nil

	default:
		return nil, fmt.Errorf("unknown broker type: %s", cfg.Broker.Type)
	}
}

func dropHandler(string) {
	obs.RecordNotificationDropped()
}

func redisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

func buildAuditor(cfg *Config) (audit.Logger, error) {
	if !cfg.AuditEnabled() {
		return nil, nil
	}
	if cfg.Audit.Path == "" {
		return audit.NewInMemoryLogger(), nil
	}
	return audit.NewFileLogger(cfg.Audit.Path)
}

func buildComparators(cfg *Config) ([]comparator.Comparator, error) {
	var out []comparator.Comparator
	for _, def := range cfg.Comparators {
		c, err := comparator.NewHTTPComparator(def.URL, verify.Modality(def.Modality))
		if err != nil {
			return nil, fmt.Errorf("comparator %s: %w", def.Modality, err)
		}
		out = append(out, c)
		log.Printf("[Veristream] registered %s comparator at %s", def.Modality, def.URL)
	}
	return out, nil
}
