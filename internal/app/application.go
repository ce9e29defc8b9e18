// Package app wires the gateway components together and runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"groupchat/internal/api"
	"groupchat/internal/auth"
	"groupchat/internal/config"
	"groupchat/internal/database"
	"groupchat/internal/hub"
	"groupchat/internal/logging"
	"groupchat/internal/membership"
	"groupchat/internal/metrics"
	"groupchat/internal/router"
	"groupchat/internal/session"
	"groupchat/internal/websocket"
	pkgdatabase "groupchat/pkg/database"
)

// cleaner is implemented by limiters that keep per-user state in process.
type cleaner interface {
	Cleanup(isActive func(userID string) bool) int
}

// Application owns every long-lived component of the gateway.
type Application struct {
	config   *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry

	dbManager   *database.Manager
	oracle      *membership.Oracle
	connections *websocket.Registry
	messageHub  *hub.Hub
	limiter     router.Limiter
	redis       *redis.Client
	sessions    *session.Handler
	apiServer   *api.Server

	httpServer     *http.Server
	internalServer *http.Server
	listeners      []net.Listener

	janitorStop chan struct{}
	janitorDone chan struct{}
	stopOnce    sync.Once
}

// NewApplication builds every component in dependency order:
// Database → Membership → Auth → Registry → Hub → Limiter → Router →
// Sessions → API → HTTP.
func NewApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging.Level, cfg.Logging.Format)
		if err != nil {
			return nil, err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = cfg.Database.Path
	dbConfig.ConnMaxLifetime = cfg.Database.Timeout
	dbConfig.ConnMaxIdleTime = cfg.Database.Timeout / 3
	dbManager, err := database.NewManager(dbConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	oracle := membership.NewOracle(dbManager, cfg.Membership.CacheTTL, logger)

	verifier, err := auth.NewJWTVerifier(auth.VerifierConfig{
		Secret:   cfg.Auth.JWTSecret,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		Leeway:   cfg.Auth.Leeway,
	})
	if err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to initialize verifier: %w", err)
	}

	connections := websocket.NewRegistry()
	messageHub := hub.NewHub(connections, m, logger)

	a := &Application{
		config:      cfg,
		logger:      logger,
		registry:    reg,
		dbManager:   dbManager,
		oracle:      oracle,
		connections: connections,
		messageHub:  messageHub,
	}

	if err := a.buildLimiter(); err != nil {
		_ = dbManager.Close()
		return nil, err
	}

	messageRouter := router.NewRouter(dbManager, messageHub, a.limiter, router.Config{
		MaxBodyLength:       cfg.Chat.MaxBodyLength,
		TypingExcludeSender: cfg.Chat.TypingExcludeSender,
		TypingPerSecond:     cfg.Chat.TypingPerSecond,
		TypingBurst:         cfg.Chat.TypingBurst,
	}, m, logger)

	a.sessions = session.NewHandler(verifier, oracle, dbManager, connections, messageRouter, messageHub, session.Config{
		PingInterval:       cfg.WebSocket.PingInterval,
		ReadTimeout:        cfg.WebSocket.ReadTimeout,
		WriteTimeout:       cfg.WebSocket.WriteTimeout,
		SendQueueSize:      cfg.WebSocket.SendQueueSize,
		MaxFrameBytes:      cfg.WebSocket.MaxFrameBytes,
		HistoryReplay:      cfg.Chat.HistoryReplay,
		MaxMalformedFrames: cfg.Chat.MaxMalformedFrames,
		AllowedOrigins:     cfg.WebSocket.AllowedOrigins,
	}, m, logger)

	a.apiServer = api.NewServer(api.Dependencies{
		Publisher: messageRouter,
		Oracle:    oracle,
		History:   dbManager,
		Verifier:  verifier,
		Health:    dbManager,
		Registry:  connections,
		Gatherer:  reg,
	}, api.Config{
		SharedSecret:        cfg.Internal.SharedSecret,
		GroupTimeout:        cfg.Alerts.GroupTimeout,
		MaxConcurrentGroups: cfg.Alerts.MaxConcurrentGroups,
		MaxBodyLength:       cfg.Chat.MaxBodyLength,
		SeparateInternal:    cfg.Internal.Addr != "",
	}, m, logger)
	a.apiServer.Handle("GET /ws", a.sessions)
	a.apiServer.Handle("GET /ws/groups/{groupID}", a.sessions)

	a.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           a.apiServer,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		ErrorLog:          zap.NewStdLog(logger.Named("http")),
	}
	if cfg.Internal.Addr != "" {
		a.internalServer = &http.Server{
			Addr:              cfg.Internal.Addr,
			Handler:           a.apiServer.InternalHandler(),
			ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
			WriteTimeout:      cfg.HTTP.WriteTimeout,
			ErrorLog:          zap.NewStdLog(logger.Named("internal_http")),
		}
	}
	return a, nil
}

func (a *Application) buildLimiter() error {
	rl := a.config.RateLimit
	switch rl.Backend {
	case config.RateLimitBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     rl.RedisAddr,
			Password: rl.RedisPassword,
			DB:       rl.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to reach redis at %s: %w", rl.RedisAddr, err)
		}
		a.redis = client
		a.limiter = router.NewRedisLimiter(client, rl.PerMinute, rl.Window)
	default:
		a.limiter = router.NewMemoryLimiter(rl.PerMinute, rl.Window)
	}
	a.logger.Info("rate limiter ready",
		zap.String("backend", rl.Backend),
		zap.Int("per_window", rl.PerMinute),
		zap.Duration("window", rl.Window),
	)
	return nil
}

// Start binds the listeners and begins serving. It returns once the
// listeners are bound.
func (a *Application) Start(ctx context.Context) error {
	if err := a.messageHub.Start(); err != nil {
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	servers := []*http.Server{a.httpServer}
	if a.internalServer != nil {
		servers = append(servers, a.internalServer)
	}
	var lc net.ListenConfig
	for _, srv := range servers {
		ln, err := lc.Listen(ctx, "tcp", srv.Addr)
		if err != nil {
			for _, l := range a.listeners {
				_ = l.Close()
			}
			_ = a.messageHub.Stop()
			return fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
		}
		a.listeners = append(a.listeners, ln)
	}
	for i, srv := range servers {
		go a.serve(srv, a.listeners[i])
	}

	a.janitorStop = make(chan struct{})
	a.janitorDone = make(chan struct{})
	go a.janitor()

	a.logger.Info("groupchat started", zap.String("addr", a.Addr()), zap.String("internal_addr", a.InternalAddr()))
	return nil
}

func (a *Application) serve(srv *http.Server, ln net.Listener) {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.logger.Error("http server stopped", zap.String("addr", ln.Addr().String()), zap.Error(err))
	}
}

// janitor drops rate limiter state for users with no live connection and
// sweeps expired membership cache entries.
func (a *Application) janitor() {
	defer close(a.janitorDone)

	interval := a.config.RateLimit.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.janitorStop:
			return
		case <-ticker.C:
			removed := 0
			if c, ok := a.limiter.(cleaner); ok {
				removed = c.Cleanup(a.connections.HasUser)
			}
			swept := a.oracle.Sweep()
			if removed > 0 || swept > 0 {
				a.logger.Debug("janitor pass", zap.Int("limiter_entries", removed), zap.Int("membership_entries", swept))
			}
		}
	}
}

// Stop shuts down in reverse dependency order: sockets, HTTP, hub,
// limiter, database.
func (a *Application) Stop(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down groupchat")

		if a.janitorStop != nil {
			close(a.janitorStop)
			<-a.janitorDone
		}

		if err := a.sessions.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session shutdown: %w", err))
		}
		if err := a.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if a.internalServer != nil {
			if err := a.internalServer.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("internal http shutdown: %w", err))
			}
		}
		if err := a.messageHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
			errs = append(errs, fmt.Errorf("hub stop: %w", err))
		}
		if a.redis != nil {
			if err := a.redis.Close(); err != nil {
				errs = append(errs, fmt.Errorf("redis close: %w", err))
			}
		}
		if err := a.dbManager.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database close: %w", err))
		}

		a.logger.Info("groupchat shutdown complete")
	})
	return errors.Join(errs...)
}

// Addr returns the bound public address, or the configured one before Start.
func (a *Application) Addr() string {
	if len(a.listeners) > 0 {
		return a.listeners[0].Addr().String()
	}
	return a.httpServer.Addr
}

// InternalAddr returns the bound internal address, empty when the internal
// endpoint shares the public listener.
func (a *Application) InternalAddr() string {
	if a.internalServer == nil {
		return ""
	}
	if len(a.listeners) > 1 {
		return a.listeners[1].Addr().String()
	}
	return a.internalServer.Addr
}

// Store exposes the message and membership store for provisioning.
func (a *Application) Store() *database.Manager {
	return a.dbManager
}

// Oracle exposes the cached membership view.
func (a *Application) Oracle() *membership.Oracle {
	return a.oracle
}
