package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"github.com/titanworks/titan/config"
	"github.com/titanworks/titan/internal/auth"
	"github.com/titanworks/titan/internal/cell"
	"github.com/titanworks/titan/internal/cluster"
	"github.com/titanworks/titan/internal/game"
	"github.com/titanworks/titan/internal/gateway"
	"github.com/titanworks/titan/internal/ratelimit"
	"github.com/titanworks/titan/internal/storage"
	"github.com/titanworks/titan/internal/stream"
	"github.com/titanworks/titan/internal/txn"
)

// streamProvider is the substrate provider name; stable across deployments so
// stream IDs stay comparable whatever carries them.
const streamProvider = "events"

// NewApp assembles one node. Every node hosts the cell runtime with the full
// kind registry; serveGateway additionally opens the public edge.
func NewApp(cfg *config.Config, configPath string, serveGateway bool) *fx.App {
	return fx.New(
		fx.Supply(cfg),
		fx.Provide(
			ProvideLogger,
			ProvideRedis,
			ProvideMembership,
			ProvideDirectory,
			ProvideBackend,
			ProvideSubstrate,
			ProvideRuntime,
			ProvideTxnManager,
			ProvideAuthServices,
			ProvideLimiter,
			ProvideGateway,
		),
		fx.Invoke(WireTransactions),
		fx.Invoke(StartInternalServer),
		fx.Invoke(func(lc fx.Lifecycle, logger *slog.Logger, rt *cell.Runtime) {
			SeedRateLimitConfig(lc, cfg, configPath, logger, rt)
		}),
		fx.Invoke(func(lc fx.Lifecycle, logger *slog.Logger, gw *gateway.Gateway) {
			if serveGateway {
				StartGatewayServer(lc, cfg, logger, gw)
			}
		}),
	)
}

func ProvideLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Service.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func ProvideRedis(lc fx.Lifecycle, cfg *config.Config) redis.UniversalClient {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Cluster.RedisAddr,
		Password: cfg.Cluster.RedisPassword,
	})
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return rdb.Close() },
	})
	return rdb
}

func ProvideMembership(lc fx.Lifecycle, cfg *config.Config, rdb redis.UniversalClient, logger *slog.Logger) *cluster.Membership {
	nodeID := cfg.Cluster.NodeID
	if nodeID == "" {
		host, _ := os.Hostname()
		nodeID = host
	}
	mcfg := cluster.DefaultMembershipConfig(cfg.Service.ID)
	if cfg.Cluster.Heartbeat > 0 {
		mcfg.HeartbeatInterval = cfg.Cluster.Heartbeat
	}
	membership := cluster.NewMembership(mcfg, rdb, cluster.NodeRecord{
		ID:       cluster.NodeID(nodeID),
		Endpoint: cfg.Cluster.Endpoint,
	}, logger)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := membership.Start(ctx); err != nil {
				return errClusterKV(err)
			}
			return nil
		},
		OnStop: membership.Stop,
	})
	return membership
}

func ProvideDirectory(cfg *config.Config, rdb redis.UniversalClient, membership *cluster.Membership, logger *slog.Logger) *cluster.Directory {
	return cluster.NewDirectory(cluster.DefaultDirectoryConfig(cfg.Service.ID), rdb, membership, logger)
}

func ProvideBackend(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (storage.Backend, error) {
	var backend storage.Backend
	switch cfg.Storage.Driver {
	case "postgres":
		pool, err := pgxpool.New(context.Background(), cfg.Storage.DSN)
		if err != nil {
			return nil, errStorage(err)
		}
		pg, err := storage.NewPostgres(context.Background(), pool)
		if err != nil {
			return nil, errStorage(err)
		}
		rcfg := storage.DefaultRetryConfig()
		if cfg.Storage.Retry.MaxAttempts > 0 {
			rcfg.MaxAttempts = cfg.Storage.Retry.MaxAttempts
		}
		if cfg.Storage.Retry.InitialBackoff > 0 {
			rcfg.InitialBackoff = cfg.Storage.Retry.InitialBackoff
		}
		rcfg.Jitter = cfg.Storage.Retry.Jitter
		backend = storage.NewRetrying(pg, rcfg, storage.DefaultClassifier, logger)
		lc.Append(fx.Hook{OnStop: func(context.Context) error { pool.Close(); return nil }})
	default:
		backend = storage.NewMemory()
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := backend.Ping(ctx); err != nil {
				return errStorage(err)
			}
			return nil
		},
	})
	return backend, nil
}

func ProvideSubstrate(cfg *config.Config, logger *slog.Logger) (*stream.Substrate, error) {
	var provider stream.Provider
	switch cfg.Streams.Provider {
	case "amqp":
		p, err := stream.NewAMQPProvider(streamProvider, cfg.Streams.AMQPURI, logger)
		if err != nil {
			return nil, err
		}
		provider = p
	default:
		provider = stream.NewGoChannelProvider(streamProvider, logger)
	}
	substrate := stream.NewSubstrate(logger, provider)
	if cfg.Streams.MaxPending > 0 {
		substrate.SetDefaultPolicy(stream.StreamPolicy{
			MaxPending: cfg.Streams.MaxPending,
			Policy:     stream.Block,
		})
	}
	return substrate, nil
}

func ProvideRuntime(lc fx.Lifecycle, cfg *config.Config, backend storage.Backend,
	directory *cluster.Directory, membership *cluster.Membership,
	substrate *stream.Substrate, logger *slog.Logger) *cell.Runtime {
	registry := cell.NewRegistry()
	for _, k := range game.Kinds(substrate, streamProvider) {
		registry.Add(k)
	}
	for _, k := range auth.NewSessionKinds() {
		registry.Add(k)
	}
	registry.Add(auth.NewTicketKind())
	registry.Add(ratelimit.NewConfigKind())
	registry.Add(stream.NewRegistryKind())
	for _, k := range gateway.NewPresenceKinds() {
		registry.Add(k)
	}

	rcfg := cell.DefaultConfig()
	if cfg.Silo.MailboxSize > 0 {
		rcfg.MailboxSize = cfg.Silo.MailboxSize
	}
	if cfg.Silo.CallTimeout > 0 {
		rcfg.CallTimeout = cfg.Silo.CallTimeout
	}
	if cfg.Silo.IdleTimeout > 0 {
		rcfg.IdleTimeout = cfg.Silo.IdleTimeout
	}

	rt := cell.NewRuntime(rcfg, registry, backend, directory, membership, cell.NewHTTPTransport(), logger)
	lc.Append(fx.Hook{OnStart: rt.Start, OnStop: rt.Stop})
	return rt
}

func ProvideTxnManager(cfg *config.Config, rdb redis.UniversalClient, backend storage.Backend, logger *slog.Logger) *txn.Manager {
	tcfg := txn.DefaultConfig(cfg.Service.ID)
	if cfg.Transactions.Deadline > 0 {
		tcfg.Deadline = cfg.Transactions.Deadline
	}
	if cfg.Transactions.LockWait > 0 {
		tcfg.LockWait = cfg.Transactions.LockWait
	}
	return txn.NewManager(tcfg, rdb, backend, logger)
}

func WireTransactions(rt *cell.Runtime, mgr *txn.Manager) {
	rt.SetTxnStarter(mgr)
}

func ProvideAuthServices(cfg *config.Config, rt *cell.Runtime) (*auth.SessionService, *auth.TicketService) {
	var providers []auth.TokenProvider
	if cfg.Auth.MockProvider {
		providers = append(providers, auth.MockProvider{})
	}
	if cfg.Auth.IntrospectionURL != "" {
		providers = append(providers, auth.NewIntrospectionProvider("Platform", cfg.Auth.IntrospectionURL))
	}
	scfg := auth.SessionConfig{
		Lifetime:   cfg.Auth.SessionLifetime,
		Sliding:    cfg.Auth.SessionSliding,
		MaxPerUser: cfg.Auth.MaxPerUser,
	}
	return auth.NewSessionService(scfg, auth.NewProviderSet(providers...), rt),
		auth.NewTicketService(rt, cfg.Auth.TicketTTL)
}

func ProvideLimiter(cfg *config.Config, rdb redis.UniversalClient, rt *cell.Runtime, logger *slog.Logger) *ratelimit.Limiter {
	return ratelimit.NewLimiter(ratelimit.DefaultLimiterConfig(cfg.Service.ID), rdb, rt, logger)
}

func ProvideGateway(cfg *config.Config, logger *slog.Logger, sessions *auth.SessionService,
	tickets *auth.TicketService, limiter *ratelimit.Limiter, rt *cell.Runtime,
	substrate *stream.Substrate) *gateway.Gateway {
	gcfg := gateway.DefaultConfig(streamProvider)
	if cfg.Gateway.SendQueue > 0 {
		gcfg.SendQueue = cfg.Gateway.SendQueue
	}
	gw := gateway.New(gcfg, logger, sessions, tickets, limiter, rt, substrate)
	for _, h := range game.Hubs(rt) {
		gw.Register(h)
	}
	gw.Register(gateway.NewAuthHub(sessions))
	return gw
}

// StartInternalServer opens the silo-to-silo invoke endpoint.
func StartInternalServer(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger, rt *cell.Runtime, mgr *txn.Manager) {
	r := chi.NewRouter()
	cell.MountTransport(r, rt, mgr)
	srv := &http.Server{Addr: cfg.Silo.ListenAddr, Handler: r}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				logger.Info("internal server listening", "addr", cfg.Silo.ListenAddr)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("internal server failed", "err", err)
				}
			}()
			return nil
		},
		OnStop: srv.Shutdown,
	})
}

// StartGatewayServer opens the public edge.
func StartGatewayServer(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger, gw *gateway.Gateway) {
	srv := &http.Server{Addr: cfg.Gateway.ListenAddr, Handler: gw.Router()}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				logger.Info("gateway listening", "addr", cfg.Gateway.ListenAddr)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("gateway server failed", "err", err)
				}
			}()
			return nil
		},
		OnStop: srv.Shutdown,
	})
}

// SeedRateLimitConfig pushes the file's rateLimiting section into the policy
// cell at startup and re-pushes it on config file changes.
func SeedRateLimitConfig(lc fx.Lifecycle, cfg *config.Config, configPath string, logger *slog.Logger, rt *cell.Runtime) {
	apply := func(ctx context.Context, state ratelimit.ConfigState) error {
		return rt.Invoke(ctx, ratelimit.ConfigIdentity(), "update", state, nil)
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if len(cfg.RateLimiting.Policies) > 0 || cfg.RateLimiting.Enabled {
				if err := apply(ctx, cfg.RateLimiting); err != nil {
					return err
				}
			}
			if configPath == "" {
				return nil
			}
			return config.WatchRateLimiting(watchCtx, configPath, logger, func(state ratelimit.ConfigState) error {
				return apply(context.Background(), state)
			})
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func errClusterKV(err error) error {
	return fmt.Errorf("%w: %v", ErrClusterKV, err)
}

func errStorage(err error) error {
	return fmt.Errorf("%w: %v", ErrStorage, err)
}
