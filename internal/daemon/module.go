package daemon

import (
	"context"
	"fmt"
	"sync"

	"github.com/matheus3301/wppsync/internal/api"
	"github.com/matheus3301/wppsync/internal/autoreply"
	"github.com/matheus3301/wppsync/internal/bus"
	"github.com/matheus3301/wppsync/internal/config"
	"github.com/matheus3301/wppsync/internal/device"
	"github.com/matheus3301/wppsync/internal/gateway"
	"github.com/matheus3301/wppsync/internal/inbox"
	"github.com/matheus3301/wppsync/internal/lock"
	"github.com/matheus3301/wppsync/internal/logging"
	"github.com/matheus3301/wppsync/internal/profile"
	"github.com/matheus3301/wppsync/internal/realtime"
	"github.com/matheus3301/wppsync/internal/store"
	intsync "github.com/matheus3301/wppsync/internal/sync"
	"github.com/matheus3301/wppsync/internal/timeline"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	Config     *config.Config
	SocketPath string // optional override for testing; empty = use default
	LogLevel   zapcore.Level
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	if p.Config == nil {
		p.Config = config.Default()
	}
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideGateway,
			provideDevices,
			provideInbox,
			provideTimelines,
			provideRefresher,
			provideOrchestrator,
			provideEngine,
			provideResponder,
			provideService,
			NewServer,
			NewMetricsServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile, p.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so two daemons never share a database.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
	db, reset, err := store.OpenOrReset(dbPath, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("store initialized", zap.String("path", dbPath), zap.Bool("reset", reset))
	return db, nil
}

func provideGateway(p Params, logger *zap.Logger) *gateway.Client {
	gw := p.Config.Gateway
	return gateway.New(gw.URL, gw.APIKey,
		gateway.WithTimeout(gw.Timeout.Duration),
		gateway.WithLogger(logger.Named("gateway")),
	)
}

func provideDevices(p Params, gw *gateway.Client, db *store.DB, b *bus.Bus, logger *zap.Logger) (*device.Manager, error) {
	c := p.Config.Devices
	return device.NewManager(gw, db, b, device.Config{
		StatusPollInterval: c.StatusPollInterval.Duration,
		PairingTimeout:     c.PairingTimeout.Duration,
		WebhookURL:         c.WebhookURL,
	}, logger.Named("device"))
}

func provideInbox(gw *gateway.Client, devices *device.Manager, db *store.DB, b *bus.Bus, logger *zap.Logger) *inbox.Inbox {
	enricher := intsync.NewContactEnricher(gw, func() string {
		d, _ := devices.Current()
		return d.ID
	})
	return inbox.New(db, enricher, b, logger.Named("inbox"))
}

func provideTimelines(p Params, gw *gateway.Client, chats *inbox.Inbox, b *bus.Bus, logger *zap.Logger) *timeline.Store {
	c := p.Config.Timeline
	return timeline.New(gw, chats, b, timeline.Config{
		WindowSize:   c.WindowSize,
		RefetchDelay: c.RefetchDelay.Duration,
	}, logger.Named("timeline"))
}

func provideRefresher(p Params, gw *gateway.Client, db *store.DB, chats *inbox.Inbox, logger *zap.Logger) *intsync.Refresher {
	return intsync.NewRefresher(gw, db, chats, p.Config.Timeline.WindowSize, logger.Named("refresh"))
}

func provideOrchestrator(p Params, gw *gateway.Client, refresher *intsync.Refresher, logger *zap.Logger) *realtime.Orchestrator {
	rtLogger := logger.Named("realtime")
	return realtime.New(realtime.DefaultChain(realtimeConfig(p.Config.Realtime, gw), refresher, rtLogger), rtLogger)
}

func realtimeConfig(c config.Realtime, gw *gateway.Client) realtime.Config {
	return realtime.Config{
		GatewayURL:           gw.BaseURL(),
		APIKey:               gw.APIKey(),
		WebSocketURL:         c.WebSocketURL,
		SSEURL:               c.SSEURL,
		ConnectTimeout:       c.ConnectTimeout.Duration,
		ConnectAttempts:      c.ConnectAttempts,
		ReconnectBaseDelay:   c.ReconnectBaseDelay.Duration,
		ReconnectMaxDelay:    c.ReconnectMaxDelay.Duration,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		ProtocolRetryDelay:   c.ProtocolRetryDelay.Duration,
		HeartbeatInterval:    c.HeartbeatInterval.Duration,
		IdleTimeout:          c.IdleTimeout.Duration,
		MessagePollInterval:  c.MessagePollInterval.Duration,
		ChatPollInterval:     c.ChatPollInterval.Duration,
	}
}

func provideEngine(orch *realtime.Orchestrator, devices *device.Manager, chats *inbox.Inbox, timelines *timeline.Store, refresher *intsync.Refresher, db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(orch, devices, chats, timelines, refresher, db, b, logger.Named("sync"))
}

// provideResponder returns nil when no assistant is configured.
func provideResponder(p Params, timelines *timeline.Store, b *bus.Bus, logger *zap.Logger) *autoreply.Responder {
	c := p.Config.AutoReply
	if c.URL == "" {
		return nil
	}
	replier := autoreply.NewHTTPReplier(c.URL, c.Timeout.Duration)
	return autoreply.New(replier, timelines, b, autoreply.Config{
		TypingDelay: c.TypingDelay.Duration,
		Groups:      c.Groups,
	}, logger.Named("autoreply"))
}

func provideService(p Params, engine *intsync.Engine, chats *inbox.Inbox, timelines *timeline.Store, devices *device.Manager, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(p.Profile, engine, chats, timelines, devices, b, logger.Named("api"))
}

type lifecycleDeps struct {
	fx.In

	Server    *Server
	Metrics   *MetricsServer
	Lock      *lock.Lock
	DB        *store.DB
	Devices   *device.Manager
	Inbox     *inbox.Inbox
	Timelines *timeline.Store
	Engine    *intsync.Engine
	Responder *autoreply.Responder
	Logger    *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	ctx, cancel := context.WithCancel(context.Background())
	logger := d.Logger
	var resume sync.WaitGroup

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The engine follows device events, so it starts before devices are resumed.
			d.Engine.Start(ctx)
			resume.Add(1)
			go func() {
				defer resume.Done()
				d.Devices.Resume(ctx)
			}()

			if d.Responder != nil {
				d.Responder.Start(ctx)
			}

			go func() {
				if err := d.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			if err := d.Metrics.Start(); err != nil {
				return fmt.Errorf("start metrics server: %w", err)
			}
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			d.Server.Stop(stopCtx)
			d.Metrics.Stop(stopCtx)
			if d.Responder != nil {
				d.Responder.Stop()
			}
			d.Engine.Stop()
			d.Timelines.Close()
			d.Inbox.Close()
			resume.Wait()
			d.Devices.Close()
			if err := d.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
