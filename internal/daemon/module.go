package daemon

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/channel"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/history"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/settings"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	// Identity is the push channel identity. Empty falls back to
	// Config.Sync.LocalUserID; with neither the daemon runs REST only.
	Identity   string
	Config     *config.Config
	SocketPath string // optional override for testing; empty = use default
}

func (p Params) identity() string {
	if p.Identity != "" {
		return p.Identity
	}
	return p.Config.Sync.LocalUserID
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
			provideSettingsBackend,
			provideSettingsStore,
			provideNotifier,
			provideChannel,
			provideHistory,
			provideSender,
			provideCheckpoints,
			provideEngine,
			provideMetrics,
			provideRouter,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, p.identity(), p.Config.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName), p.identity())
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore takes the lock as a dependency so the database is never
// opened by a second daemon.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, result, err := store.OpenMigrated(dbPath)
	if err != nil {
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideSettingsBackend(lc fx.Lifecycle, p Params, db *store.DB, logger *zap.Logger) (settings.Backend, error) {
	if p.Config.Settings.Backend != config.BackendBolt {
		return db, nil
	}
	path := session.BoltPath(p.SessionName)
	bdb, err := store.OpenBolt(path)
	if err != nil {
		return nil, err
	}
	logger.Info("settings stored in bolt", zap.String("path", path))
	lc.Append(fx.StopHook(bdb.Close))
	return bdb, nil
}

func provideSettingsStore(backend settings.Backend, logger *zap.Logger) *settings.Store {
	return settings.NewStore(backend, logger)
}

func provideNotifier(st *settings.Store, b *bus.Bus, logger *zap.Logger) *notify.Dispatcher {
	return notify.NewDispatcher(st, notify.NewLogScheduler(b, logger), logger)
}

func provideChannel(p Params, b *bus.Bus, logger *zap.Logger) *channel.Channel {
	header := http.Header{}
	if token := p.Config.Server.Token; token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return channel.New(channel.Config{URL: p.Config.Server.WSURL, Header: header}, b, logger)
}

func provideHistory(p Params) *history.Client {
	return history.NewClient(p.Config.Server.APIURL, p.Config.Server.Token, nil)
}

func provideSender(p Params, ch *channel.Channel, hc *history.Client, b *bus.Bus, logger *zap.Logger) (*outbox.Sender, error) {
	mode, err := outbox.ParseTransport(p.Config.Sync.Transport)
	if err != nil {
		return nil, err
	}
	return outbox.NewSender(ch, hc, mode, b, logger), nil
}

func provideCheckpoints(db *store.DB) *intsync.Checkpoints {
	return intsync.NewCheckpoints(db)
}

func provideEngine(
	p Params,
	hc *history.Client,
	ch *channel.Channel,
	sender *outbox.Sender,
	notifier *notify.Dispatcher,
	cp *intsync.Checkpoints,
	b *bus.Bus,
	logger *zap.Logger,
) *intsync.Engine {
	cfg := p.Config
	return intsync.NewEngine(intsync.Config{
		LocalUserID:     cfg.Sync.LocalUserID,
		HistoryTimeout:  cfg.Sync.HistoryTimeout.Duration,
		ReconcileWindow: cfg.Sync.ReconcileWindow.Duration,
		Reconnect: intsync.ReconnectPolicy{
			Enabled:    cfg.Reconnect.Enabled,
			Min:        cfg.Reconnect.Min.Duration,
			Max:        cfg.Reconnect.Max.Duration,
			Multiplier: cfg.Reconnect.Multiplier,
		},
	}, intsync.Deps{
		History:     hc,
		Channel:     ch,
		Sender:      sender,
		Notifier:    notifier,
		Checkpoints: cp,
		Bus:         b,
		Logger:      logger,
	})
}

func provideMetrics() *metrics.Collector {
	return metrics.New()
}

func provideRouter(
	p Params,
	engine *intsync.Engine,
	ch *channel.Channel,
	st *settings.Store,
	b *bus.Bus,
	m *metrics.Collector,
	logger *zap.Logger,
) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	h := api.NewHandler(p.SessionName, engine, ch, st, logger)
	return api.NewRouter(h, api.NewEventStream(b), m.Handler(), logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	p Params,
	srv *Server,
	lk *lock.Lock,
	db *store.DB,
	engine *intsync.Engine,
	m *metrics.Collector,
	b *bus.Bus,
	logger *zap.Logger,
) {
	ctx, cancel := context.WithCancel(context.Background())
	identity := p.identity()

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			engine.Start(ctx)
			go m.Run(ctx, b)

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()

			go func() {
				if identity == "" {
					logger.Warn("no identity configured, push channel not attached")
				} else if err := engine.AttachChannel(ctx, identity); err != nil {
					logger.Error("attach push channel", zap.Error(err))
				}
				if _, err := engine.LoadConversations(ctx); err != nil {
					logger.Warn("initial conversation load failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			engine.DetachChannel()
			engine.Stop()
			srv.Stop(stopCtx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
