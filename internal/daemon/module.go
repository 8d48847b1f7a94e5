package daemon

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/tcardozo/mingle/internal/api"
	"github.com/tcardozo/mingle/internal/bus"
	"github.com/tcardozo/mingle/internal/config"
	"github.com/tcardozo/mingle/internal/conn"
	"github.com/tcardozo/mingle/internal/engine"
	"github.com/tcardozo/mingle/internal/lock"
	"github.com/tcardozo/mingle/internal/logging"
	"github.com/tcardozo/mingle/internal/outbox"
	"github.com/tcardozo/mingle/internal/rest"
	"github.com/tcardozo/mingle/internal/session"
	"github.com/tcardozo/mingle/internal/store"
	"github.com/tcardozo/mingle/internal/typing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string // optional override for testing; empty = use default
	ConfigPath string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideStore,
			provideRESTClient,
			provideManager,
			provideEngine,
			provideTyping,
			provideSender,
			provideBinder,
			provideRouter,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	return logging.New(session.LogPath(p.Profile), p.Profile)
}

func provideConfig(p Params, logger *zap.Logger) *config.Config {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Info("no config file, using defaults", zap.String("path", path))
	}
	return cfg
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(session.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
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

func provideRESTClient(cfg *config.Config) *rest.Client {
	return rest.NewClient(cfg.ServerURL, "")
}

func provideManager(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *conn.Manager {
	return conn.NewManager(cfg.ServerURL, cfg.Realtime, b, logger)
}

func provideEngine(db *store.DB, rc *rest.Client, b *bus.Bus, logger *zap.Logger) *engine.Engine {
	return engine.NewEngine(db, rc, b, logger)
}

func provideTyping(cfg *config.Config, m *conn.Manager, b *bus.Bus, logger *zap.Logger) *typing.Coordinator {
	return typing.NewCoordinator(cfg.Typing, m, b, logger)
}

func provideSender(db *store.DB, m *conn.Manager, rc *rest.Client, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, m, rc, cfg.Send, b, logger)
}

func provideBinder(m *conn.Manager, db *store.DB, rc *rest.Client, b *bus.Bus, logger *zap.Logger) *session.Binder {
	return session.NewBinder(m, db, rc, b, logger)
}

func provideRouter(p Params, db *store.DB, snd *outbox.Sender, tc *typing.Coordinator, m *conn.Manager, b *bus.Bus, logger *zap.Logger) http.Handler {
	return api.NewRouter(api.Dependencies{
		Profile:  p.Profile,
		DB:       db,
		Sender:   snd,
		Typing:   tc,
		Realtime: m,
		Bus:      b,
		Logger:   logger,
	})
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *Server,
	lk *lock.Lock,
	eng *engine.Engine,
	tc *typing.Coordinator,
	bd *session.Binder,
	m *conn.Manager,
	b *bus.Bus,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			eng.Start(context.Background())
			tc.Start(context.Background())
			bd.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control API server error", zap.Error(err))
				}
			}()

			// Credentials from the environment bind the session right
			// away; otherwise the daemon idles until a login request.
			token := os.Getenv("MINGLE_TOKEN")
			userID := os.Getenv("MINGLE_USER_ID")
			if token != "" && userID != "" {
				b.Publish(bus.Event{
					Kind:      session.EventLoggedIn,
					Timestamp: time.Now(),
					Payload:   conn.Credential{Token: token, UserID: userID},
				})
			} else {
				logger.Info("no credentials in environment, auth required")
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			m.Stop()
			bd.Stop()
			tc.Stop()
			eng.Stop()
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
