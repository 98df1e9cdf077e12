package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/broadcast"
	"github.com/courier-im/courier/internal/bus"
	"github.com/courier-im/courier/internal/config"
	"github.com/courier-im/courier/internal/conn"
	"github.com/courier-im/courier/internal/engine"
	"github.com/courier-im/courier/internal/home"
	"github.com/courier-im/courier/internal/inbound"
	"github.com/courier-im/courier/internal/lock"
	"github.com/courier-im/courier/internal/logging"
	"github.com/courier-im/courier/internal/outbound"
	"github.com/courier-im/courier/internal/presence"
	"github.com/courier-im/courier/internal/queue"
	"github.com/courier-im/courier/internal/roster"
	"github.com/courier-im/courier/internal/store"
)

// Params holds the resolved configuration passed to the fx module.
type Params struct {
	Config *config.Config
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideQueue,
			provideTransport,
			provideMachine,
			provideManager,
			providePipeline,
			provideDrainer,
			provideTracker,
			provideObserver,
			provideRoster,
			provideEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(home.LogPath(p.Config.UserID), p.Config.UserID)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := home.EnsureDir(p.Config.UserID); err != nil {
		return nil, err
	}
	logger.Info("acquiring user lock", zap.String("user", p.Config.UserID))
	l, err := lock.Acquire(home.Dir(p.Config.UserID))
	if err != nil {
		return nil, err
	}
	logger.Info("user lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.Store, error) {
	s, err := store.Open(p.Config.StoreDSN, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("durable store initialized")
	return s, nil
}

func provideQueue(p Params, logger *zap.Logger) (*queue.Store, error) {
	path := p.Config.QueueDBPath
	if path == "" {
		path = home.QueueDBPath(p.Config.UserID)
	}
	q, err := queue.Open(path)
	if err != nil {
		return nil, err
	}
	logger.Info("offline queue initialized", zap.String("path", path))
	return q, nil
}

func provideTransport(p Params, logger *zap.Logger) *broadcast.WSTransport {
	return broadcast.NewWSTransport(p.Config.RelayURL, logger)
}

func provideMachine(p Params, s *store.Store, b *bus.Bus, logger *zap.Logger) *conn.Machine {
	return conn.NewMachine(s, b, p.Config.Probe(), logger)
}

func provideManager(t *broadcast.WSTransport, s *store.Store, b *bus.Bus, logger *zap.Logger) *inbound.Manager {
	return inbound.NewManager(t, s, b, logger)
}

func providePipeline(p Params, s *store.Store, q *queue.Store, m *conn.Machine, mgr *inbound.Manager, t *broadcast.WSTransport, b *bus.Bus, logger *zap.Logger) *outbound.Pipeline {
	return outbound.NewPipeline(p.Config.UserID, s, q, m, mgr, t, b, logger)
}

func provideDrainer(p Params, s *store.Store, q *queue.Store, m *conn.Machine, mgr *inbound.Manager, t *broadcast.WSTransport, b *bus.Bus, logger *zap.Logger) *outbound.Drainer {
	return outbound.NewDrainer(s, q, m, mgr, t, b, logger, p.Config.Drain())
}

func provideTracker(p Params, s *store.Store, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(p.Config.UserID, s, p.Config.Heartbeat(), logger)
}

func provideObserver(p Params, s *store.Store, b *bus.Bus, logger *zap.Logger) *presence.Observer {
	return presence.NewObserver(s, b, p.Config.Staleness(), logger)
}

func provideRoster(p Params, s *store.Store, o *presence.Observer, b *bus.Bus, logger *zap.Logger) *roster.Service {
	return roster.NewService(p.Config.UserID, s, o, b, logger)
}

func provideEngine(p Params, s *store.Store, q *queue.Store, pipe *outbound.Pipeline, mgr *inbound.Manager, tr *presence.Tracker, o *presence.Observer, r *roster.Service, t *broadcast.WSTransport, b *bus.Bus, logger *zap.Logger) *engine.Engine {
	return engine.New(p.Config.UserID, s, q, pipe, mgr, tr, o, r, t, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, s *store.Store, q *queue.Store, t *broadcast.WSTransport, m *conn.Machine, mgr *inbound.Manager, d *outbound.Drainer, tr *presence.Tracker, o *presence.Observer, r *roster.Service, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			t.OnStateChange(func(connected bool) {
				if connected {
					logger.Info("relay link up")
				} else {
					logger.Warn("relay link down")
				}
				m.Recheck()
			})
			t.Start()
			m.Start(context.Background())
			d.Start(context.Background())
			o.Start(context.Background())
			r.Start(context.Background())
			if err := tr.Start(context.Background()); err != nil {
				// Presence is advisory; the heartbeat repairs it.
				logger.Warn("initial presence announcement failed", zap.Error(err))
			}
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			tr.Stop()
			r.Stop()
			o.Stop()
			d.Stop()
			mgr.Close()
			m.Stop()
			t.Close()
			if err := q.Close(); err != nil {
				logger.Warn("error closing queue", zap.Error(err))
			}
			if err := s.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
