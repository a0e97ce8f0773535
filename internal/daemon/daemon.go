package daemon

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/avalove-network/avalove/internal/api"
	"github.com/avalove-network/avalove/internal/domain"
	"github.com/avalove-network/avalove/internal/infra/broadcast"
	"github.com/avalove-network/avalove/internal/infra/cache"
	"github.com/avalove-network/avalove/internal/infra/decay"
	"github.com/avalove-network/avalove/internal/infra/earning"
	"github.com/avalove-network/avalove/internal/infra/engagement"
	"github.com/avalove-network/avalove/internal/infra/memstore"
	"github.com/avalove-network/avalove/internal/infra/observability"
	"github.com/avalove-network/avalove/internal/infra/postgres"
	"github.com/avalove-network/avalove/internal/infra/presence"
	"github.com/avalove-network/avalove/internal/infra/reconcile"
	"github.com/avalove-network/avalove/internal/infra/sessionlock"
	"github.com/avalove-network/avalove/internal/infra/sqlite"
)

// Daemon is the assembled engine.
type Daemon struct {
	cfg Config

	store   domain.Store
	hub     *broadcast.Hub
	tracker *presence.Tracker
	coord   *sessionlock.Coordinator
	gate    *reconcile.Gate
	earn    *earning.Engine
	scorer  *engagement.Scorer
	views   *cache.Cache
	server  *http.Server

	stopCache func()
}

// New assembles a daemon from config. Nothing starts until Run.
func New(cfg Config) (*Daemon, error) {
	store, err := openStore(cfg.Store, cfg.Decay)
	if err != nil {
		return nil, err
	}

	hub := broadcast.NewHub()
	channels := broadcast.NewChannels(hub)

	tracker := presence.NewTracker(channels.Join(cfg.Presence.ChannelName), presence.Config{
		ChannelName:       cfg.Presence.ChannelName,
		KeepaliveInterval: parseDuration(cfg.Presence.KeepaliveInterval, presence.DefaultConfig().KeepaliveInterval),
	})

	coord := sessionlock.New(store, hub, sessionlock.Config{
		HeartbeatInterval: parseDuration(cfg.Session.HeartbeatInterval, sessionlock.DefaultConfig().HeartbeatInterval),
		LivenessMultiple:  cfg.Session.LivenessMultiple,
	})

	gate := reconcile.New(store)

	scorer := engagement.NewScorer(engagement.DefaultScorerConfig())

	// Coming online settles the previous offline window; the keepalive
	// refreshes the durable last-seen timestamp so decay never accrues
	// against a user the channel still sees.
	tracker.OnOnline(func(userID string) {
		gate.OnConnect(userID)
		observability.ReconcileRuns.WithLabelValues(string(domain.TriggerOnConnect)).Inc()
		scorer.GetOrRegister(userID)
		scorer.RecordPresence(userID, engagement.PresenceSample{WasOnline: true})
	})
	tracker.OnOffline(func(userID string) {
		scorer.RecordPresence(userID, engagement.PresenceSample{WasOnline: false})
	})
	tracker.SetTouchFunc(func(ctx context.Context, userID string, at time.Time) {
		for _, kind := range []domain.ResourceKind{domain.ResourceScore, domain.ResourceCredit} {
			if err := store.TouchActivity(ctx, userID, kind, at); err != nil {
				log.Printf("daemon: touch activity for %s/%s failed: %v", userID, kind, err)
			}
		}
	})

	views := cache.New(parseDuration(cfg.Cache.TTL, 2*time.Second))

	var earn *earning.Engine
	if cfg.Earning.Enabled {
		earn = earning.New(store, coord, earning.Config{
			TickInterval: parseDuration(cfg.Earning.TickInterval, earning.DefaultConfig().TickInterval),
		})
	}

	srv := api.NewServer(store, tracker, coord, gate, hub)
	srv.SetViewCache(views)
	if earn != nil {
		srv.SetEarning(earn)
	}
	srv.SetEngagement(scorer)
	srv.SetTracer(observability.NewTracer(observability.TracerConfig{
		Enabled:  cfg.Tracing.Enabled,
		MaxSpans: cfg.Tracing.MaxSpans,
	}))
	if cfg.API.Metrics {
		srv.EnableMetrics()
	}

	return &Daemon{
		cfg:     cfg,
		store:   store,
		hub:     hub,
		tracker: tracker,
		coord:   coord,
		gate:    gate,
		earn:    earn,
		scorer:  scorer,
		views:   views,
		server: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
			Handler: srv.Handler(),
		},
	}, nil
}

func openStore(cfg StoreConfig, dc DecayConfig) (domain.Store, error) {
	grace := parseDuration(dc.CreditGrace, decay.CreditGracePeriod)
	switch cfg.Driver {
	case "", "sqlite":
		return sqlite.Open(sqlite.Config{Path: cfg.Path, CreditGrace: grace})
	case "postgres":
		return postgres.Open(postgres.Config{ConnString: cfg.ConnString, CreditGrace: grace})
	case "memory":
		return memstore.New(memstore.Config{CreditGrace: grace}), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Tracker exposes the presence tracker (used by the CLI status command).
func (d *Daemon) Tracker() *presence.Tracker { return d.tracker }

// Run starts the engine and blocks until ctx is cancelled or the HTTP
// server fails.
func (d *Daemon) Run(ctx context.Context) error {
	d.stopCache = d.views.Run(parseDuration(d.cfg.Cache.PurgeInterval, 30*time.Second))

	go func() {
		if err := d.tracker.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("daemon: presence tracker stopped: %v", err)
		}
	}()

	if d.earn != nil {
		go func() {
			if err := d.earn.Run(ctx); err != nil && err != context.Canceled {
				log.Printf("daemon: earning engine stopped: %v", err)
			}
		}()
	}

	// Daily fade pass keeps dormant users from holding a stale level.
	go func() {
		ticker := time.NewTicker(engagement.DefaultScorerConfig().FadeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := d.scorer.ApplyFade(); n > 0 {
					log.Printf("daemon: engagement fade applied to %d users", n)
				}
			}
		}
	}()

	// Keep the presence gauge live without a metrics poll loop in the
	// tracker itself.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				observability.OnlineUsers.Set(float64(d.tracker.OnlineCount()))
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("daemon: API listening on %s", d.server.Addr)
		if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return d.Shutdown()
	case err := <-errCh:
		d.Shutdown()
		return err
	}
}

// Shutdown stops the HTTP server and tears down all components.
func (d *Daemon) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := d.server.Shutdown(ctx)
	if d.stopCache != nil {
		d.stopCache()
	}
	if d.earn != nil {
		d.earn.Close()
	}
	d.tracker.Close()
	d.hub.Close()
	if cerr := d.store.Close(); err == nil {
		err = cerr
	}
	return err
}
