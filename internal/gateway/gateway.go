package gateway

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/stellarlinkco/gatebot/internal/config"
	"github.com/stellarlinkco/gatebot/internal/cron"
	"github.com/stellarlinkco/gatebot/internal/engine"
	"github.com/stellarlinkco/gatebot/internal/events"
	"github.com/stellarlinkco/gatebot/internal/store"
	"github.com/stellarlinkco/gatebot/internal/telegram"
)

const sweepJobName = "sweep"

// Options for creating a Gateway
type Options struct {
	BotFactory telegram.BotFactory
	// Publisher overrides the publisher built from the events config.
	Publisher  events.Publisher
	SignalChan chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg        *config.Config
	store      store.Store
	events     events.Publisher
	cron       *cron.Service
	engine     *engine.Engine
	handler    *telegram.Handler
	signalChan chan os.Signal // for testing
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &Gateway{cfg: cfg, signalChan: opts.SignalChan}

	st, err := store.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	g.store = st

	g.events = opts.Publisher
	if g.events == nil {
		g.events, err = newPublisher(cfg.Events)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	bot, err := telegram.Connect(opts.BotFactory, cfg.Telegram.Token, cfg.Telegram.Proxy)
	if err != nil {
		_ = g.events.Close()
		_ = st.Close()
		return nil, err
	}
	log.Printf("[telegram] authorized as @%s", bot.GetSelf().UserName)
	client := telegram.NewClient(bot)

	g.cron = cron.NewService()
	g.engine = engine.New(engine.Deps{
		Catalog:   st,
		Querier:   client,
		Messenger: client,
		Scheduler: g.cron,
		Events:    g.events,
	}, engine.Options{
		PollInterval: cfg.Gate.Interval(),
		AttemptLimit: cfg.Gate.AttemptLimit,
	})

	g.handler = telegram.NewHandler(bot, g.engine, st, g.events, g.engine.Sessions(), telegram.HandlerConfig{
		SourceChannels: cfg.Telegram.SourceChannels,
		AdminIDs:       cfg.Telegram.AdminIDs,
		UpdateTimeout:  cfg.Telegram.UpdateTimeout,
	})

	return g, nil
}

func newPublisher(cfg config.EventsConfig) (events.Publisher, error) {
	if cfg.NATSURL == "" {
		return events.NoopPublisher{}, nil
	}
	pub, err := events.NewNATSPublisher(cfg.NATSURL)
	if err != nil {
		return nil, err
	}
	log.Printf("[gateway] publishing events to %s", cfg.NATSURL)
	return pub, nil
}

// sweep evicts retired sessions past the retention window.
func (g *Gateway) sweep() {
	if n := g.engine.Sessions().Sweep(g.cfg.Gate.Retention()); n > 0 {
		log.Printf("[gateway] swept %d retired sessions", n)
	}
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := g.cron.Start(ctx); err != nil {
		return fmt.Errorf("start cron: %w", err)
	}
	if err := g.cron.AddFunc(sweepJobName, g.cfg.Gate.SweepSchedule, g.sweep); err != nil {
		log.Printf("[gateway] sweep job warning: %v", err)
	}

	if err := g.handler.Start(ctx); err != nil {
		return fmt.Errorf("start telegram: %w", err)
	}

	log.Printf("[gateway] running (poll every %s, %d attempts, %s storage)",
		g.cfg.Gate.Interval(), g.cfg.Gate.AttemptLimit, g.cfg.Storage.Driver)

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

func (g *Gateway) Shutdown() error {
	_ = g.handler.Stop()
	g.cron.Stop()
	if err := g.events.Close(); err != nil {
		log.Printf("[gateway] close events warning: %v", err)
	}
	if err := g.store.Close(); err != nil {
		log.Printf("[gateway] close store warning: %v", err)
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}
