package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"api-governance-agent/internal/agent"
	"api-governance-agent/internal/api"
	"api-governance-agent/internal/appconfig"
	"api-governance-agent/internal/config"
	"api-governance-agent/internal/governance"
	"api-governance-agent/internal/listener"
	"api-governance-agent/internal/queue"
	"api-governance-agent/internal/scheduler"
	"api-governance-agent/internal/storage"
	"api-governance-agent/internal/transport"
)

const shutdownTimeout = 10 * time.Second

// App is the demo host service with the governance agent wired in.
type App struct {
	cfg       config.Config
	agent     *agent.Agent
	scheduler *scheduler.Scheduler
	store     *storage.Store
	handler   http.Handler
	log       zerolog.Logger
}

// New builds every component. Policy comes from the collector, or from
// Postgres when agent.policy_source is "postgres"; events always go to the
// collector.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (*App, error) {
	client, err := transport.New(transport.Options{
		BaseURL:       cfg.Agent.BaseURL,
		ApplicationID: cfg.Agent.ApplicationID,
		Timeout:       cfg.Agent.RequestTimeout,
	}, log)
	if err != nil {
		return nil, err
	}

	var (
		rulesSrc  governance.RuleSource = client
		configSrc appconfig.Source      = client
		store     *storage.Store
	)
	if cfg.Agent.PolicySource == config.PolicySourcePostgres {
		store, err = storage.New(ctx, cfg)
		if err != nil {
			return nil, err
		}
		rulesSrc, configSrc = store, store
	}

	eng := governance.NewEngine(rulesSrc, cfg.Agent.RulesStaleness, cfg.Agent.RefreshRetryInterval, log)
	cc := appconfig.NewCache(configSrc, cfg.Agent.ConfigStaleness, cfg.Agent.RefreshRetryInterval, log)
	q := queue.New(cfg.Agent.EventQueueSize, log)
	sup := queue.NewSupervisor(q, client, cc, queue.Options{
		BatchSize:      cfg.Agent.BatchSize,
		BatchMaxTime:   cfg.Agent.BatchMaxTime,
		StallThreshold: cfg.Agent.WorkerStallThreshold,
	}, log)

	opts := agent.DefaultOptions()
	opts.APIVersion = cfg.Agent.APIVersion
	opts.LogBody = cfg.Agent.LogBody
	opts.DisableTransactionID = cfg.Agent.DisableTransactionID
	opts.RefreshTimeout = cfg.Agent.RequestTimeout
	opts.Hooks = demoHooks()

	a := agent.New(agent.Deps{
		Rules:      eng,
		Config:     cc,
		Queue:      q,
		Supervisor: sup,
		Profiles:   client,
		Collector:  client,
	}, opts, log)

	upstream := &http.Client{
		Timeout:   cfg.Agent.RequestTimeout,
		Transport: a.RoundTripper(http.DefaultTransport),
	}

	return &App{
		cfg:       cfg,
		agent:     a,
		scheduler: scheduler.New(a, cfg.Agent.WatchdogSchedule, log),
		store:     store,
		handler:   api.Router(api.NewHandler(a, upstream, cfg.Server.QuoteURL)),
		log:       log,
	}, nil
}

// demoHooks identify callers of the demo API from plain request headers.
func demoHooks() agent.Hooks {
	return agent.Hooks{
		IdentifyUser:    func(x *agent.Exchange) string { return x.Request.Header.Get("X-User-Id") },
		IdentifyCompany: func(x *agent.Exchange) string { return x.Request.Header.Get("X-Company-Id") },
	}
}

func (a *App) Handler() http.Handler { return a.handler }

// Start loads policy, starts the batch worker and housekeeping, and in
// postgres mode listens for policy change notifications.
func (a *App) Start(ctx context.Context) error {
	loadCtx, cancel := context.WithTimeout(ctx, a.cfg.Agent.RequestTimeout)
	a.agent.Start(loadCtx)
	cancel()

	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}
	if a.store != nil {
		go listener.ListenAndRefresh(ctx, a.store.PgxPool(), a.agent, a.cfg.Listener.Channel, a.cfg.Backoff(), a.log)
	}
	return nil
}

// Shutdown stops housekeeping and flushes queued events until ctx expires.
func (a *App) Shutdown(ctx context.Context) error {
	a.scheduler.Stop()
	err := a.agent.Close(ctx)
	if a.store != nil {
		a.store.Close()
	}
	return err
}

func Run(cfg config.Config) {
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := New(rootCtx, cfg, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("init agent")
	}
	if err := app.Start(rootCtx); err != nil {
		log.Fatal().Err(err).Msg("start agent")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Str("policy_source", cfg.Agent.PolicySource).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server crashed")
		}
	}()

	waitForSignal()
	log.Info().Msg("shutdown...")

	shCtx, shCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shCancel()
	// drain in-flight requests first so their events are queued before the final flush
	_ = srv.Shutdown(shCtx)
	cancel()
	if err := app.Shutdown(shCtx); err != nil {
		log.Warn().Err(err).Msg("events left unsent at shutdown")
	}
}

func waitForSignal() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}
