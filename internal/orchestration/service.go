// Package orchestration wires the dashboard core together: agent registry,
// cache, scheduler, workflow engine, alert manager and notification
// channels. A Service owns one isolated instance of each; nothing is global.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bizmatters/market-dashboard/orchestrator/internal/agent"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/agents"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/alerts"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/cache"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/clock"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/config"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/metrics"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/notify"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/scheduler"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/store"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/workflow"
)

// Deps carries process-level collaborators. All fields are optional.
type Deps struct {
	Clock clock.Clock
	// Pool is reused for the postgres schedule store and readiness checks.
	Pool        *pgxpool.Pool
	Dispatch    *metrics.DispatchMetrics
	HTTPMetrics *metrics.HTTPMetrics
	Logger      *slog.Logger
}

// Service is one orchestration context.
type Service struct {
	Registry  *agent.Registry
	Cache     *cache.Cache
	Scheduler *scheduler.Scheduler
	Workflows *workflow.Engine
	Alerts    *alerts.Manager
	Notifier  *notify.Notifier
	Hub       *notify.Hub
	Agents    *agents.Set

	cfg     *config.Config
	pool    *pgxpool.Pool
	ownPool bool
	mirror  *cache.RedisMirror
	closers []func() error
	logger  *slog.Logger
}

// NewService builds every component from cfg. It does not start timers;
// call Start for that.
func NewService(ctx context.Context, cfg *config.Config, deps Deps) (*Service, error) {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Service{cfg: cfg, pool: deps.Pool, logger: deps.Logger.With("component", "orchestration")}

	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	var recorder agent.Recorder
	if deps.Dispatch != nil {
		recorder = deps.Dispatch
	}
	s.Registry = agent.NewRegistry(recorder, deps.Logger.With("component", "dispatcher"))

	if err := s.buildCache(cfg, deps); err != nil {
		return nil, err
	}

	schedStore, err := s.buildScheduleStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	schedCfg := scheduler.Config{
		Clock:        deps.Clock,
		Evaluator:    cfg.Scheduler.Evaluator,
		Store:        schedStore,
		HistoryLimit: cfg.Scheduler.HistoryLimit,
		FireTimeout:  cfg.Scheduler.FireTimeout,
		Logger:       deps.Logger,
	}
	if deps.Dispatch != nil {
		schedCfg.Recorder = deps.Dispatch
	}
	s.Scheduler = scheduler.New(s.Registry, schedCfg)

	s.buildNotifier(cfg, deps)

	set, err := agents.NewSet(s.Cache, agents.SetConfig{
		Market: s.upstream(cfg, "market-data", cfg.Providers.MarketDataURL, cfg.Providers.MarketDataAPIKey, nil),
		News:   s.upstream(cfg, "news", cfg.Providers.NewsURL, cfg.Providers.NewsAPIKey, nil),
		LLM:    s.upstream(cfg, "llm", cfg.Providers.LLMURL, "", bearer(cfg.Providers.LLMAPIKey)),
		Commentary: agents.CommentaryConfig{
			Model:     cfg.Providers.LLMModel,
			MaxTokens: cfg.Providers.LLMMaxTokens,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := set.Register(s.Registry); err != nil {
		return nil, err
	}
	s.Agents = set

	if err := s.buildWorkflows(cfg, deps); err != nil {
		return nil, err
	}

	alertCfg := alerts.Config{
		QuoteAgent:   agents.MarketAgent,
		QuoteAction:  "quote",
		Clock:        deps.Clock,
		Cooldown:     cfg.Alerts.Cooldown,
		HistoryLimit: cfg.Alerts.HistoryLimit,
		Logger:       deps.Logger,
	}
	if deps.Dispatch != nil {
		alertCfg.Recorder = deps.Dispatch
	}
	s.Alerts = alerts.NewManager(s.Registry, s.Notifier, alertCfg)

	s.logger.Info("orchestration service built",
		"agents", s.Registry.Names(),
		"workflows", s.Workflows.IDs(),
		"channels", s.Notifier.Channels(),
		"schedule_store", cfg.Database.ScheduleStore)
	ok = true
	return s, nil
}

func (s *Service) buildCache(cfg *config.Config, deps Deps) error {
	ttls := make(map[cache.Category]time.Duration, len(cfg.Cache.TTLs))
	for cat, ttl := range cfg.Cache.TTLs {
		ttls[cache.Category(cat)] = ttl
	}
	cacheCfg := cache.Config{
		MaxEntries:    cfg.Cache.MaxEntries,
		TTLs:          ttls,
		Clock:         deps.Clock,
		MirrorTimeout: cfg.Redis.MirrorTimeout,
		Logger:        deps.Logger,
	}
	if cfg.Redis.URL != "" {
		mirror, err := cache.NewRedisMirror(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("failed to set up cache mirror: %w", err)
		}
		s.mirror = mirror
		s.closers = append(s.closers, mirror.Close)
		cacheCfg.Mirror = mirror
	}
	s.Cache = cache.New(cacheCfg)
	if deps.HTTPMetrics != nil {
		deps.HTTPMetrics.MustRegister(cache.NewCollector(s.Cache, "dashboard"))
	}
	return nil
}

func (s *Service) buildScheduleStore(ctx context.Context, cfg *config.Config) (scheduler.Store, error) {
	switch cfg.Database.ScheduleStore {
	case config.StorePostgres:
		if s.pool == nil {
			pool, err := pgxpool.New(ctx, cfg.Database.URL)
			if err != nil {
				return nil, fmt.Errorf("failed to create database pool: %w", err)
			}
			s.pool = pool
			s.ownPool = true
		}
		st := store.NewPostgresScheduleStore(s.pool)
		if err := st.Init(ctx); err != nil {
			return nil, err
		}
		return st, nil
	case config.StoreSQLite:
		st, err := store.NewSQLiteScheduleStore(cfg.Database.SQLitePath)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, st.Close)
		return st, nil
	default:
		return scheduler.NewMemoryStore(), nil
	}
}

func (s *Service) buildNotifier(cfg *config.Config, deps Deps) {
	var observer notify.ConnObserver
	if deps.HTTPMetrics != nil {
		observer = deps.HTTPMetrics
	}
	s.Hub = notify.NewHub(observer, deps.Logger)
	s.Notifier = notify.NewNotifier(deps.Logger)
	s.Notifier.Register(notify.ChannelPush, notify.NewPushSender(s.Hub, "alert"), "")

	if cfg.SMTP.Host != "" {
		email, err := notify.NewEmailSender(notify.EmailConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			User:     cfg.SMTP.User,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		})
		if err != nil {
			s.logger.Warn("email channel disabled", "error", err)
		} else {
			s.Notifier.Register(notify.ChannelEmail, email, cfg.SMTP.DefaultTo)
		}
	}
	if cfg.SMS.GatewayURL != "" {
		sms := notify.NewSMSSender(cfg.SMS.GatewayURL, cfg.SMS.Path, cfg.SMS.APIKey, cfg.SMS.From, deps.Logger)
		s.Notifier.Register(notify.ChannelSMS, sms, cfg.SMS.DefaultTo)
	}
}

func (s *Service) buildWorkflows(cfg *config.Config, deps Deps) error {
	wfCfg := workflow.Config{
		Scheduler:    s.Scheduler,
		Caller:       s.upstream(cfg, "workflow-external", "", "", nil),
		Clock:        deps.Clock,
		HistoryLimit: cfg.Workflows.HistoryLimit,
		Logger:       deps.Logger,
	}
	if deps.Dispatch != nil {
		wfCfg.Recorder = deps.Dispatch
	}
	s.Workflows = workflow.NewEngine(s.Registry, wfCfg)

	if cfg.Workflows.Builtins {
		defs, err := workflow.Builtins()
		if err != nil {
			return fmt.Errorf("failed to load built-in workflows: %w", err)
		}
		if err := s.Workflows.RegisterAll(defs); err != nil {
			return err
		}
	}
	if cfg.Workflows.Dir != "" {
		defs, err := workflow.LoadDir(cfg.Workflows.Dir)
		if err != nil {
			return err
		}
		if err := s.Workflows.RegisterAll(defs); err != nil {
			return err
		}
	}

	wa, err := workflow.NewAgent(s.Workflows)
	if err != nil {
		return err
	}
	return s.Registry.Register(wa)
}

func (s *Service) upstream(cfg *config.Config, name, baseURL, apiKey string, headers map[string]string) *agent.HTTPClient {
	return agent.NewHTTPClient(agent.HTTPClientConfig{
		Name:             name,
		BaseURL:          baseURL,
		APIKey:           apiKey,
		Headers:          headers,
		Timeout:          cfg.Providers.Timeout,
		FailureThreshold: cfg.Providers.FailureThreshold,
		Logger:           s.logger,
	})
}

func bearer(token string) map[string]string {
	if token == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

// Start restores and arms schedules, schedules workflows that carry a cron
// when auto-scheduling is on, and starts the alert loop.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Scheduler.Start(ctx); err != nil {
		return err
	}

	if s.cfg.Workflows.AutoSchedule {
		for _, def := range s.Workflows.List() {
			if def.Schedule == "" {
				continue
			}
			st, err := s.Workflows.Status(def.ID)
			if err != nil || st.ScheduleID != "" {
				continue
			}
			if _, err := s.Workflows.Schedule(def.ID, ""); err != nil {
				s.logger.Warn("failed to auto-schedule workflow", "workflow_id", def.ID, "error", err)
			}
		}
	}

	if s.cfg.Alerts.CheckInterval > 0 {
		s.Alerts.Start(ctx, s.cfg.Alerts.CheckInterval)
	}
	s.logger.Info("orchestration service started")
	return nil
}

// Stop cancels timers and background loops. Schedules stay persisted.
func (s *Service) Stop() {
	if s.Alerts != nil {
		s.Alerts.Stop()
	}
	if s.Scheduler != nil {
		s.Scheduler.Stop()
	}
	if s.Hub != nil {
		s.Hub.Close()
	}
}

// Close stops the service and releases stores, the cache mirror and a pool
// the service opened itself.
func (s *Service) Close() error {
	s.Stop()
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	if s.ownPool && s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return errors.Join(errs...)
}

// Ready reports whether backing services are reachable.
func (s *Service) Ready(ctx context.Context) error {
	if s.pool != nil {
		if err := s.pool.Ping(ctx); err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
	}
	return nil
}
