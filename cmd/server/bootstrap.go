package main

import (
	"context"
	"time"

	"github.com/huangang/vibecoding/internal/broadcast"
	"github.com/huangang/vibecoding/internal/config"
	"github.com/huangang/vibecoding/internal/handlers"
	"github.com/huangang/vibecoding/internal/livesync"
	"github.com/huangang/vibecoding/internal/middleware"
	"github.com/huangang/vibecoding/internal/models"
	"github.com/huangang/vibecoding/internal/permission"
	"github.com/huangang/vibecoding/internal/services"
	"github.com/huangang/vibecoding/internal/utils"
	"github.com/huangang/vibecoding/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const (
	sweepSchedule = "@every 1m"
	pingTimeout   = 3 * time.Second
)

// appServices holds all initialized services and handlers needed by the application.
type appServices struct {
	bus       broadcast.Bus
	busKind   string
	taskQueue services.TaskQueue
	worker    *services.Worker
	registry  *livesync.Registry
	limiter   *middleware.RateLimiter

	healthHandler    *handlers.HealthHandler
	projectHandler   *handlers.ProjectHandler
	memberHandler    *handlers.MemberHandler
	sessionHandler   *handlers.SessionHandler
	architectHandler *handlers.ArchitectHandler
}

// bootstrap initializes all application dependencies: database, bus, queue,
// services and the session registry.
func bootstrap(cfg *config.Config) *appServices {
	utils.SetJWTSecret(cfg.JWT.Secret)

	if err := models.InitDB(&cfg.Database, cfg.Server.Mode == "debug"); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	if err := models.AutoMigrate(); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}
	db := models.GetDB()

	bus, busKind := newBus(&cfg.Redis)

	// Invitation notifications go through asynq when Redis is enabled, in-process otherwise
	var notifier services.Notifier = services.LogNotifier{}
	if cfg.Email.Enabled {
		notifier = services.NewEmailNotifier(cfg.Email)
	}
	processor := services.InviteProcessor(notifier)
	taskQueue := services.NewTaskQueue(&cfg.Redis)
	if syncQueue, ok := taskQueue.(*services.SyncQueue); ok {
		syncQueue.SetProcessor(processor)
	}
	var worker *services.Worker
	if taskQueue.IsAsync() {
		worker = services.NewWorker(&cfg.Redis)
		worker.SetProcessor(processor)
		if err := worker.Start(); err != nil {
			logger.Error().Err(err).Msg("Failed to start worker")
		}
	}

	authority := permission.NewAuthority(policyFromConfig(&cfg.Policy))
	files := services.NewFileService(db, bus, authority)
	members := services.NewMemberService(db, authority, taskQueue)
	history := services.NewHistoryService(db)
	projects := services.NewProjectService(db)
	llm := services.NewLLMService(&cfg.LLM)
	architect := services.NewArchitectService(files, members, history, llm, authority, cfg.Sync.HistoryWindow)

	registry := livesync.NewRegistry(files, bus, authority,
		livesync.Options{Debounce: time.Duration(cfg.Sync.DebounceMS) * time.Millisecond},
		time.Duration(cfg.Sync.SessionIdleMinutes)*time.Minute,
	)
	if err := registry.StartSweeper(sweepSchedule); err != nil {
		logger.Fatalf("Failed to schedule session sweeper: %v", err)
	}

	return &appServices{
		bus:              bus,
		busKind:          busKind,
		taskQueue:        taskQueue,
		worker:           worker,
		registry:         registry,
		limiter:          middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		healthHandler:    handlers.NewHealthHandler(db, taskQueue, registry, busKind),
		projectHandler:   handlers.NewProjectHandler(projects, history, cfg.Sync.HistoryWindow),
		memberHandler:    handlers.NewMemberHandler(members),
		sessionHandler:   handlers.NewSessionHandler(registry, members, projects),
		architectHandler: handlers.NewArchitectHandler(architect),
	}
}

// newBus connects the Redis bus when enabled and reachable, otherwise it
// falls back to the in-process bus.
func newBus(cfg *config.RedisConfig) (broadcast.Bus, string) {
	if !cfg.Enabled {
		logger.Infof("[Broadcast] In-process bus (Redis disabled)")
		return broadcast.NewMemoryBus(), "memory"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	bus := broadcast.NewRedisBus(rdb)
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := bus.Ping(ctx); err != nil {
		logger.Warn().Err(err).Msg("[Broadcast] Redis unavailable, falling back to in-process bus")
		bus.Close()
		return broadcast.NewMemoryBus(), "memory"
	}
	logger.Infof("[Broadcast] Redis bus connected at %s", cfg.Addr)
	return bus, "redis"
}

func policyFromConfig(cfg *config.PolicyConfig) permission.Policy {
	if len(cfg.DeniedPrefixes) == 0 {
		return permission.DefaultPolicy()
	}
	policy := permission.Policy{DeniedPrefixes: make(map[permission.Role][]string)}
	for name, prefixes := range cfg.DeniedPrefixes {
		role, err := permission.ParseRole(name)
		if err != nil {
			logger.Warn().Str("role", name).Msg("Ignoring path policy for unknown role")
			continue
		}
		policy.DeniedPrefixes[role] = prefixes
	}
	return policy
}

// shutdown gracefully stops all services.
func (s *appServices) shutdown() {
	s.limiter.Stop()
	if s.worker != nil {
		s.worker.Stop()
	}
	if s.taskQueue != nil {
		s.taskQueue.Close()
	}
	if err := s.bus.Close(); err != nil {
		logger.Warn().Err(err).Msg("Failed to close broadcast bus")
	}
	logger.Info().Msg("All services stopped")
}
