package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-plt-workflows/internal/client"
	"github.com/pesio-ai/be-plt-workflows/internal/common/config"
	"github.com/pesio-ai/be-plt-workflows/internal/common/database"
	"github.com/pesio-ai/be-plt-workflows/internal/common/logger"
	natsclient "github.com/pesio-ai/be-plt-workflows/internal/common/nats"
	"github.com/pesio-ai/be-plt-workflows/internal/handler"
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
	"github.com/pesio-ai/be-plt-workflows/internal/repository/memory"
	"github.com/pesio-ai/be-plt-workflows/internal/service"
	"github.com/pesio-ai/be-plt-workflows/internal/tracing"
)

// ruleStore is a RuleStore that can also be seeded.
type ruleStore interface {
	service.RuleStore
	ReplaceActive(ctx context.Context, rule *repository.WorkflowRule) error
}

// stores bundles the backing stores selected by DB_DRIVER.
type stores struct {
	rules         ruleStore
	workflows     service.WorkflowStore
	approvals     service.ApprovalStore
	notifications service.NotificationStore
	pinger        handler.Pinger
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Workflows Service")

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    cfg.Service.Name,
		ServiceVersion: cfg.Service.Version,
		Stdout:         cfg.Tracing.Stdout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize tracing")
	}

	// Initialize stores
	st, closeStores := openStores(ctx, cfg, log)
	defer closeStores()

	if cfg.Rules.File != "" {
		if err := seedRules(ctx, cfg.Rules.File, st, log); err != nil {
			log.Fatal().Err(err).Str("file", cfg.Rules.File).Msg("Failed to load workflow rules")
		}
	}

	// Push channels: WebSocket hub plus optional NATS
	hub := client.NewHub(log.Component("ws_hub").Logger)
	channels := []client.PushChannel{hub}

	if cfg.NATS.URL != "" {
		nc, err := natsclient.Connect(cfg.NATS.URL, cfg.Service.Name)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer nc.Close()

		natsPush := client.NewNATSPush(nc, cfg.NATS.SubjectPrefix, log.Component("nats_push").Logger)
		channels = append(channels, client.NewBreakerPush(natsPush, client.DefaultBreakerConfig("nats"), log.Logger))
		log.Info().Str("url", cfg.NATS.URL).Str("subject_prefix", cfg.NATS.SubjectPrefix).Msg("NATS push enabled")
	}
	push := client.NewFanoutPush(channels...)

	// Optional Redis rule cache
	var ruleCache service.RuleCache
	if cfg.Redis.Addr != "" {
		rdb, err := client.ConnectRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer rdb.Close()

		cache := client.NewRedisRuleCache(rdb, cfg.Redis.RuleTTL)
		if cfg.Rules.File != "" {
			invalidateSeeded(ctx, cfg.Rules.File, cache, log)
		}
		ruleCache = cache
		log.Info().Str("addr", cfg.Redis.Addr).Dur("ttl", cfg.Redis.RuleTTL).Msg("Redis rule cache enabled")
	}

	// Initialize services
	clock := service.SystemClock{}
	resolver := service.NewRuleResolver(st.rules, ruleCache, log)
	notifier := service.NewNotifier(st.notifications, push, clock, log)
	ledger := service.NewApprovalLedger(st.approvals, clock)
	workflowService := service.NewWorkflowService(resolver, st.workflows, ledger, notifier, clock, log)

	scheduler := service.NewEscalationScheduler(st.workflows, resolver, notifier, clock, service.EscalationConfig{
		Interval:      cfg.Escalation.Interval,
		RatePerSecond: cfg.Escalation.RatePerSecond,
		Burst:         cfg.Escalation.Burst,
	}, log)
	if cfg.Escalation.Enabled {
		scheduler.Start(ctx)
	}

	// Ops HTTP server: health, metrics, WebSocket push
	httpHandler := handler.NewHTTPHandler(st.pinger, hub, log.Component("http").Logger)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Start gRPC server
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		handler.UnaryRecovery(log.Logger),
		handler.UnaryLogging(log.Component("grpc").Logger),
	))
	handler.RegisterWorkflowServiceServer(grpcServer, handler.NewGRPCHandler(workflowService, log.Logger))
	reflection.Register(grpcServer) // Enable reflection for debugging

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.GRPC.Port).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	scheduler.Stop()
	hub.Broadcast(shutdownCtx, map[string]any{"event": "server_shutdown"})

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	hub.Close()

	// Stop gRPC server gracefully
	grpcServer.GracefulStop()

	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Tracer shutdown failed")
	}

	log.Info().Msg("Server stopped")
}

func openStores(ctx context.Context, cfg *config.Config, log *logger.Logger) (*stores, func()) {
	if cfg.Database.Driver == "memory" {
		log.Warn().Msg("Using in-memory store; data is lost on restart")
		mem := memory.New()
		return &stores{
			rules:         mem.Rules(),
			workflows:     mem.Workflows(),
			approvals:     mem.Approvals(),
			notifications: mem.Notifications(),
		}, func() {}
	}

	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	log.Info().Msg("Database connection established")

	if cfg.Database.AutoMigrate {
		if err := repository.Migrate(ctx, db); err != nil {
			log.Fatal().Err(err).Msg("Failed to migrate database")
		}
		log.Info().Msg("Database schema applied")
	}

	return &stores{
		rules:         repository.NewRuleRepository(db),
		workflows:     repository.NewWorkflowRepository(db),
		approvals:     repository.NewApprovalRepository(db),
		notifications: repository.NewNotificationRepository(db),
		pinger:        db,
	}, db.Close
}

// seedRules makes every rule in the file the active rule of its
// organization and type.
func seedRules(ctx context.Context, path string, st *stores, log *logger.Logger) error {
	rules, err := repository.LoadRulesFile(path)
	if err != nil {
		return err
	}
	for _, rule := range rules {
		if repeated := rule.RepeatedApprovers(); len(repeated) > 0 {
			log.Warn().
				Str("organization_id", rule.OrganizationID).
				Str("type", string(rule.Type)).
				Strs("approvers", repeated).
				Msg("Approvers listed on several levels only act on their first level")
		}
		if err := st.rules.ReplaceActive(ctx, rule); err != nil {
			return err
		}
	}
	return nil
}

func invalidateSeeded(ctx context.Context, path string, cache *client.RedisRuleCache, log *logger.Logger) {
	rules, err := repository.LoadRulesFile(path)
	if err != nil {
		return
	}
	for _, rule := range rules {
		if err := cache.Invalidate(ctx, rule.OrganizationID, rule.Type); err != nil {
			log.Warn().Err(err).Str("organization_id", rule.OrganizationID).Msg("Failed to invalidate cached rule")
		}
	}
}
