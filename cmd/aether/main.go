// Command aether runs the Aether kernel: a single process hosting the
// EventBus, StateStore, ProcessTable, AgentLoop, ToolHost, AuthService,
// PolicyEngine, Scheduler, WebhookDispatcher, AuditLogger, and the
// WebSocket protocol gateway that exposes them to clients.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aether-run/aether/internal/acl"
	"github.com/aether-run/aether/internal/agentloop"
	"github.com/aether-run/aether/internal/audit"
	"github.com/aether-run/aether/internal/auth"
	"github.com/aether-run/aether/internal/common/config"
	"github.com/aether-run/aether/internal/common/logger"
	bus "github.com/aether-run/aether/internal/eventbus"
	gatewayws "github.com/aether-run/aether/internal/gateway/websocket"
	"github.com/aether-run/aether/internal/process"
	"github.com/aether-run/aether/internal/scheduler"
	"github.com/aether-run/aether/internal/statestore"
	"github.com/aether-run/aether/internal/toolhost"
	"github.com/aether-run/aether/internal/webhook"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)
	defer log.Sync()

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory, or NATS if configured)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("connecting to NATS", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		defer natsBus.Close()
		log.Info("connected to NATS event bus")
	} else {
		log.Info("using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// ============================================
	// STATE STORE
	// ============================================
	log.Info("initializing state store")
	store, err := statestore.Open(cfg, eventBus, log)
	if err != nil {
		log.Fatal("failed to open state store", zap.Error(err))
	}
	defer store.Close()

	// ============================================
	// PROCESS TABLE
	// ============================================
	processTable := process.NewTable(eventBus, log, cfg.Scheduler.ZombieGraceSeconds)
	processTable.StartReaper(ctx, cfg.Scheduler.ReaperIntervalDuration())

	// ============================================
	// AUTH + POLICY ENGINE
	// ============================================
	authSvc := auth.New(store, cfg, log)

	ownerLookup := newOwnerLookup(store, processTable)
	policyEngine := acl.New(store, ownerLookup, log)

	// ============================================
	// TOOL HOST
	// ============================================
	homeDir := os.Getenv("AETHER_AGENT_HOME")
	if homeDir == "" {
		homeDir = "./agent-home"
	}
	tools := toolhost.New(policyEngine.Checker(ctx), log)
	toolhost.RegisterBuiltins(tools, store, processTable, eventBus, homeDir, cfg.Memory.CapPerLayer)

	// ============================================
	// AGENT LOOP
	// ============================================
	chatStep := newStubChatStep(log)
	loop := agentloop.New(processTable, tools, eventBus, chatStep, log, cfg.Process.MaxSteps)

	// spawner is the single place SpawnSpec/AgentConfig are wired to a
	// running supervised agent; the cron/trigger drivers and the inbound
	// webhook handler all spawn through it.
	spawner := newSpawner(processTable, loop)

	// ============================================
	// SCHEDULER (CronDriver + TriggerDriver)
	// ============================================
	cronDriver := scheduler.NewCronDriver(store, spawner, cfg.Scheduler.CronPollIntervalDuration(), log)
	cronDriver.Start(ctx)

	triggerDriver := scheduler.NewTriggerDriver(store, eventBus, spawner, log)
	if err := triggerDriver.Start(); err != nil {
		log.Fatal("failed to start trigger driver", zap.Error(err))
	}
	defer triggerDriver.Stop()

	// ============================================
	// WEBHOOK DISPATCHER
	// ============================================
	backoffBase := time.Duration(cfg.Webhook.BackoffBaseMs) * time.Millisecond
	webhookDispatcher := webhook.New(store, eventBus, backoffBase, log)
	if err := webhookDispatcher.Start(); err != nil {
		log.Fatal("failed to start webhook dispatcher", zap.Error(err))
	}
	defer webhookDispatcher.Stop()

	inboundWebhooks := webhook.NewInboundHandler(store, spawner, log)

	// ============================================
	// AUDIT LOGGER
	// ============================================
	retention := time.Duration(cfg.Audit.RetentionDays) * 24 * time.Hour
	auditLogger := audit.New(store, eventBus, cfg.Audit.MaxFieldBytes, retention, log)
	if err := auditLogger.Start(); err != nil {
		log.Fatal("failed to start audit logger", zap.Error(err))
	}
	defer auditLogger.Stop()

	// ============================================
	// WEBSOCKET GATEWAY
	// ============================================
	log.Info("initializing websocket gateway")
	gateway := gatewayws.NewGateway(eventBus, authSvc.VerifyToken, log)

	gatewayws.RegisterAuthHandlers(gateway.Dispatcher, authSvc)
	gatewayws.RegisterProcessHandlers(gateway.Dispatcher, processTable, loop)
	gatewayws.RegisterProcessHistoryHandler(gateway.Dispatcher, store, processTable)
	gatewayws.RegisterToolHandlers(gateway.Dispatcher, tools, store)
	gatewayws.RegisterSchedulerHandlers(gateway.Dispatcher, store)
	gatewayws.RegisterWebhookHandlers(gateway.Dispatcher, store, webhookDispatcher)
	gatewayws.RegisterAdminHandlers(gateway.Dispatcher, store)
	gatewayws.RegisterBrowserForwardHandler(gateway.Dispatcher)
	gatewayws.RegisterClusterHandler(gateway.Dispatcher)
	log.Info("registered gateway command handlers")

	go gateway.Hub.Run(ctx)

	// ============================================
	// HTTP SERVER
	// ============================================
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	gateway.SetupRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "aether"})
	})

	router.POST("/hook/*token", gin.WrapH(inboundWebhooks))

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("kernel listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server", zap.Error(err))
		}
	}()

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	log.Info("kernel stopped")
}

// newSpawner adapts ProcessTable.Spawn + AgentLoop.Run into a
// scheduler.Spawner, so the cron driver, the trigger driver, and the
// inbound webhook handler all start agents the same way process.spawn
// does over the WebSocket gateway.
func newSpawner(tbl *process.Table, loop *agentloop.Loop) scheduler.Spawner {
	return func(ctx context.Context, cfg *scheduler.AgentConfig) (*process.Process, error) {
		p, err := tbl.Spawn(ctx, process.SpawnSpec{
			UID:  cfg.OwnerUID,
			Name: cfg.Name,
			Role: cfg.Role,
			Goal: cfg.Goal,
			Env:  cfg.Env,
		})
		if err != nil {
			return nil, err
		}
		go loop.Run(context.Background(), p, cfg.SystemPrompt)
		return p, nil
	}
}

// newOwnerLookup resolves acl.OwnerLookup by resource kind. Resources
// addressed by kind ("process:9", "cron:<id>", "webhook:<id>") are
// checked against their owning record; any other "kind:id" resource
// compares its id part with the subject, and a resource with no kind is
// treated as a bare agent/user identifier and compared for equality,
// which covers the fs/mem/plan tool calls that pass the target agent's
// uid directly as the resource string.
func newOwnerLookup(store *statestore.Store, tbl *process.Table) acl.OwnerLookup {
	return func(ctx context.Context, subject, resource string) bool {
		subj := strings.TrimPrefix(subject, "user:")
		kind, id, hasKind := strings.Cut(resource, ":")
		if !hasKind {
			return resource == subj
		}
		switch kind {
		case "process":
			pid, err := strconv.ParseInt(id, 10, 64)
			if err != nil {
				return false
			}
			p, err := tbl.Get(pid)
			return err == nil && p.UID == subj
		case "cron":
			job, err := store.GetCronJob(ctx, id)
			return err == nil && job.OwnerUID == subj
		case "webhook":
			hook, err := store.GetWebhook(ctx, id)
			return err == nil && hook.OwnerUID == subj
		default:
			return id == subj
		}
	}
}

// newStubChatStep returns a ChatStep that always ends the agent's run
// immediately. No LLM provider is wired into this deployment; a real
// provider integration satisfies agentloop.ChatStep the same way and
// replaces this at construction time in main.
func newStubChatStep(log *logger.Logger) agentloop.ChatStepFunc {
	return func(ctx context.Context, messages []agentloop.Message, tools []agentloop.ToolDescriptor) (agentloop.ChatResult, error) {
		log.Warn("no chat provider configured, ending run immediately")
		return agentloop.ChatResult{
			Content:  "no chat provider configured",
			Terminal: true,
		}, nil
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
