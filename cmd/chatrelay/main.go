package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chatrelay/chatrelay/internal/chat/permission"
	"github.com/chatrelay/chatrelay/internal/chat/relay"
	"github.com/chatrelay/chatrelay/internal/chat/session"
	"github.com/chatrelay/chatrelay/internal/chat/streaming"
	"github.com/chatrelay/chatrelay/internal/common/config"
	"github.com/chatrelay/chatrelay/internal/common/database"
	"github.com/chatrelay/chatrelay/internal/common/logger"
	"github.com/chatrelay/chatrelay/internal/events/bus"
	"github.com/chatrelay/chatrelay/pkg/agentcli"
	"github.com/chatrelay/chatrelay/pkg/anthropic"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting chatrelay service...")

	// 3. Root context cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 5. Session store
	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to open session store", zap.Error(err))
	}
	defer store.Close()
	log.Info("Session store ready", zap.String("driver", cfg.Store.Driver))

	// 6. Upstream: agent CLI when installed, direct Anthropic API otherwise
	var upstream relay.Upstream
	runner, err := agentcli.NewRunner(agentcli.Options{
		CLIPath:          cfg.Agent.CLIPath,
		Model:            cfg.Agent.Model,
		PermissionMode:   cfg.Agent.PermissionMode,
		WorkingDirectory: cfg.Agent.WorkingDirectory,
	}, log)
	if err != nil {
		log.Warn("Agent CLI unavailable, falling back to direct Anthropic API", zap.Error(err))
		creds, cerr := agentcli.ResolveCredentials()
		if cerr != nil {
			log.Fatal("No agent CLI and no API credentials", zap.Error(cerr))
		}
		upstream = relay.NewAnthropicUpstream(anthropic.NewClient(anthropic.Options{
			APIKey:  creds.APIKey,
			BaseURL: creds.BaseURL,
			Model:   cfg.Agent.Model,
		}, log))
		log.Info("Direct Anthropic API upstream ready", zap.String("credential_source", creds.Source))
	} else {
		upstream = relay.NewRunnerUpstream(runner)
	}

	// 7. Permission coordinator with background sweeper
	coordinator := permission.NewCoordinator(cfg.Permission.Timeout(), log)

	// 8. WebSocket mirror hub
	hub := streaming.NewHub(log)

	// 9. Relay service and HTTP routes
	svc := relay.NewService(store, coordinator, upstream, hub, eventBus, log)
	handler := relay.NewHandler(svc, hub, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(relay.Recovery(log))
	router.Use(relay.RequestLogger(log))
	router.Use(relay.ErrorHandler(log))
	router.Use(relay.CORS())
	relay.SetupRoutes(router, handler)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 10. Run everything until the context ends
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		coordinator.Run(gctx, cfg.Permission.SweepInterval())
		return nil
	})
	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("Service exited with error", zap.Error(err))
	}
	log.Info("chatrelay service stopped")
}

// openStore selects the session store implementation from configuration.
func openStore(ctx context.Context, cfg *config.Config) (session.Store, error) {
	switch cfg.Store.Driver {
	case "", "memory":
		return session.NewMemoryStore(cfg.Store.MaxPerSession), nil
	case "sqlite":
		return session.NewSQLiteStore(cfg.Store.SQLitePath)
	case "postgres":
		db, err := database.NewDB(ctx, cfg.Store)
		if err != nil {
			return nil, err
		}
		return session.NewPostgresStore(ctx, db)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
