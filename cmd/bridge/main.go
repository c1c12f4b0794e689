package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"voicebridge/internal/agent"
	"voicebridge/internal/auth"
	"voicebridge/internal/cdr"
	"voicebridge/internal/config"
	"voicebridge/internal/dispatch"
	"voicebridge/internal/events"
	"voicebridge/internal/httpapi"
	"voicebridge/internal/orchestrator"
	"voicebridge/internal/room"
	"voicebridge/internal/session"
	"voicebridge/internal/sessionlog"
	"voicebridge/internal/trunk"
	"voicebridge/pkg/logger"
	"voicebridge/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	var rdb *redis.Client
	if cfg.Redis.Host != "" {
		rdb, err = utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
	}

	rules, err := dispatch.LoadRules(cfg.Dispatch.RulesPath)
	if err != nil {
		log.Error("dispatch rules load failed", "path", cfg.Dispatch.RulesPath, "err", err)
		os.Exit(1)
	}
	matcher := dispatch.NewMatcher(rules)
	log.Info("dispatch rules loaded", "path", cfg.Dispatch.RulesPath, "count", len(rules))

	registry := session.NewRegistry(cfg.Session.TerminalGrace)

	translog := sessionlog.NewService(sessionlog.NewPostgresRepo(db), log)
	records := cdr.NewService(cdr.NewPostgresRepo(db), log)

	var rooms room.Service
	switch cfg.Rooms.Provider {
	case "livekit":
		rooms, err = room.NewLiveKitService(cfg.Rooms.URL, cfg.Rooms.APIKey, cfg.Rooms.APISecret)
		if err != nil {
			log.Error("livekit init failed", "err", err)
			os.Exit(1)
		}
	default:
		rooms = room.NewMemoryService()
		log.Warn("using in-memory room provider")
	}

	runner, err := agent.NewExecRunner(strings.Fields(cfg.Agent.WorkerCommand), cfg.Agent.ReadyMarker, log)
	if err != nil {
		log.Error("agent runner init failed", "err", err)
		os.Exit(1)
	}

	var limiter orchestrator.TrunkLimiter = orchestrator.NoopLimiter{}
	if cfg.Session.MaxCallsPerTrunk > 0 {
		limiter = orchestrator.NewRedisTrunkLimiter(rdb, cfg.Session.MaxCallsPerTrunk, log)
	}

	// The trunk adapter, the dispatcher and the orchestrator reference each
	// other; the dispatcher pointer is late-bound through a SinkFunc.
	var disp *events.Dispatcher
	sink := trunk.SinkFunc(func(ctx context.Context, e events.Event) {
		disp.Deliver(ctx, e)
	})

	var commander trunk.Commander
	var sipTrunk *trunk.SIPTrunk
	var webhook *trunk.WebhookHandler
	switch cfg.Trunk.Provider {
	case "sip":
		sipTrunk, err = trunk.NewSIPTrunk(cfg.Trunk.SIPListenAddr, cfg.Trunk.MediaHost, cfg.Trunk.MediaPort, sink, log)
		if err != nil {
			log.Error("sip trunk init failed", "err", err)
			os.Exit(1)
		}
		commander = sipTrunk
	case "http":
		commander, err = trunk.NewHTTPCommander(cfg.Trunk.GatewayURL, log)
		if err != nil {
			log.Error("trunk gateway init failed", "err", err)
			os.Exit(1)
		}
		webhook = trunk.NewWebhookHandler(sink)
	}

	supervisor := agent.NewSupervisor(runner, func(n agent.Notification) {
		disp.Deliver(rootCtx, events.FromAgentNotification(n))
	}, log)

	orch := orchestrator.New(orchestrator.Deps{
		Registry: registry,
		Matcher:  matcher,
		Rooms:    rooms,
		Agents:   supervisor,
		Trunk:    commander,
		Limiter:  limiter,
		Translog: translog,
		Records:  records,
		Timeouts: orchestrator.Timeouts{
			RoomCreate: cfg.Session.RoomCreateTimeout,
			AgentReady: cfg.Session.AgentReadyTimeout,
			Teardown:   cfg.Session.TeardownTimeout,
		},
		Log: log,
	})

	disp = events.NewDispatcher(orch, registry, log)
	orch.Bind(disp)
	registry.SetRemoveHook(disp.Release)
	registry.StartSweeper(rootCtx)

	if sipTrunk != nil {
		go func() {
			if err := sipTrunk.Serve(rootCtx); err != nil {
				log.Error("sip trunk failed", "err", err)
				stop()
			}
		}()
		defer sipTrunk.Close()
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	handlers := httpapi.Handlers{
		Auth:     authManager,
		Registry: registry,
		Orch:     orch,
		Matcher:  matcher,
		Translog: translog,
		Records:  records,
	}
	registerRoutes(r, handlers, auth.RequireAccessToken(authManager), webhook)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("bridge listening", "addr", srv.Addr, "env", cfg.App.Env, "trunk", cfg.Trunk.Provider, "rooms", cfg.Rooms.Provider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}
