package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"agora/abuse"
	"agora/config"
	"agora/escrow"
	"agora/guard"
	"agora/models"
	"agora/observability/logging"
	"agora/orchestrator"
	"agora/reputation"
	"agora/server"
	"agora/settlement"
	"agora/sweeper"
	"agora/vault"
	"agora/verify"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.SetupWithFile("agorad", cfg.Environment, logging.FileOptions{
		Path:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatalf("database connection error: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("auto migrate error: %v", err)
	}

	var limiterStore guard.CounterStore = guard.NewMemoryStore()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis url error: %v", err)
		}
		limiterStore = guard.NewRedisStore(redis.NewClient(opts))
	}

	network := settlement.NewRPCClient(cfg.SettlementRPCURL, cfg.SettlementRPCAuth)
	registry := verify.NewRegistry(verify.DefaultClient)
	rep := reputation.NewEngine(db)
	engine := escrow.NewEngine(db, network, registry, rep, cfg.CustodyWallet)
	engine.SetDefaultTTL(cfg.EscrowTTL())
	vaultGW := vault.NewGateway(db, cfg.VaultSecret)
	auditor := abuse.NewAuditor(db, logger)
	detector := abuse.NewDetector(db, auditor, logger)
	orch := orchestrator.New(db, engine, vaultGW, auditor, http.DefaultClient, logger)
	sw := sweeper.New(db, engine, vaultGW, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher := orchestrator.NewDispatcher(db, orch.Queue(), http.DefaultClient, logger)
	go dispatcher.Run(ctx)

	if cfg.SweepEnabled {
		scheduler := sweeper.NewScheduler(sweeper.SchedulerConfig{
			Sweeper:  sw,
			Interval: cfg.SweepInterval(),
			Logger:   logger,
		})
		go scheduler.Start(ctx)
	}

	srv := server.New(server.Options{
		DB:         db,
		Engine:     engine,
		Orch:       orch,
		Vault:      vaultGW,
		Reputation: rep,
		Sweeper:    sw,
		Detector:   detector,
		Auditor:    auditor,
		Limiter:    guard.NewRateLimiter(limiterStore, nil),
		Logger:     logger,
		OpsSecret:  cfg.OpsSecret,
		JWTSecret:  cfg.JWTSecret,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("starting agorad", "addr", cfg.ListenAddress, "env", cfg.Environment)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
	logger.Info("agorad stopped")
}
