package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"snm/adinventory/activedirectory"
	"snm/adinventory/config"
	"snm/adinventory/database"
	"snm/adinventory/dell"
	"snm/adinventory/dhcp"
	"snm/adinventory/employees"
	"snm/adinventory/jobs"
	"snm/adinventory/probe"
	"snm/adinventory/syncer"
	"snm/adinventory/warranty"
	"snm/adinventory/web"
)

const (
	probeTimeout    = 30 * time.Second
	escalateTimeout = 60 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	envFile := flag.String("env", "settings.env", "environment file to load before reading the environment")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, cfg.DSN(), logger)
	if err != nil {
		logger.Fatal("connect inventory database", zap.Error(err))
	}
	defer db.Close()

	hr, err := employees.Connect(ctx, cfg.CorporeDSN(), logger)
	if err != nil {
		logger.Fatal("connect hr database", zap.Error(err))
	}
	defer hr.Close()

	directory := activedirectory.NewClient(cfg.LDAPURL(), cfg.ADBaseDN, cfg.ADUsername, cfg.ADPassword, cfg.ADPageSize, logger)
	vendor := dell.NewClient(cfg.DellBaseURL, cfg.DellClientID, cfg.DellClientSecret, logger)

	registry := jobs.NewRegistry()
	engine := warranty.NewEngine(db, vendor, registry, logger)

	reconciler := syncer.New(db, directory, logger)
	scheduler := syncer.NewScheduler(reconciler, cfg.SyncInterval, cfg.SyncRetryInterval, logger)
	go scheduler.Run(ctx)

	executor := probe.PowerShellExecutor(probeTimeout)
	var escalator probe.Executor
	if cfg.WinRMPassword != "" {
		escalator = probe.PsExecExecutor(cfg.WinRMUsername, cfg.WinRMPassword, escalateTimeout)
	}
	prober := probe.NewProber(executor, escalator, logger)
	fleet := probe.NewFleet(prober, db, registry, logger)

	server := web.NewServer(web.Deps{
		Store:       db,
		Directory:   directory,
		Vendor:      vendor,
		Engine:      engine,
		Syncer:      reconciler,
		Prober:      prober,
		Fleet:       fleet,
		DHCP:        dhcp.NewService(probe.RemotePowerShellExecutor(probeTimeout), logger),
		Employees:   hr,
		Linker:      employees.NewLinker(db, logger),
		Registry:    registry,
		Scheduler:   scheduler.Status,
		CORSOrigins: cfg.CORSOrigins,
	}, logger)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 15 * time.Minute,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	}()

	logger.Info("inventory backend listening", zap.String("addr", httpServer.Addr))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("http server", zap.Error(err))
	}
	logger.Info("stopped")
}

func buildLogger(level string) (*zap.Logger, error) {
	atomic := zap.NewAtomicLevel()
	if level == "" {
		atomic.SetLevel(zapcore.InfoLevel)
	} else if err := atomic.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = atomic
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	return cfg.Build()
}
