package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	flag "github.com/spf13/pflag"

	"github.com/openscrawl/scrawl/internal/api"
	"github.com/openscrawl/scrawl/internal/audit"
	"github.com/openscrawl/scrawl/internal/config"
	"github.com/openscrawl/scrawl/internal/room"
	"github.com/openscrawl/scrawl/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	addr := flag.String("addr", cfg.Addr, "listen address")
	historyLimit := flag.Int("history-limit", cfg.HistoryLimit, "maximum operations kept per room")
	retention := flag.Duration("room-retention", cfg.RoomRetention, "how long an empty room survives before reclamation")
	sweepInterval := flag.Duration("sweep-interval", cfg.SweepInterval, "idle-room sweep period")
	auditDB := flag.String("audit-db", cfg.AuditDBPath, "sqlite path for the audit event sink (empty disables it)")
	debug := flag.Bool("debug", cfg.Debug, "verbose logging and gin debug mode")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if !*debug {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store *audit.Store
	if *auditDB != "" {
		store, err = audit.Open(*auditDB, logger)
		if err != nil {
			return fmt.Errorf("opening audit store: %w", err)
		}
		defer store.Close()
	}

	var recorder room.AuditRecorder
	if store != nil {
		recorder = store
	}
	directory := room.NewManager(room.Options{
		HistoryLimit:  *historyLimit,
		Retention:     *retention,
		SweepInterval: *sweepInterval,
		Recorder:      recorder,
		Logger:        logger,
	})
	go directory.Run(ctx)

	corsCfg := cors.Config{
		AllowMethods: []string{"GET", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}
	if len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(corsCfg))

	router.GET("/ws", ws.Handler(directory, logger))
	api.New(directory, store).Register(router)

	server := &http.Server{
		Addr:    *addr,
		Handler: router,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("scrawl server listening", "addr", *addr, "retention", *retention, "history_limit", *historyLimit)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
