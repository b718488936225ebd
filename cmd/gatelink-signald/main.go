package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/gatelink/gatelink/internal/server"
)

func main() {
	var (
		addr    string
		dsn     string
		envFile string
	)
	flag.StringVar(&addr, "addr", ":7000", "listen address")
	flag.StringVar(&dsn, "dsn", "", "postgres DSN for chat persistence (empty disables persistence)")
	flag.StringVar(&envFile, "env", "", "path to a .env file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			logger.Fatal("failed to load env file", zap.Error(err))
		}
	} else {
		_ = godotenv.Load()
	}
	if v := os.Getenv("GATELINK_LISTEN_ADDR"); v != "" {
		addr = v
	}
	if v := os.Getenv("GATELINK_DATABASE_DSN"); v != "" {
		dsn = v
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store *server.MessageStore
	if dsn != "" {
		openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		store, err = server.OpenMessageStore(openCtx, dsn, logger)
		cancel()
		if err != nil {
			logger.Fatal("failed to open message store", zap.Error(err))
		}
		defer store.Close()
	} else {
		logger.Warn("no DSN configured, chat persistence disabled")
	}

	hub := server.NewHub(store, logger)
	go hub.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           server.New(hub, store, logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("signaling server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", zap.Error(err))
	}
}
