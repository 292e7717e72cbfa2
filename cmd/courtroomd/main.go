package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/verdictlab/courtroom/internal/archive"
	"github.com/verdictlab/courtroom/internal/config"
	"github.com/verdictlab/courtroom/internal/gateway"
	"github.com/verdictlab/courtroom/internal/store/natskv"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg := config.FromEnv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to the shared store substrate
	kvCfg := natskv.DefaultConfig()
	kvCfg.URL = cfg.Gateway.NATSURL
	kvCfg.Bucket = cfg.Gateway.KVBucket
	st, err := natskv.Connect(ctx, kvCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to shared store")
	}
	defer st.Close(context.Background())

	// Round archive is optional; the gateway runs fine without it
	var rounds gateway.RoundLister
	if cfg.Gateway.DatabaseURL != "" {
		db, err := archive.Open(ctx, cfg.Gateway.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open round archive")
		}
		defer db.Close()
		rounds = archive.NewRepository(db)
	} else {
		log.Info().Msg("DATABASE_URL not set, round archive disabled")
	}

	log.Info().
		Str("nats_url", cfg.Gateway.NATSURL).
		Str("bucket", cfg.Gateway.KVBucket).
		Str("port", cfg.Gateway.Port).
		Msg("starting courtroom gateway")

	cm := gateway.NewConnectionManager(gateway.DefaultConnectionConfig())
	relay := gateway.NewRelay(st, cm)
	defer relay.Close()

	go cm.Start(ctx)

	server := setupServer(cfg.Gateway.Port, gateway.NewHandler(cm, relay, rounds))

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	cancel()
	log.Info().Msg("courtroom gateway shutdown complete")
}

func setupServer(port string, h *gateway.Handler) *http.Server {
	// Setup CORS middleware
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	handler := c.Handler(h.Routes())

	return &http.Server{
		Addr:    fmt.Sprintf(":%s", port),
		Handler: h2c.NewHandler(handler, &http2.Server{}),
	}
}
