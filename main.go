package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/blaketurner-numberedge/ai-content-studio/internal/analytics"
	"github.com/blaketurner-numberedge/ai-content-studio/internal/config"
	"github.com/blaketurner-numberedge/ai-content-studio/internal/generation"
	httpapi "github.com/blaketurner-numberedge/ai-content-studio/internal/http"
	"github.com/blaketurner-numberedge/ai-content-studio/internal/ledger"
	"github.com/blaketurner-numberedge/ai-content-studio/internal/metering"
	"github.com/blaketurner-numberedge/ai-content-studio/internal/metrics"
	"github.com/blaketurner-numberedge/ai-content-studio/internal/payments"
	"github.com/blaketurner-numberedge/ai-content-studio/internal/pricing"
	"github.com/blaketurner-numberedge/ai-content-studio/internal/storage"
)

func main() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			log.Printf("load .env failed: %v", err)
		}
	} else if err != nil && !os.IsNotExist(err) {
		log.Printf("stat .env failed: %v", err)
	}

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kv, err := storage.Open(ctx, storage.Options{
		Driver:      cfg.StoreDriver,
		DataDir:     cfg.DataDir,
		SQLitePath:  cfg.SQLitePath,
		DatabaseURL: cfg.DatabaseURL,
	})
	if err != nil {
		log.Fatalf("open storage failed: %v", err)
	}
	defer kv.Close()

	table := pricing.Default()
	if cfg.PricingFile != "" {
		table, err = pricing.Load(cfg.PricingFile)
		if err != nil {
			log.Fatalf("load pricing catalog failed: %v", err)
		}
	}

	ldg := ledger.New(kv, cfg.StarterCredits)

	events := analytics.NewRecorder(kv, cfg.EventRetention)
	if err := events.Load(ctx); err != nil {
		log.Fatalf("replay event stream failed: %v", err)
	}

	m := metrics.New()
	gate := metering.NewGate(ldg, table, events, m)

	stripeClient := payments.NewStripeClient(cfg.StripeSecretKey, cfg.StripeWebhookSecret)
	pay := payments.NewService(kv, ldg, table, events, m, stripeClient, cfg.StripeCurrency)

	generator := generation.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.GenerationTimeoutDuration())

	server := httpapi.NewServer(cfg, ldg, table, gate, pay, events, generator, m)
	httpServer := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: server.Routes(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.ServerAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
}
