package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/claimscore/claims-event-relay/internal/broker"
	"github.com/claimscore/claims-event-relay/internal/config"
	"github.com/claimscore/claims-event-relay/internal/consumer"
	"github.com/claimscore/claims-event-relay/internal/db"
	"github.com/claimscore/claims-event-relay/internal/dlq"
	"github.com/claimscore/claims-event-relay/internal/models"
	"github.com/claimscore/claims-event-relay/pkg/infra"
)

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Consumer initializing",
		"consumer_group", cfg.ConsumerGroup,
		"topics", cfg.ConsumerTopics,
	)

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("Fatal error connecting to Postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	// The DLQ retry processor needs its own publishing link to replay
	// messages to their original topics.
	publisher, err := broker.NewRabbitMQClient(cfg.BrokerURL, logger)
	if err != nil {
		logger.Error("Fatal error connecting to broker", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()

	ledgerRepo := db.NewLedgerRepository(pool)
	dlqRepo := db.NewDLQRepository(pool)
	readModelRepo := db.NewReadModelRepository(pool)

	dlqService := dlq.NewService(dlqRepo, publisher, dlq.Config{
		MaxRetries: cfg.DLQMaxRetries,
		Delays:     cfg.DLQRetryDelays,
		BatchSize:  cfg.DLQBatchSize,
	}, logger)
	dlqService.StartRetryProcessor(ctx, cfg.DLQRetryInterval)
	defer dlqService.Stop()

	projector := consumer.NewReadModelProjector(readModelRepo, logger)
	handler := consumer.NewIdempotentHandler(ledgerRepo, dlqService, projector.Apply, cfg.ConsumerGroup, logger)

	go startObservabilityServer(cfg.MetricsPort, dlqService, logger)

	connBackoff := infra.NewBackoff(1*time.Second, 60*time.Second, 2.0)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutdown signal received")
			return
		default:
			c, err := broker.NewRabbitMQConsumer(cfg.BrokerURL, cfg.ConsumerGroup, cfg.ConsumerTopics, logger)
			if err != nil {
				wait := connBackoff.Next()
				logger.Error("Broker connection failed, retrying", "wait", wait, "error", err)

				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
					continue
				}
			}

			connBackoff.Reset()
			logger.Info("Connected to broker, listening for events")

			if err := c.Listen(ctx, handler.Handle); err != nil {
				logger.Error("Consumer connection lost", "error", err)
			}

			c.Close()
		}
	}
}

// startObservabilityServer exposes prometheus metrics, liveness, and the
// DLQ operational surface (stats and manual resolution).
func startObservabilityServer(port string, dlqService *dlq.Service, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	mux.HandleFunc("GET /dlq/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := dlqService.Stats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	})

	mux.HandleFunc("POST /dlq/resolve", func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.URL.Query().Get("id"))
		if err != nil {
			http.Error(w, "invalid dlq id", http.StatusBadRequest)
			return
		}

		resolution := models.Resolution(r.URL.Query().Get("resolution"))
		if resolution != models.ResolutionManual && resolution != models.ResolutionAuto {
			resolution = models.ResolutionManual
		}

		if err := dlqService.Resolve(r.Context(), id, resolution); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger.Info("Observability server online", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Observability server failed", "error", err)
	}
}
