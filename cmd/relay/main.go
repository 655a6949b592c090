package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/claimscore/claims-event-relay/internal/broker"
	"github.com/claimscore/claims-event-relay/internal/config"
	"github.com/claimscore/claims-event-relay/internal/db"
	"github.com/claimscore/claims-event-relay/internal/models"
	"github.com/claimscore/claims-event-relay/internal/relay"
	"github.com/claimscore/claims-event-relay/pkg/infra"
	"github.com/claimscore/claims-event-relay/pkg/metrics"
)

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Fatal error connecting to Postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	outboxRepo := db.NewOutboxRepository(pool)
	dlqRepo := db.NewDLQRepository(pool)

	backlogDone := make(chan struct{})
	go sampleBacklog(ctx, outboxRepo, dlqRepo, cfg.BacklogInterval, backlogDone)
	go serveMetrics(cfg.MetricsPort, newMetricsMux(outboxRepo))

	slog.Info("Outbox relay started", "pid", os.Getpid(), "poll_interval", cfg.PollInterval)

	runMainLoop(ctx, outboxRepo, cfg, backlogDone)
}

// runMainLoop owns the broker lifecycle: it (re)connects with jittered
// backoff, drains one batch per tick, and finishes the in-flight batch
// before shutting down. Unpublished rows stay pending, never ambiguous.
func runMainLoop(ctx context.Context, repo *db.OutboxRepository, cfg *config.Config, backlogDone chan struct{}) {
	backoff := infra.NewBackoff(1*time.Second, 60*time.Second, 2.0)
	var rabbitmq *broker.RabbitMQClient
	var relayService *relay.Service

	for {
		select {
		case <-ctx.Done():
			slog.Info("Shutting down relay loop")
			if rabbitmq != nil {
				rabbitmq.Close()
			}
			<-backlogDone
			slog.Info("Shutdown complete")
			return
		default:
			if rabbitmq == nil || !rabbitmq.IsHealthy() {
				if rabbitmq != nil {
					rabbitmq.Close()
					metrics.BrokerReconnections.Inc()
				}

				newClient, err := broker.NewRabbitMQClient(cfg.BrokerURL, slog.Default())
				if err != nil {
					wait := backoff.Next()
					slog.Error("Broker link failure, retrying", "wait", wait, "error", err)

					select {
					case <-time.After(wait):
						continue
					case <-ctx.Done():
						return
					}
				}

				slog.Info("Broker link established")
				rabbitmq = newClient
				backoff.Reset()
				relayService = relay.NewService(repo, rabbitmq, cfg.ProducerName, slog.Default())
			}

			if err := relayService.ProcessNextBatch(ctx, cfg.BatchSize); err != nil {
				wait := backoff.Next()
				slog.Error("Batch processing error", "retry_in", wait, "error", err)

				select {
				case <-time.After(wait):
					continue
				case <-ctx.Done():
					return
				}
			}

			backoff.Reset()

			select {
			case <-time.After(cfg.PollInterval):
				continue
			case <-ctx.Done():
				return
			}
		}
	}
}

// failedEventLister is the slice of the outbox repository the operator
// surface needs.
type failedEventLister interface {
	FetchFailed(ctx context.Context, limit int) ([]models.OutboxRecord, error)
}

// newMetricsMux builds the relay's observability surface, including
// inspection of records the relay has given up on.
func newMetricsMux(outbox failedEventLister) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	mux.HandleFunc("/outbox/failed", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}

		records, err := outbox.FetchFailed(r.Context(), limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if records == nil {
			records = []models.OutboxRecord{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(records)
	})

	return mux
}

func serveMetrics(port string, mux *http.ServeMux) {
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	slog.Info("Metrics server online", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("Metrics server failed", "error", err)
	}
}

// sampleBacklog periodically refreshes the lag gauges so dashboards can see
// delivery delay without touching the hot path.
func sampleBacklog(ctx context.Context, outboxRepo *db.OutboxRepository, dlqRepo *db.DLQRepository, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pending, err := outboxRepo.CountPending(ctx)
			if err != nil {
				slog.Error("Backlog sampler: failed to count pending events", "error", err)
			} else {
				metrics.OutboxBacklog.Set(float64(pending))
			}

			stats, err := dlqRepo.Stats(ctx)
			if err != nil {
				slog.Error("Backlog sampler: failed to read dlq stats", "error", err)
			} else {
				metrics.DLQBacklog.WithLabelValues("pending").Set(float64(stats.Pending))
				metrics.DLQBacklog.WithLabelValues("retrying").Set(float64(stats.Retrying))
				metrics.DLQBacklog.WithLabelValues("failed").Set(float64(stats.Failed))
				metrics.DLQBacklog.WithLabelValues("resolved").Set(float64(stats.Resolved))
			}

		case <-ctx.Done():
			slog.Info("Backlog sampler stopping")
			return
		}
	}
}
