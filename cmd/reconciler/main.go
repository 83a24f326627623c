package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/trip-booking/internal/config"
	"github.com/example/trip-booking/internal/ingest"
	"github.com/example/trip-booking/internal/models"
	"github.com/example/trip-booking/internal/storage"
)

var (
	eventsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconciler_events_consumed_total",
		Help: "Total reconciliation events consumed",
	})
	eventsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconciler_events_invalid_total",
		Help: "Total invalid events received",
	})
	recordsWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconciler_records_written_total",
		Help: "Total payment records reconciled",
	})
	recordErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconciler_record_errors_total",
		Help: "Total payment record write errors",
	})
)

func init() {
	prometheus.MustRegister(eventsConsumed, eventsInvalid, recordsWritten, recordErrors)
}

// The reconciler is the out-of-band half of payment completion recording:
// it replays charges that the in-process recorder could not write, so a
// paid-but-unrecorded booking eventually has its record. Writes go through
// the same idempotent upsert, so replays can never duplicate a record.
func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", "", "address to serve prometheus metrics on (overrides METRICS_ADDR)")
	flag.Parse()

	cfg, err := config.LoadReconcilerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}

	store, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}

	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}

	// metrics and health server
	go func() {
		m := http.NewServeMux()
		m.Handle("/metrics", promhttp.Handler())
		m.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		m.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if rc != nil {
				if err := rc.Ping(r.Context()).Err(); err != nil {
					http.Error(w, "redis not ready", 503)
					return
				}
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		log.Printf("metrics/health listening on %s", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, m); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		if rc != nil {
			_ = rc.Close()
		}
	}()

	log.Printf("reconciler listening topic=%s brokers=%v group=%s", cfg.KafkaTopic, cfg.KafkaBrokers, cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("shutting down reconciler")
				return
			}
			log.Printf("kafka read error: %v; backing off %s", err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		eventsConsumed.Inc()

		var ev ingest.ReconciliationEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil || ev.IntentID == "" {
			eventsInvalid.Inc()
			log.Printf("invalid event: %v", err)
			continue
		}

		if _, err := upsertWithRetry(ctx, store, ev, 3, 200*time.Millisecond); err != nil {
			recordErrors.Inc()
			log.Printf("record write failed for intent=%s trip=%s amount=%d: %v", ev.IntentID, ev.TripID, ev.AmountCents, err)
			continue
		}
		recordsWritten.Inc()
		log.Printf("reconciled payment intent=%s trip=%s", ev.IntentID, ev.TripID)
	}
}

// PaymentWriter is the small subset of store operations we need for tests
// and production.
type PaymentWriter interface {
	UpsertPayment(ctx context.Context, intentID, tripID string, amountCents int64) (models.PaymentRecord, error)
}

// upsertWithRetry writes the payment record with bounded retry/backoff.
func upsertWithRetry(ctx context.Context, store PaymentWriter, ev ingest.ReconciliationEvent, attempts int, delay time.Duration) (models.PaymentRecord, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		rec, err := store.UpsertPayment(ctx, ev.IntentID, ev.TripID, ev.AmountCents)
		if err == nil {
			return rec, nil
		}
		lastErr = err
		if i < attempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return models.PaymentRecord{}, lastErr
}
