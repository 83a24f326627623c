package recorder

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/trip-booking/internal/ingest"
	"github.com/example/trip-booking/internal/models"
	"github.com/example/trip-booking/internal/money"
	"github.com/example/trip-booking/internal/observability"
)

// ErrRecordingFailed means all attempts to record a successful charge were
// exhausted. The money has already moved, so this is never a payment
// failure: callers degrade to a paid-but-unrecorded outcome and the event is
// escalated for out-of-band reconciliation.
var ErrRecordingFailed = errors.New("payment recorded by processor but bookkeeping failed")

// Backend is the payment-record system of record. HandleSuccess must be
// idempotent on intent id.
type Backend interface {
	HandleSuccess(ctx context.Context, intentID, tripID string, amount money.Cents) (models.PaymentRecord, error)
}

// Escalator receives charges that could not be recorded in-process.
type Escalator interface {
	PublishReconciliation(ev ingest.ReconciliationEvent) error
}

// Recorder durably records that a charge succeeded, retrying with
// exponential backoff. Each attempt is idempotent on intent id, so retries
// can never duplicate a record.
type Recorder struct {
	Backend     Backend
	Escalate    Escalator // optional
	Logger      *slog.Logger
	MaxAttempts int
	BaseDelay   time.Duration

	sleep func(time.Duration) // test hook
}

func New(backend Backend, escalate Escalator, logger *slog.Logger, maxAttempts int, baseDelay time.Duration) *Recorder {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 2 * time.Second
	}
	return &Recorder{
		Backend:     backend,
		Escalate:    escalate,
		Logger:      logger,
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		sleep:       time.Sleep,
	}
}

// RecordSuccess writes the system-of-record entry for a charge the processor
// already confirmed. With the defaults it tries 3 times with 2s then 4s
// between attempts. On exhaustion it escalates with full context and returns
// ErrRecordingFailed; the caller must still treat the booking as paid.
func (r *Recorder) RecordSuccess(ctx context.Context, intentID, tripID string, amount money.Cents) (models.PaymentRecord, error) {
	delay := r.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= r.MaxAttempts; attempt++ {
		observability.RecorderAttempts.Inc()
		rec, err := r.Backend.HandleSuccess(ctx, intentID, tripID, amount)
		if err == nil {
			return rec, nil
		}
		lastErr = err
		if r.Logger != nil {
			r.Logger.Warn("payment record attempt failed",
				"attempt", attempt, "trip_id", tripID, "intent_id", intentID, "error", err)
		}
		if attempt < r.MaxAttempts {
			r.sleep(delay)
			delay *= 2
		}
	}

	observability.RecorderEscalations.Inc()
	if r.Logger != nil {
		r.Logger.Error("payment record retries exhausted, escalating for reconciliation",
			"trip_id", tripID, "intent_id", intentID, "amount_cents", int64(amount), "error", lastErr)
	}
	if r.Escalate != nil {
		ev := ingest.ReconciliationEvent{IntentID: intentID, TripID: tripID, AmountCents: int64(amount), FailedAt: time.Now().UTC()}
		if err := r.Escalate.PublishReconciliation(ev); err != nil && r.Logger != nil {
			r.Logger.Error("reconciliation publish failed", "trip_id", tripID, "intent_id", intentID, "error", err)
		}
	}
	return models.PaymentRecord{}, ErrRecordingFailed
}
