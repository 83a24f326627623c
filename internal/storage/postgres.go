package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/example/trip-booking/internal/models"
	"github.com/example/trip-booking/internal/money"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) SaveBooking(ctx context.Context, b *models.Booking) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO bookings(trip_id, state, data, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5)
		 ON CONFLICT (trip_id) DO UPDATE SET state=$2, data=$3, updated_at=$5`,
		b.TripID(), string(b.State), data, b.CreatedAt, b.UpdatedAt)
	return err
}

func (p *PostgresStore) GetBooking(ctx context.Context, tripID string) (*models.Booking, error) {
	var data []byte
	err := p.db.QueryRowContext(ctx, `SELECT data FROM bookings WHERE trip_id=$1`, tripID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var b models.Booking
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// UpsertPayment inserts a payment record keyed by intent id. The no-op
// DO UPDATE makes RETURNING yield the already-stored row on conflict, so a
// retried write gets the original payment id back.
func (p *PostgresStore) UpsertPayment(ctx context.Context, intentID, tripID string, amountCents int64) (models.PaymentRecord, error) {
	rec := models.PaymentRecord{
		PaymentID: uuid.NewString(),
		IntentID:  intentID,
		TripID:    tripID,
		Amount:    money.Cents(amountCents),
		Status:    "succeeded",
		CreatedAt: time.Now().UTC(),
	}
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO payment_records(payment_id, intent_id, trip_id, amount_cents, status, created_at)
		 VALUES($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (intent_id) DO UPDATE SET intent_id=payment_records.intent_id
		 RETURNING payment_id, created_at`,
		rec.PaymentID, rec.IntentID, rec.TripID, int64(rec.Amount), rec.Status, rec.CreatedAt,
	).Scan(&rec.PaymentID, &rec.CreatedAt)
	if err != nil {
		return models.PaymentRecord{}, err
	}
	return rec, nil
}

func (p *PostgresStore) ListPayments(ctx context.Context, tripID string) ([]models.PaymentRecord, error) {
	query := `SELECT payment_id, intent_id, trip_id, amount_cents, status, created_at
	          FROM payment_records`
	args := []any{}
	if tripID != "" {
		query += ` WHERE trip_id=$1`
		args = append(args, tripID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PaymentRecord
	for rows.Next() {
		var rec models.PaymentRecord
		var cents int64
		if err := rows.Scan(&rec.PaymentID, &rec.IntentID, &rec.TripID, &cents, &rec.Status, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Amount = money.Cents(cents)
		out = append(out, rec)
	}
	return out, rows.Err()
}
