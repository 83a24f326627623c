package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/trip-booking/internal/models"
	"github.com/example/trip-booking/internal/money"
)

var ErrNotFound = errors.New("not found")

// BookingStore persists booking attempts.
type BookingStore interface {
	SaveBooking(ctx context.Context, b *models.Booking) error
	GetBooking(ctx context.Context, tripID string) (*models.Booking, error)
}

// PaymentStore is the system of record for completed charges.
// UpsertPayment is idempotent on intent id: repeated calls return the record
// created by the first call and never create a duplicate.
type PaymentStore interface {
	UpsertPayment(ctx context.Context, intentID, tripID string, amountCents int64) (models.PaymentRecord, error)
	ListPayments(ctx context.Context, tripID string) ([]models.PaymentRecord, error)
}

// MemoryStore backs both stores for local runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[string]models.Booking
	byIntent map[string]models.PaymentRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings: make(map[string]models.Booking),
		byIntent: make(map[string]models.PaymentRecord),
	}
}

func (m *MemoryStore) SaveBooking(ctx context.Context, b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bookings[b.TripID()] = *b
	return nil
}

func (m *MemoryStore) GetBooking(ctx context.Context, tripID string) (*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[tripID]
	if !ok {
		return nil, ErrNotFound
	}
	out := b
	return &out, nil
}

func (m *MemoryStore) UpsertPayment(ctx context.Context, intentID, tripID string, amountCents int64) (models.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.byIntent[intentID]; ok {
		return rec, nil
	}
	rec := models.PaymentRecord{
		PaymentID: uuid.NewString(),
		IntentID:  intentID,
		TripID:    tripID,
		Amount:    money.Cents(amountCents),
		Status:    "succeeded",
		CreatedAt: time.Now().UTC(),
	}
	m.byIntent[intentID] = rec
	return rec, nil
}

func (m *MemoryStore) ListPayments(ctx context.Context, tripID string) ([]models.PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.PaymentRecord, 0)
	for _, rec := range m.byIntent {
		if tripID == "" || rec.TripID == tripID {
			out = append(out, rec)
		}
	}
	return out, nil
}
