package storage

import (
	"context"
	"testing"

	"github.com/example/trip-booking/internal/models"
)

func TestUpsertPaymentIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, err := s.UpsertPayment(ctx, "pi_1", "trip-1", 20870)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.UpsertPayment(ctx, "pi_1", "trip-1", 20870)
	if err != nil {
		t.Fatal(err)
	}
	if first.PaymentID != second.PaymentID {
		t.Fatalf("retry produced a new record: %s vs %s", first.PaymentID, second.PaymentID)
	}

	recs, _ := s.ListPayments(ctx, "trip-1")
	if len(recs) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(recs))
	}
}

func TestBookingRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	b := &models.Booking{
		Trip:  models.Trip{TripID: "trip-1", Title: "South Coast"},
		State: models.StatePlanned,
	}
	if err := s.SaveBooking(ctx, b); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetBooking(ctx, "trip-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != models.StatePlanned || got.Trip.Title != "South Coast" {
		t.Fatalf("unexpected booking: %+v", got)
	}

	if _, err := s.GetBooking(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
