package booking

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/trip-booking/internal/budget"
	"github.com/example/trip-booking/internal/guides"
	"github.com/example/trip-booking/internal/models"
	"github.com/example/trip-booking/internal/money"
	"github.com/example/trip-booking/internal/recorder"
	"github.com/example/trip-booking/internal/storage"
)

func testTrip() models.Trip {
	return models.Trip{
		TripID: "trip-1",
		Title:  "South Coast",
		Days: []models.Day{
			{Day: 1, EstimatedCost: "$50"},
			{Day: 2, EstimatedCost: "$75.50"},
			{Day: 3, EstimatedCost: "$40"},
		},
		DistanceInfo: &models.DistanceInfo{TotalDistanceKm: 120},
	}
}

type fakeProcessor struct {
	calls   int32
	failing bool
	entered chan struct{} // closed/ signalled when a call starts, optional
	proceed chan struct{} // blocks the call until closed, optional
}

func (f *fakeProcessor) CreateIntent(ctx context.Context, tripID string, amount money.Cents) (models.PaymentIntent, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.proceed != nil {
		<-f.proceed
	}
	if f.failing {
		return models.PaymentIntent{}, errors.New("processor unavailable")
	}
	return models.PaymentIntent{
		ClientSecret: "cs_test",
		EphemeralKey: "ek_test",
		CustomerID:   "cus_test",
		IntentID:     "pi_" + string(rune('0'+n)),
		Amount:       amount,
	}, nil
}

type fakeRecorder struct {
	calls int32
	fail  bool
}

func (f *fakeRecorder) RecordSuccess(ctx context.Context, intentID, tripID string, amount money.Cents) (models.PaymentRecord, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.fail {
		return models.PaymentRecord{}, recorder.ErrRecordingFailed
	}
	return models.PaymentRecord{PaymentID: "pay_1", IntentID: intentID, TripID: tripID, Amount: amount}, nil
}

type fakeGuideBackend struct {
	calls  int32
	status models.ConfirmationStatus
	err    error
}

func (f *fakeGuideBackend) RequestConfirmation(ctx context.Context, tripID, guideID string, trip models.Trip, quoted money.Cents) (models.ConfirmationStatus, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return "", f.err
	}
	return f.status, nil
}

// settableSource is a guide status source tests can flip at will.
type settableSource struct {
	status atomic.Value
}

func newSettableSource(s models.ConfirmationStatus) *settableSource {
	src := &settableSource{}
	src.status.Store(s)
	return src
}

func (s *settableSource) Status(ctx context.Context, tripID string) (models.ConfirmationStatus, error) {
	return s.status.Load().(models.ConfirmationStatus), nil
}

func newTestService(proc PaymentProcessor, rec CompletionRecorder, gb GuideBackend, src guides.StatusSource) *Service {
	var tracker *guides.Tracker
	if src != nil {
		tracker = guides.NewTracker(src, nil)
	}
	s := NewService(storage.NewMemoryStore(), proc, rec, gb, tracker, nil,
		budget.Calculator{DefaultGuideRatePerKm: 0.5}, nil)
	s.PollInterval = 5 * time.Millisecond
	return s
}

func TestHappyPathWithoutGuide(t *testing.T) {
	proc := &fakeProcessor{}
	rec := &fakeRecorder{}
	s := newTestService(proc, rec, &fakeGuideBackend{}, nil)
	ctx := context.Background()

	if _, err := s.Open(ctx, testTrip()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ChooseVehicle(ctx, "trip-1", &models.VehicleOption{Type: "Car", PricePerKm: 0.36}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SkipGuide(ctx, "trip-1"); err != nil {
		t.Fatal(err)
	}
	b, err := s.ComputeBudget(ctx, "trip-1")
	if err != nil {
		t.Fatal(err)
	}
	if b.Budget.Total != 20870 {
		t.Fatalf("total = %d, want 20870", b.Budget.Total)
	}

	intent, err := s.Checkout(ctx, "trip-1")
	if err != nil {
		t.Fatal(err)
	}
	if intent.Amount != 20870 {
		t.Fatalf("intent amount = %d", intent.Amount)
	}

	b, err = s.CompleteCharge(ctx, "trip-1", true, "")
	if err != nil {
		t.Fatal(err)
	}
	if b.State != models.StatePaid {
		t.Fatalf("state = %s, want paid", b.State)
	}
	if rec.calls != 1 {
		t.Fatalf("recorder calls = %d", rec.calls)
	}
}

func TestCheckoutBlockedWhileGuidePending(t *testing.T) {
	gb := &fakeGuideBackend{status: models.StatusPending}
	s := newTestService(&fakeProcessor{}, &fakeRecorder{}, gb, newSettableSource(models.StatusPending))
	ctx := context.Background()

	s.Open(ctx, testTrip())
	s.ChooseVehicle(ctx, "trip-1", nil)
	if _, err := s.RequestGuide(ctx, "trip-1", models.Guide{ID: "g1"}); err != nil {
		t.Fatal(err)
	}
	defer s.Abandon("trip-1")

	if _, err := s.ComputeBudget(ctx, "trip-1"); !errors.Is(err, ErrGuidePending) {
		t.Fatalf("budget while pending: err = %v, want ErrGuidePending", err)
	}
	if _, err := s.Checkout(ctx, "trip-1"); !errors.Is(err, ErrGuidePending) {
		t.Fatalf("checkout while pending: err = %v, want ErrGuidePending", err)
	}
}

func waitForState(t *testing.T, s *Service, tripID string, want models.BookingState) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		b, _ := s.Get(context.Background(), tripID)
		if b != nil && b.State == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("state = %s, want %s", b.State, want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSecondGuideRequestGetsFreshDecision(t *testing.T) {
	src := newSettableSource(models.StatusPending)
	gb := &fakeGuideBackend{status: models.StatusPending}
	s := newTestService(&fakeProcessor{}, &fakeRecorder{}, gb, src)
	ctx := context.Background()

	s.Open(ctx, testTrip())
	s.ChooseVehicle(ctx, "trip-1", nil)
	if _, err := s.RequestGuide(ctx, "trip-1", models.Guide{ID: "g1"}); err != nil {
		t.Fatal(err)
	}

	src.status.Store(models.StatusRejected)
	waitForState(t, s, "trip-1", models.StateVehicleChosen)

	// The next guide's fate comes from the backend, not from g1's decision.
	src.status.Store(models.StatusPending)
	if _, err := s.RequestGuide(ctx, "trip-1", models.Guide{ID: "g2"}); err != nil {
		t.Fatal(err)
	}
	defer s.Abandon("trip-1")

	src.status.Store(models.StatusConfirmed)
	waitForState(t, s, "trip-1", models.StateGuideConfirmed)

	b, err := s.Get(ctx, "trip-1")
	if err != nil {
		t.Fatal(err)
	}
	if b.Guide == nil || b.Guide.ID != "g2" {
		t.Fatalf("guide = %+v, want g2 confirmed", b.Guide)
	}
}

func TestCheckoutPreservesConcurrentUpdate(t *testing.T) {
	proc := &fakeProcessor{entered: make(chan struct{}, 1), proceed: make(chan struct{})}
	s := newTestService(proc, &fakeRecorder{}, &fakeGuideBackend{}, nil)
	ctx := context.Background()

	s.Open(ctx, testTrip())
	s.ChooseVehicle(ctx, "trip-1", nil)
	s.SkipGuide(ctx, "trip-1")
	s.ComputeBudget(ctx, "trip-1")

	done := make(chan error, 1)
	go func() {
		_, err := s.Checkout(ctx, "trip-1")
		done <- err
	}()
	<-proc.entered

	// Another writer updates the booking while the intent is being created.
	b, err := s.Store.GetBooking(ctx, "trip-1")
	if err != nil {
		t.Fatal(err)
	}
	b.Trip.Title = "South Coast (replanned)"
	if err := s.Store.SaveBooking(ctx, b); err != nil {
		t.Fatal(err)
	}

	close(proc.proceed)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "trip-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != models.StateIntentCreated || got.Intent == nil {
		t.Fatalf("state = %s, intent = %v", got.State, got.Intent)
	}
	if got.Trip.Title != "South Coast (replanned)" {
		t.Fatal("concurrent update lost during checkout")
	}
}

func TestRejectedGuideRoutesBackToSelection(t *testing.T) {
	gb := &fakeGuideBackend{status: models.StatusRejected}
	s := newTestService(&fakeProcessor{}, &fakeRecorder{}, gb, nil)
	ctx := context.Background()

	s.Open(ctx, testTrip())
	s.ChooseVehicle(ctx, "trip-1", &models.VehicleOption{Type: "Car", PricePerKm: 0.36})
	b, err := s.RequestGuide(ctx, "trip-1", models.Guide{ID: "g1", PricePerKm: 1.0})
	if err != nil {
		t.Fatal(err)
	}
	if b.State != models.StateVehicleChosen {
		t.Fatalf("state = %s, want vehicle_chosen", b.State)
	}
	if b.Guide != nil {
		t.Fatal("rejected guide must be cleared")
	}

	b, err = s.ComputeBudget(ctx, "trip-1")
	if err != nil {
		t.Fatal(err)
	}
	if b.Budget.GuideCost != 0 {
		t.Fatalf("guide cost = %d, want 0 after rejection", b.Budget.GuideCost)
	}
}

func TestPollerConfirmsGuide(t *testing.T) {
	src := newSettableSource(models.StatusPending)
	gb := &fakeGuideBackend{status: models.StatusPending}
	s := newTestService(&fakeProcessor{}, &fakeRecorder{}, gb, src)
	ctx := context.Background()

	s.Open(ctx, testTrip())
	s.ChooseVehicle(ctx, "trip-1", nil)
	if _, err := s.RequestGuide(ctx, "trip-1", models.Guide{ID: "g1"}); err != nil {
		t.Fatal(err)
	}

	src.status.Store(models.StatusConfirmed)

	deadline := time.After(time.Second)
	for {
		b, _ := s.Get(ctx, "trip-1")
		if b.State == models.StateGuideConfirmed {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("never confirmed, state = %s", b.State)
		case <-time.After(5 * time.Millisecond):
		}
	}

	b, err := s.ComputeBudget(ctx, "trip-1")
	if err != nil {
		t.Fatal(err)
	}
	// default rate 0.5 * 120km
	if b.Budget.GuideCost != 6000 {
		t.Fatalf("guide cost = %d, want 6000", b.Budget.GuideCost)
	}
}

func TestConcurrentCheckoutSerialized(t *testing.T) {
	proc := &fakeProcessor{entered: make(chan struct{}, 1), proceed: make(chan struct{})}
	s := newTestService(proc, &fakeRecorder{}, &fakeGuideBackend{}, nil)
	ctx := context.Background()

	s.Open(ctx, testTrip())
	s.ChooseVehicle(ctx, "trip-1", nil)
	s.SkipGuide(ctx, "trip-1")
	s.ComputeBudget(ctx, "trip-1")

	first := make(chan error, 1)
	go func() {
		_, err := s.Checkout(ctx, "trip-1")
		first <- err
	}()
	<-proc.entered // first checkout is mid-flight

	if _, err := s.Checkout(ctx, "trip-1"); !errors.Is(err, ErrCheckoutInProgress) {
		t.Fatalf("re-entrant checkout: err = %v, want ErrCheckoutInProgress", err)
	}

	close(proc.proceed)
	if err := <-first; err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&proc.calls); n != 1 {
		t.Fatalf("processor called %d times, want 1", n)
	}
}

func TestRepeatCheckoutReturnsExistingIntent(t *testing.T) {
	proc := &fakeProcessor{}
	s := newTestService(proc, &fakeRecorder{}, &fakeGuideBackend{}, nil)
	ctx := context.Background()

	s.Open(ctx, testTrip())
	s.ChooseVehicle(ctx, "trip-1", nil)
	s.SkipGuide(ctx, "trip-1")
	s.ComputeBudget(ctx, "trip-1")

	first, err := s.Checkout(ctx, "trip-1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Checkout(ctx, "trip-1")
	if err != nil {
		t.Fatal(err)
	}
	if first.IntentID != second.IntentID {
		t.Fatalf("second checkout created a new intent: %s vs %s", first.IntentID, second.IntentID)
	}
	if proc.calls != 1 {
		t.Fatalf("processor called %d times, want 1", proc.calls)
	}
}

func TestRecorderExhaustionDegradesToPaidUnrecorded(t *testing.T) {
	s := newTestService(&fakeProcessor{}, &fakeRecorder{fail: true}, &fakeGuideBackend{}, nil)
	ctx := context.Background()

	s.Open(ctx, testTrip())
	s.ChooseVehicle(ctx, "trip-1", nil)
	s.SkipGuide(ctx, "trip-1")
	s.ComputeBudget(ctx, "trip-1")
	s.Checkout(ctx, "trip-1")

	b, err := s.CompleteCharge(ctx, "trip-1", true, "")
	if err != nil {
		t.Fatalf("degraded success must not error: %v", err)
	}
	if b.State != models.StatePaidUnrecorded {
		t.Fatalf("state = %s, want paid_unrecorded", b.State)
	}
	if !b.State.Terminal() {
		t.Fatal("paid_unrecorded must be terminal")
	}
}

func TestChargeFailureAllowsRetry(t *testing.T) {
	proc := &fakeProcessor{}
	s := newTestService(proc, &fakeRecorder{}, &fakeGuideBackend{}, nil)
	ctx := context.Background()

	s.Open(ctx, testTrip())
	s.ChooseVehicle(ctx, "trip-1", nil)
	s.SkipGuide(ctx, "trip-1")
	s.ComputeBudget(ctx, "trip-1")
	s.Checkout(ctx, "trip-1")

	b, err := s.CompleteCharge(ctx, "trip-1", false, "card declined")
	if err != nil {
		t.Fatal(err)
	}
	if b.State != models.StatePaymentFailed {
		t.Fatalf("state = %s, want payment_failed", b.State)
	}

	// Retry without re-deriving the budget.
	intent, err := s.Checkout(ctx, "trip-1")
	if err != nil {
		t.Fatal(err)
	}
	if intent.IntentID == "" || proc.calls != 2 {
		t.Fatalf("expected a fresh intent on retry, calls = %d", proc.calls)
	}
}

func TestUnknownGuideRequestOutcomeReconciledViaTracker(t *testing.T) {
	src := newSettableSource(models.StatusPending)
	gb := &fakeGuideBackend{err: &guides.RequestError{Definite: false, Err: errors.New("timeout")}}
	s := newTestService(&fakeProcessor{}, &fakeRecorder{}, gb, src)
	ctx := context.Background()

	s.Open(ctx, testTrip())
	s.ChooseVehicle(ctx, "trip-1", nil)

	if _, err := s.RequestGuide(ctx, "trip-1", models.Guide{ID: "g1"}); err == nil {
		t.Fatal("expected request error")
	}

	// The retry finds the request already exists server-side and adopts it
	// instead of issuing a duplicate.
	b, err := s.RequestGuide(ctx, "trip-1", models.Guide{ID: "g1"})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Abandon("trip-1")
	if b.State != models.StateGuideRequested {
		t.Fatalf("state = %s, want guide_requested", b.State)
	}
	if gb.calls != 1 {
		t.Fatalf("backend called %d times, want 1 (no duplicate request)", gb.calls)
	}
}

func TestVehicleImmutableOnceChosen(t *testing.T) {
	s := newTestService(&fakeProcessor{}, &fakeRecorder{}, &fakeGuideBackend{}, nil)
	ctx := context.Background()

	s.Open(ctx, testTrip())
	if _, err := s.ChooseVehicle(ctx, "trip-1", &models.VehicleOption{Type: "Car", PricePerKm: 0.36}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ChooseVehicle(ctx, "trip-1", &models.VehicleOption{Type: "Van", PricePerKm: 0.48}); !errors.Is(err, ErrVehicleAlreadyChosen) {
		t.Fatalf("err = %v, want ErrVehicleAlreadyChosen", err)
	}
}

func TestOpenRequiresTripID(t *testing.T) {
	s := newTestService(&fakeProcessor{}, &fakeRecorder{}, &fakeGuideBackend{}, nil)
	if _, err := s.Open(context.Background(), models.Trip{}); !errors.Is(err, ErrTripRequired) {
		t.Fatalf("err = %v, want ErrTripRequired", err)
	}
}
