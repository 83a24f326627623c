package booking

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/trip-booking/internal/budget"
	"github.com/example/trip-booking/internal/guides"
	"github.com/example/trip-booking/internal/locks"
	"github.com/example/trip-booking/internal/models"
	"github.com/example/trip-booking/internal/money"
	"github.com/example/trip-booking/internal/notify"
	"github.com/example/trip-booking/internal/observability"
	"github.com/example/trip-booking/internal/payments"
	"github.com/example/trip-booking/internal/recorder"
	"github.com/example/trip-booking/internal/storage"
)

var (
	ErrTripRequired         = errors.New("trip id is required")
	ErrGuideRequired        = errors.New("guide id is required")
	ErrInvalidTransition    = errors.New("operation not allowed in current booking state")
	ErrVehicleAlreadyChosen = errors.New("vehicle already chosen for this booking attempt")
	ErrGuidePending         = errors.New("waiting for guide confirmation")
	ErrCheckoutInProgress   = errors.New("a checkout is already in progress for this trip")
	ErrAlreadyPaid          = errors.New("booking is already paid")
	ErrNoBudget             = errors.New("budget must be computed before checkout")
)

// PaymentProcessor creates payment intents with the third-party processor.
// Creating an intent moves no money.
type PaymentProcessor interface {
	CreateIntent(ctx context.Context, tripID string, amount money.Cents) (models.PaymentIntent, error)
}

// CompletionRecorder durably records a charge the processor confirmed.
type CompletionRecorder interface {
	RecordSuccess(ctx context.Context, intentID, tripID string, amount money.Cents) (models.PaymentRecord, error)
}

// GuideBackend creates guide confirmation requests.
type GuideBackend interface {
	RequestConfirmation(ctx context.Context, tripID, guideID string, trip models.Trip, quoted money.Cents) (models.ConfirmationStatus, error)
}

// Notifier is told about every state transition.
type Notifier interface {
	StateChanged(u notify.StateUpdate)
}

// Service is the booking orchestrator: the state machine that sequences
// itinerary, vehicle, guide confirmation, budget, and payment. All booking
// state lives in an explicit Booking value; transitions load it, guard it,
// and persist the result.
type Service struct {
	Store     storage.BookingStore
	Payments  PaymentProcessor
	Recorder  CompletionRecorder
	Guides    GuideBackend
	Tracker   *guides.Tracker
	Locks     locks.Locker
	Budget    budget.Calculator
	Notifiers []Notifier
	Logger    *slog.Logger

	PollInterval time.Duration

	mu      sync.Mutex
	pollers map[string]context.CancelFunc
}

func NewService(store storage.BookingStore, proc PaymentProcessor, rec CompletionRecorder, gb GuideBackend, tracker *guides.Tracker, locker locks.Locker, calc budget.Calculator, logger *slog.Logger) *Service {
	if locker == nil {
		locker = locks.NewMemoryLocker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Store:        store,
		Payments:     proc,
		Recorder:     rec,
		Guides:       gb,
		Tracker:      tracker,
		Locks:        locker,
		Budget:       calc,
		Logger:       logger,
		PollInterval: 5 * time.Second,
		pollers:      make(map[string]context.CancelFunc),
	}
}

// Open starts a booking attempt for a generated trip. Re-opening an existing
// attempt returns it unchanged so a user who navigated away can resume.
func (s *Service) Open(ctx context.Context, trip models.Trip) (*models.Booking, error) {
	if trip.TripID == "" {
		return nil, ErrTripRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, err := s.Store.GetBooking(ctx, trip.TripID); err == nil {
		return existing, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	b := &models.Booking{Trip: trip, State: models.StatePlanned, CreatedAt: now, UpdatedAt: now}
	if err := s.Store.SaveBooking(ctx, b); err != nil {
		return nil, err
	}
	observability.BookingsOpened.Inc()
	return b, nil
}

func (s *Service) Get(ctx context.Context, tripID string) (*models.Booking, error) {
	return s.Store.GetBooking(ctx, tripID)
}

// ChooseVehicle records the vehicle selection, or skips it when vehicle is
// nil. The selection is immutable for the rest of the attempt.
func (s *Service) ChooseVehicle(ctx context.Context, tripID string, vehicle *models.VehicleOption) (*models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.Store.GetBooking(ctx, tripID)
	if err != nil {
		return nil, err
	}
	switch b.State {
	case models.StatePlanned, models.StateVehicleChosen, models.StateGuideSkipped:
	default:
		return nil, ErrInvalidTransition
	}
	if b.Vehicle != nil && vehicle != nil {
		return nil, ErrVehicleAlreadyChosen
	}
	if vehicle != nil {
		v := *vehicle
		b.Vehicle = &v
	}
	s.setState(ctx, b, models.StateVehicleChosen)
	return b, nil
}

// RequestGuide asks a guide to join the trip and starts confirmation
// polling. It never blindly re-issues: when a previous attempt's outcome is
// unknown, the tracker is consulted first and an existing request is adopted.
func (s *Service) RequestGuide(ctx context.Context, tripID string, guide models.Guide) (*models.Booking, error) {
	if guide.ID == "" {
		return nil, ErrGuideRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.Store.GetBooking(ctx, tripID)
	if err != nil {
		return nil, err
	}
	switch b.State {
	case models.StatePlanned, models.StateVehicleChosen, models.StateGuideSkipped:
	default:
		return nil, ErrInvalidTransition
	}

	quoted := s.Budget.QuoteGuide(b.Trip, guide)

	// A prior attempt for this guide may have been created server-side even
	// though we never saw the response. Reconcile before re-issuing.
	if b.Guide != nil && b.Guide.ID == guide.ID && s.Tracker != nil {
		if status, err := s.Tracker.Status(ctx, tripID); err == nil {
			s.applyGuideStatus(ctx, b, guide, status)
			return b, nil
		}
	}

	// A fresh request starts a new selection attempt: a terminal status
	// pinned for a previous guide on this trip must not answer for this one.
	if s.Tracker != nil {
		s.Tracker.Reset(ctx, tripID)
	}

	status, err := s.Guides.RequestConfirmation(ctx, tripID, guide.ID, b.Trip, quoted)
	if err != nil {
		var reqErr *guides.RequestError
		if errors.As(err, &reqErr) && !reqErr.Definite {
			// Outcome unknown: remember the guide so a retry reconciles
			// through the tracker instead of creating a duplicate request.
			g := guide
			b.Guide = &g
			b.UpdatedAt = time.Now().UTC()
			if saveErr := s.Store.SaveBooking(ctx, b); saveErr != nil {
				s.Logger.Error("booking save failed", "trip_id", tripID, "error", saveErr)
			}
		}
		return nil, err
	}

	s.applyGuideStatus(ctx, b, guide, status)
	return b, nil
}

// applyGuideStatus routes the booking according to a freshly observed guide
// status. Caller holds s.mu.
func (s *Service) applyGuideStatus(ctx context.Context, b *models.Booking, guide models.Guide, status models.ConfirmationStatus) {
	g := guide
	b.Guide = &g
	b.GuideStatus = status
	switch status {
	case models.StatusConfirmed:
		s.setState(ctx, b, models.StateGuideConfirmed)
	case models.StatusRejected:
		// Rejection routes back to selection; the guide contributes nothing.
		b.Guide = nil
		s.setState(ctx, b, models.StateVehicleChosen)
	default:
		s.setState(ctx, b, models.StateGuideRequested)
		s.startPolling(b.TripID())
	}
}

// SkipGuide proceeds without a guide.
func (s *Service) SkipGuide(ctx context.Context, tripID string) (*models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.Store.GetBooking(ctx, tripID)
	if err != nil {
		return nil, err
	}
	switch b.State {
	case models.StatePlanned, models.StateVehicleChosen:
	default:
		return nil, ErrInvalidTransition
	}
	b.Guide = nil
	b.GuideStatus = ""
	s.setState(ctx, b, models.StateGuideSkipped)
	return b, nil
}

// startPolling watches guide confirmation until a terminal status arrives or
// the flow is abandoned. Caller holds s.mu.
func (s *Service) startPolling(tripID string) {
	if s.Tracker == nil {
		return
	}
	if cancel, ok := s.pollers[tripID]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.pollers[tripID] = cancel

	p := &guides.Poller{Tracker: s.Tracker, Interval: s.PollInterval, Logger: s.Logger}
	go p.Run(ctx, tripID, func(status models.ConfirmationStatus, err error) {
		s.onGuideDecision(tripID, status, err)
	})
}

func (s *Service) onGuideDecision(tripID string, status models.ConfirmationStatus, pollErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cancel, ok := s.pollers[tripID]; ok {
		cancel()
		delete(s.pollers, tripID)
	}

	ctx := context.Background()
	b, err := s.Store.GetBooking(ctx, tripID)
	if err != nil {
		s.Logger.Error("guide decision for unknown booking", "trip_id", tripID, "error", err)
		return
	}
	if b.State != models.StateGuideRequested {
		// The flow moved on or was torn down; a late poll must not
		// resurrect it.
		return
	}
	if pollErr != nil {
		s.Logger.Error("guide backend contract violation", "trip_id", tripID, "status", status, "error", pollErr)
	}

	b.GuideStatus = status
	switch status {
	case models.StatusConfirmed:
		s.setState(ctx, b, models.StateGuideConfirmed)
	case models.StatusRejected:
		b.Guide = nil
		s.setState(ctx, b, models.StateVehicleChosen)
	}
}

// Abandon stops guide polling for a trip the user has navigated away from.
// It never touches an in-flight completion-record sequence: that is
// reconciling money already charged.
func (s *Service) Abandon(tripID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.pollers[tripID]; ok {
		cancel()
		delete(s.pollers, tripID)
	}
}

// ComputeBudget derives the budget from whatever vehicle and guide are
// fixed. A pending guide blocks it; a confirmed guide is priced in; a
// rejected or skipped guide contributes nothing.
func (s *Service) ComputeBudget(ctx context.Context, tripID string) (*models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.Store.GetBooking(ctx, tripID)
	if err != nil {
		return nil, err
	}
	switch b.State {
	case models.StatePlanned, models.StateVehicleChosen, models.StateGuideConfirmed,
		models.StateGuideSkipped, models.StateBudgetReady:
	case models.StateGuideRequested:
		return nil, ErrGuidePending
	default:
		return nil, ErrInvalidTransition
	}
	if b.Guide != nil && b.GuideStatus == models.StatusPending {
		return nil, ErrGuidePending
	}

	var guide *models.Guide
	if b.Guide != nil && b.GuideStatus == models.StatusConfirmed {
		guide = b.Guide
	}
	derived := s.Budget.Compute(b.Trip, b.Vehicle, guide)
	b.Budget = &derived
	s.setState(ctx, b, models.StateBudgetReady)
	return b, nil
}

// Checkout creates the payment intent for the current budget. The call is
// serialized per trip: a second Pay Now while one is in flight gets
// ErrCheckoutInProgress, and a repeat after success gets the same intent
// back rather than a new one.
func (s *Service) Checkout(ctx context.Context, tripID string) (models.PaymentIntent, error) {
	release, ok := s.Locks.TryAcquire(ctx, tripID)
	if !ok {
		return models.PaymentIntent{}, ErrCheckoutInProgress
	}
	defer release()

	s.mu.Lock()
	b, err := s.Store.GetBooking(ctx, tripID)
	if err != nil {
		s.mu.Unlock()
		return models.PaymentIntent{}, err
	}

	switch b.State {
	case models.StateIntentCreated, models.StateCharging:
		if b.Intent != nil {
			intent := *b.Intent
			s.mu.Unlock()
			return intent, nil
		}
		s.mu.Unlock()
		return models.PaymentIntent{}, ErrInvalidTransition
	case models.StateBudgetReady, models.StatePaymentFailed:
	case models.StateGuideRequested:
		s.mu.Unlock()
		return models.PaymentIntent{}, ErrGuidePending
	case models.StatePaid, models.StatePaidUnrecorded:
		s.mu.Unlock()
		return models.PaymentIntent{}, ErrAlreadyPaid
	default:
		s.mu.Unlock()
		return models.PaymentIntent{}, ErrInvalidTransition
	}

	if b.Guide != nil && b.GuideStatus != models.StatusConfirmed {
		s.mu.Unlock()
		return models.PaymentIntent{}, ErrGuidePending
	}
	if b.Budget == nil || b.Budget.Total <= 0 {
		s.mu.Unlock()
		return models.PaymentIntent{}, ErrNoBudget
	}
	amount := b.Budget.Total
	s.mu.Unlock()

	intent, err := s.Payments.CreateIntent(ctx, tripID, amount)

	s.mu.Lock()
	defer s.mu.Unlock()
	// The mutex was released around the processor call; reload so a
	// concurrent update is not overwritten by the stale snapshot.
	if fresh, loadErr := s.Store.GetBooking(ctx, tripID); loadErr == nil {
		b = fresh
	}
	if err != nil {
		s.setState(ctx, b, models.StatePaymentFailed)
		return models.PaymentIntent{}, err
	}
	if !intent.Complete() {
		s.setState(ctx, b, models.StatePaymentFailed)
		return models.PaymentIntent{}, payments.ErrIncompletePaymentDetails
	}

	b.Intent = &intent
	s.setState(ctx, b, models.StateIntentCreated)
	observability.PaymentIntentsCreated.Inc()
	return intent, nil
}

// CompleteCharge handles the processor's reported outcome of the client-side
// charge. Success triggers completion recording; recording failure degrades
// to PaidUnrecorded and is never surfaced as a payment failure.
func (s *Service) CompleteCharge(ctx context.Context, tripID string, success bool, reason string) (*models.Booking, error) {
	s.mu.Lock()
	b, err := s.Store.GetBooking(ctx, tripID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	switch b.State {
	case models.StateIntentCreated, models.StateCharging:
	default:
		s.mu.Unlock()
		return nil, ErrInvalidTransition
	}
	if b.Intent == nil {
		s.mu.Unlock()
		return nil, ErrInvalidTransition
	}
	intent := *b.Intent
	s.setState(ctx, b, models.StateCharging)

	if !success {
		// Authoritative decline: terminal for this attempt only. The user
		// retries from the budget they already have.
		b.Intent = nil
		s.setState(ctx, b, models.StatePaymentFailed)
		s.mu.Unlock()
		s.Logger.Info("charge failed", "trip_id", tripID, "intent_id", intent.IntentID, "reason", reason)
		return b, nil
	}
	s.mu.Unlock()

	// The charge is irrevocable from here on. Recording runs detached from
	// the caller's lifetime: abandoning the flow must not cancel it.
	rec, recErr := s.Recorder.RecordSuccess(context.WithoutCancel(ctx), intent.IntentID, tripID, intent.Amount)

	s.mu.Lock()
	defer s.mu.Unlock()
	if recErr != nil {
		if !errors.Is(recErr, recorder.ErrRecordingFailed) {
			s.Logger.Error("unexpected recorder error", "trip_id", tripID, "intent_id", intent.IntentID, "error", recErr)
		}
		s.setState(ctx, b, models.StatePaidUnrecorded)
		return b, nil
	}
	s.Logger.Info("payment recorded", "trip_id", tripID, "intent_id", intent.IntentID, "payment_id", rec.PaymentID)
	s.setState(ctx, b, models.StatePaid)
	return b, nil
}

// setState applies a transition, persists it, and fans out notifications.
// Caller holds s.mu.
func (s *Service) setState(ctx context.Context, b *models.Booking, state models.BookingState) {
	b.State = state
	b.UpdatedAt = time.Now().UTC()
	if err := s.Store.SaveBooking(ctx, b); err != nil {
		s.Logger.Error("booking save failed", "trip_id", b.TripID(), "state", state, "error", err)
	}
	observability.StateTransitions.WithLabelValues(string(state)).Inc()

	u := notify.StateUpdate{TripID: b.TripID(), State: state, GuideStatus: b.GuideStatus}
	if state == models.StatePaidUnrecorded {
		// Degraded success reads as success to the user.
		u.Message = "payment received; confirmation may take a moment"
	}
	for _, n := range s.Notifiers {
		n.StateChanged(u)
	}
}
