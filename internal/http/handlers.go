package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/trip-booking/internal/booking"
	"github.com/example/trip-booking/internal/budget"
	"github.com/example/trip-booking/internal/config"
	"github.com/example/trip-booking/internal/guides"
	"github.com/example/trip-booking/internal/ingest"
	"github.com/example/trip-booking/internal/locks"
	"github.com/example/trip-booking/internal/models"
	"github.com/example/trip-booking/internal/money"
	"github.com/example/trip-booking/internal/notify"
	"github.com/example/trip-booking/internal/payments"
	"github.com/example/trip-booking/internal/recorder"
	"github.com/example/trip-booking/internal/storage"
)

type Server struct {
	Orchestrator *booking.Service
	Payments     storage.PaymentStore
	WSReg        *notify.WSRegistry
	Kafka        *ingest.KafkaProducer

	vehicleRates map[string]float64
	logger       *slog.Logger
	mux          *mux.Router
}

// NewServer wires the booking service from configuration with in-memory
// fallbacks, so a bare `go run` works without external services.
func NewServer(cfg config.ServerConfig, logger *slog.Logger) *Server {
	var store interface {
		storage.BookingStore
		storage.PaymentStore
	}
	if cfg.PGDSN != "" {
		if ps, err := storage.NewPostgresStore(cfg.PGDSN); err == nil {
			store = ps
		} else {
			logger.Error("postgres unavailable, falling back to memory store", "error", err)
		}
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}

	var locker locks.Locker
	var statusCache guides.TerminalCache
	if cfg.RedisAddr != "" {
		locker = locks.NewRedisLocker(cfg.RedisAddr, cfg.RedisPassword)
		statusCache = guides.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword)
	} else {
		locker = locks.NewMemoryLocker()
		statusCache = guides.NewMemoryCache()
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	var recordBackend recorder.Backend
	if cfg.PaymentRecordURL != "" {
		recordBackend = recorder.NewHTTPBackend(cfg.PaymentRecordURL)
	} else {
		recordBackend = &recorder.StoreBackend{Store: store}
	}
	var escalator recorder.Escalator
	if kp != nil {
		escalator = kp
	}
	rec := recorder.New(recordBackend, escalator, logger, cfg.RecorderMaxAttempts, cfg.RecorderBaseDelay)

	guideClient := guides.NewClient(cfg.GuideAPIURL)
	tracker := guides.NewTracker(guideClient, statusCache)

	calc := budget.Calculator{DefaultGuideRatePerKm: cfg.GuideDefaultRatePerKm}
	proc := payments.NewStripeClient(cfg.StripeAPIKey, cfg.Currency)

	orch := booking.NewService(store, proc, rec, guideClient, tracker, locker, calc, logger)
	orch.PollInterval = cfg.GuidePollInterval

	wsreg := notify.NewWSRegistry()
	orch.Notifiers = append(orch.Notifiers, wsreg)
	if cfg.PushEndpoint != "" {
		orch.Notifiers = append(orch.Notifiers, notify.NewPushNotifier(cfg.PushEndpoint, ""))
	}

	s := &Server{
		Orchestrator: orch,
		Payments:     store,
		WSReg:        wsreg,
		Kafka:        kp,
		vehicleRates: cfg.VehicleRates,
		logger:       logger,
		mux:          mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/bookings", s.handleOpenBooking).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{trip_id}", s.handleGetBooking).Methods("GET")
	s.mux.HandleFunc("/api/v1/bookings/{trip_id}/vehicle", s.handleChooseVehicle).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{trip_id}/guide", s.handleRequestGuide).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{trip_id}/budget", s.handleBudget).Methods("GET")
	s.mux.HandleFunc("/api/v1/bookings/{trip_id}/checkout", s.handleCheckout).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{trip_id}/charge-result", s.handleChargeResult).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{trip_id}/abandon", s.handleAbandon).Methods("POST")
	s.mux.HandleFunc("/api/v1/payments/handle-success", s.handlePaymentSuccess).Methods("POST")
	s.mux.HandleFunc("/api/v1/payments/history", s.handlePaymentHistory).Methods("GET")
	s.mux.HandleFunc("/api/v1/vehicles", s.handleVehicles).Methods("GET")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/bookings/{trip_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleOpenBooking(w http.ResponseWriter, r *http.Request) {
	var trip models.Trip
	if err := json.NewDecoder(r.Body).Decode(&trip); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	b, err := s.Orchestrator.Open(r.Context(), trip)
	if err != nil {
		s.writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := s.Orchestrator.Get(r.Context(), mux.Vars(r)["trip_id"])
	if err != nil {
		s.writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type vehicleRequest struct {
	Type       string  `json:"type"`
	PricePerKm float64 `json:"pricePerKm"`
	Skip       bool    `json:"skip"`
}

func (s *Server) handleChooseVehicle(w http.ResponseWriter, r *http.Request) {
	var req vehicleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var vehicle *models.VehicleOption
	if !req.Skip {
		rate := req.PricePerKm
		if rate == 0 {
			var ok bool
			if rate, ok = s.vehicleRates[req.Type]; !ok {
				writeError(w, http.StatusBadRequest, "unknown vehicle type")
				return
			}
		}
		vehicle = &models.VehicleOption{Type: req.Type, PricePerKm: rate}
	}
	b, err := s.Orchestrator.ChooseVehicle(r.Context(), mux.Vars(r)["trip_id"], vehicle)
	if err != nil {
		s.writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type guideRequest struct {
	ID         string  `json:"id"`
	PricePerKm float64 `json:"pricePerKm"`
	Skip       bool    `json:"skip"`
}

func (s *Server) handleRequestGuide(w http.ResponseWriter, r *http.Request) {
	var req guideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tripID := mux.Vars(r)["trip_id"]
	var b *models.Booking
	var err error
	if req.Skip {
		b, err = s.Orchestrator.SkipGuide(r.Context(), tripID)
	} else {
		b, err = s.Orchestrator.RequestGuide(r.Context(), tripID, models.Guide{ID: req.ID, PricePerKm: req.PricePerKm})
	}
	if err != nil {
		s.writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	b, err := s.Orchestrator.ComputeBudget(r.Context(), mux.Vars(r)["trip_id"])
	if err != nil {
		s.writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"budget": b.Budget,
		"total":  b.Budget.Total.String(),
		"state":  b.State,
	})
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	intent, err := s.Orchestrator.Checkout(r.Context(), mux.Vars(r)["trip_id"])
	if err != nil {
		s.writeBookingError(w, err)
		return
	}
	// Response shape the mobile payment sheet expects.
	writeJSON(w, http.StatusOK, map[string]any{
		"paymentIntent": intent.ClientSecret,
		"ephemeralKey":  intent.EphemeralKey,
		"customer":      intent.CustomerID,
		"intentId":      intent.IntentID,
		"amount":        int64(intent.Amount),
	})
}

type chargeResultRequest struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Server) handleChargeResult(w http.ResponseWriter, r *http.Request) {
	var req chargeResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	b, err := s.Orchestrator.CompleteCharge(r.Context(), mux.Vars(r)["trip_id"], req.Success, req.Reason)
	if err != nil {
		s.writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleAbandon(w http.ResponseWriter, r *http.Request) {
	s.Orchestrator.Abandon(mux.Vars(r)["trip_id"])
	w.WriteHeader(http.StatusNoContent)
}

type handleSuccessRequest struct {
	PaymentIntentID string `json:"paymentIntentId"`
	TripID          string `json:"tripId"`
	Amount          int64  `json:"amount"`
}

// handlePaymentSuccess is the payment-record endpoint: idempotent on the
// payment intent id.
func (s *Server) handlePaymentSuccess(w http.ResponseWriter, r *http.Request) {
	var req handleSuccessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.PaymentIntentID == "" || req.TripID == "" || req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "paymentIntentId, tripId and a positive amount are required")
		return
	}
	rec, err := s.Payments.UpsertPayment(r.Context(), req.PaymentIntentID, req.TripID, req.Amount)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "paymentId": rec.PaymentID})
}

func (s *Server) handlePaymentHistory(w http.ResponseWriter, r *http.Request) {
	recs, err := s.Payments.ListPayments(r.Context(), r.URL.Query().Get("trip_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "payments": recs})
}

func (s *Server) handleVehicles(w http.ResponseWriter, r *http.Request) {
	km, _ := strconv.ParseFloat(r.URL.Query().Get("distance_km"), 64)
	type vehicle struct {
		Type       string  `json:"type"`
		PricePerKm float64 `json:"pricePerKm"`
		TripPrice  string  `json:"tripPrice,omitempty"`
	}
	out := make([]vehicle, 0, len(s.vehicleRates))
	for typ, rate := range s.vehicleRates {
		v := vehicle{Type: typ, PricePerKm: rate}
		if km > 0 {
			v.TripPrice = money.FromMajor(rate * km).String()
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PricePerKm < out[j].PricePerKm })
	writeJSON(w, http.StatusOK, out)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["trip_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(tripID, conn)
	// Push the current state so a reconnecting client catches up.
	if b, err := s.Orchestrator.Get(r.Context(), tripID); err == nil {
		s.WSReg.StateChanged(notify.StateUpdate{TripID: tripID, State: b.State, GuideStatus: b.GuideStatus})
	}
	// Read pump: the client sends nothing we act on, but reading is how a
	// closed connection is noticed, so the session does not linger until the
	// next state push.
	go func() {
		defer func() {
			s.WSReg.RemoveConn(tripID, conn)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// writeBookingError maps orchestrator errors onto the taxonomy the client
// acts on: what state are we in and what can the user do next.
func (s *Server) writeBookingError(w http.ResponseWriter, err error) {
	var reqErr *guides.RequestError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "booking not found")
	case errors.Is(err, booking.ErrTripRequired),
		errors.Is(err, booking.ErrGuideRequired),
		errors.Is(err, booking.ErrNoBudget):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, booking.ErrGuidePending):
		writeError(w, http.StatusConflict, "waiting for guide confirmation before payment")
	case errors.Is(err, booking.ErrCheckoutInProgress):
		writeError(w, http.StatusConflict, "payment already in progress")
	case errors.Is(err, booking.ErrAlreadyPaid),
		errors.Is(err, booking.ErrVehicleAlreadyChosen),
		errors.Is(err, booking.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &reqErr) && reqErr.Definite:
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &reqErr):
		// No response received: the request may still exist server-side.
		writeError(w, http.StatusBadGateway, "guide request outcome unknown; it may still be created, retry to reconcile")
	default:
		s.logger.Error("booking handler error", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "message": msg})
}
