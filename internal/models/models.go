package models

import (
	"time"

	"github.com/example/trip-booking/internal/money"
)

type Activity struct {
	Time        string `json:"time"`
	Destination string `json:"destination"`
	Description string `json:"description"`
	Image       string `json:"image,omitempty"`
}

type Day struct {
	Day            int        `json:"day"` // 1-based, matches position
	Date           string     `json:"date"`
	Activities     []Activity `json:"activities"`
	Transportation string     `json:"transportation"`
	Accommodation  string     `json:"accommodation"`
	EstimatedCost  string     `json:"estimatedCost"` // currency-formatted, e.g. "$ 75.50"
}

type DayDistance struct {
	Day        int     `json:"day"`
	DistanceKm float64 `json:"distanceKm"`
}

type DistanceInfo struct {
	TotalDistanceKm float64       `json:"totalDistanceKm"`
	DailyBreakdown  []DayDistance `json:"dailyBreakdown,omitempty"`
}

type SearchParams struct {
	Members      int      `json:"members,omitempty"`
	MinBudget    float64  `json:"minBudget,omitempty"`
	MaxBudget    float64  `json:"maxBudget,omitempty"`
	Destinations []string `json:"destinations,omitempty"`
	Category     string   `json:"category,omitempty"`
}

// Trip is the generated itinerary this service books. It is produced by the
// itinerary source and treated as opaque, read-only input here.
type Trip struct {
	TripID       string        `json:"tripId"`
	Title        string        `json:"tripTitle"`
	Days         []Day         `json:"days"`
	DistanceInfo *DistanceInfo `json:"distanceInfo,omitempty"`
	SearchParams *SearchParams `json:"searchParams,omitempty"`
}

// TotalDistanceKm returns the trip distance, zero when no distance info
// was attached by the itinerary source.
func (t Trip) TotalDistanceKm() float64 {
	if t.DistanceInfo == nil {
		return 0
	}
	return t.DistanceInfo.TotalDistanceKm
}

// VehicleOption is a bookable vehicle with its per-kilometre rate.
type VehicleOption struct {
	Type       string  `json:"type"`
	PricePerKm float64 `json:"pricePerKm"`
}

// Guide identifies a previously listed guide. A zero PricePerKm means the
// guide did not publish a rate and the configured default applies.
type Guide struct {
	ID         string  `json:"id"`
	PricePerKm float64 `json:"pricePerKm,omitempty"`
}

type ConfirmationStatus string

const (
	StatusPending   ConfirmationStatus = "pending"
	StatusConfirmed ConfirmationStatus = "confirmed"
	StatusRejected  ConfirmationStatus = "rejected"
)

// Terminal reports whether the status can no longer change.
func (s ConfirmationStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusRejected
}

// GuideRequest is the record created when a guide is asked to join a trip.
// It is owned by the guide-side system; this service only reads its status.
type GuideRequest struct {
	TripID      string             `json:"tripId"`
	GuideID     string             `json:"guideId"`
	QuotedPrice money.Cents        `json:"quotedPriceCents"`
	TripDetails Trip               `json:"tripDetails"`
	Status      ConfirmationStatus `json:"status"`
}

// Budget is derived, never stored independently.
// Total == ItineraryCost + VehicleCost + GuideCost holds exactly because
// every component is integer cents.
type Budget struct {
	ItineraryCost money.Cents `json:"itineraryCostCents"`
	VehicleCost   money.Cents `json:"vehicleCostCents"`
	GuideCost     money.Cents `json:"guideCostCents"`
	Total         money.Cents `json:"totalCents"`
}

// PaymentIntent carries the four identifiers the client needs to drive a
// charge through the processor's payment sheet.
type PaymentIntent struct {
	ClientSecret string      `json:"clientSecret"`
	EphemeralKey string      `json:"ephemeralKey"`
	CustomerID   string      `json:"customerId"`
	IntentID     string      `json:"intentId"`
	Amount       money.Cents `json:"amountCents"`
}

// Complete reports whether all four processor identifiers are present.
// A missing field makes the whole intent a failure, not a partial success.
func (p PaymentIntent) Complete() bool {
	return p.ClientSecret != "" && p.EphemeralKey != "" && p.CustomerID != "" && p.IntentID != ""
}

// PaymentRecord is the durable system-of-record artifact written after the
// processor reports a successful charge. At most one exists per intent.
type PaymentRecord struct {
	PaymentID string      `json:"paymentId"`
	IntentID  string      `json:"intentId"`
	TripID    string      `json:"tripId"`
	Amount    money.Cents `json:"amountCents"`
	Status    string      `json:"status"`
	CreatedAt time.Time   `json:"createdAt"`
}

type BookingState string

const (
	StatePlanned        BookingState = "planned"
	StateVehicleChosen  BookingState = "vehicle_chosen"
	StateGuideRequested BookingState = "guide_requested"
	StateGuideConfirmed BookingState = "guide_confirmed"
	StateGuideSkipped   BookingState = "guide_skipped_or_rejected"
	StateBudgetReady    BookingState = "budget_ready"
	StateIntentCreated  BookingState = "payment_intent_created"
	StateCharging       BookingState = "charging"
	StatePaid           BookingState = "paid"
	StatePaidUnrecorded BookingState = "paid_unrecorded"
	StatePaymentFailed  BookingState = "payment_failed"
)

// Terminal reports whether the booking attempt is finished. PaymentFailed is
// deliberately not terminal: the user may retry without re-deriving anything.
func (s BookingState) Terminal() bool {
	return s == StatePaid || s == StatePaidUnrecorded
}

// Booking is the explicit state of one booking attempt. It replaces the
// ambient "currently selected vehicle/guide" a client would thread through
// navigation params: every transition takes and returns this value.
type Booking struct {
	Trip        Trip               `json:"trip"`
	State       BookingState       `json:"state"`
	Vehicle     *VehicleOption     `json:"vehicle,omitempty"`
	Guide       *Guide             `json:"guide,omitempty"`
	GuideStatus ConfirmationStatus `json:"guideStatus,omitempty"`
	Budget      *Budget            `json:"budget,omitempty"`
	Intent      *PaymentIntent     `json:"intent,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
	UpdatedAt   time.Time          `json:"updatedAt"`
}

func (b Booking) TripID() string { return b.Trip.TripID }
