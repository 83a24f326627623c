package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/trip-booking/internal/models"
	"github.com/example/trip-booking/internal/money"
)

// HTTPBackend posts completed charges to the payment-record service.
// The endpoint upserts by intent id.
type HTTPBackend struct {
	BaseURL string
	HTTP    *http.Client
}

func NewHTTPBackend(baseURL string) *HTTPBackend {
	return &HTTPBackend{BaseURL: baseURL, HTTP: &http.Client{Timeout: 10 * time.Second}}
}

type handleSuccessRequest struct {
	PaymentIntentID string `json:"paymentIntentId"`
	TripID          string `json:"tripId"`
	Amount          int64  `json:"amount"`
}

type handleSuccessResponse struct {
	PaymentID string `json:"paymentId"`
}

func (b *HTTPBackend) HandleSuccess(ctx context.Context, intentID, tripID string, amount money.Cents) (models.PaymentRecord, error) {
	body, err := json.Marshal(handleSuccessRequest{PaymentIntentID: intentID, TripID: tripID, Amount: int64(amount)})
	if err != nil {
		return models.PaymentRecord{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.BaseURL+"/handle-success", bytes.NewReader(body))
	if err != nil {
		return models.PaymentRecord{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.HTTP.Do(req)
	if err != nil {
		return models.PaymentRecord{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return models.PaymentRecord{}, fmt.Errorf("handle-success returned %d", resp.StatusCode)
	}
	var out handleSuccessResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.PaymentRecord{}, err
	}
	return models.PaymentRecord{
		PaymentID: out.PaymentID,
		IntentID:  intentID,
		TripID:    tripID,
		Amount:    amount,
		Status:    "succeeded",
		CreatedAt: time.Now().UTC(),
	}, nil
}

// StoreBackend records directly against a local payment store. Used when the
// service is its own system of record.
type StoreBackend struct {
	Store PaymentUpserter
}

type PaymentUpserter interface {
	UpsertPayment(ctx context.Context, intentID, tripID string, amountCents int64) (models.PaymentRecord, error)
}

func (b *StoreBackend) HandleSuccess(ctx context.Context, intentID, tripID string, amount money.Cents) (models.PaymentRecord, error) {
	return b.Store.UpsertPayment(ctx, intentID, tripID, int64(amount))
}
