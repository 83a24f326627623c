package guides

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/example/trip-booking/internal/models"
	"github.com/example/trip-booking/internal/money"
)

// RequestError reports a failed guide confirmation request. Definite means
// the server itself rejected the request (validation), so no request exists
// server-side. When Definite is false no response was received: the request
// may still have been created, and callers must reconcile through the
// tracker before re-issuing.
type RequestError struct {
	Definite bool
	Err      error
}

func (e *RequestError) Error() string {
	if e.Definite {
		return fmt.Sprintf("guide request rejected: %v", e.Err)
	}
	return fmt.Sprintf("guide request outcome unknown: %v", e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

var ErrUnknownStatus = errors.New("guide backend returned unknown status")

// Client talks to the guide-confirmation backend.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{BaseURL: baseURL, HTTP: &http.Client{Timeout: 10 * time.Second}}
}

type requestPayload struct {
	TripID      string      `json:"tripId"`
	GuideID     string      `json:"guideId"`
	TripDetails models.Trip `json:"tripDetails"`
	GuidePrice  int64       `json:"guidePrice"`
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// RequestConfirmation creates exactly one confirmation request for the
// (trip, guide) pair and returns its status. The default is pending, but the
// backend may decide immediately; callers must not assume pending.
// The client never retries: a blind retry could create a duplicate request.
func (c *Client) RequestConfirmation(ctx context.Context, tripID, guideID string, trip models.Trip, quoted money.Cents) (models.ConfirmationStatus, error) {
	body, err := json.Marshal(requestPayload{TripID: tripID, GuideID: guideID, TripDetails: trip, GuidePrice: int64(quoted)})
	if err != nil {
		return "", &RequestError{Definite: true, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/request-confirmation", bytes.NewReader(body))
	if err != nil {
		return "", &RequestError{Definite: true, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		// No response: the request may or may not exist server-side.
		return "", &RequestError{Definite: false, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out statusResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", &RequestError{Definite: false, Err: err}
		}
		return parseStatus(out.Status)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", &RequestError{Definite: true, Err: fmt.Errorf("status %d: %s", resp.StatusCode, b)}
	default:
		return "", &RequestError{Definite: false, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
}

// Status reads the confirmation status for a trip's guide request.
// Side-effect free.
func (c *Client) Status(ctx context.Context, tripID string) (models.ConfirmationStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/confirmation-status/"+tripID, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("confirmation-status returned %d", resp.StatusCode)
	}
	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return parseStatus(out.Status)
}

func parseStatus(s string) (models.ConfirmationStatus, error) {
	switch models.ConfirmationStatus(s) {
	case models.StatusPending, models.StatusConfirmed, models.StatusRejected:
		return models.ConfirmationStatus(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
}
