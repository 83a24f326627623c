package payments

import (
	"context"
	"errors"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/customer"
	"github.com/stripe/stripe-go/v74/ephemeralkey"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/trip-booking/internal/models"
	"github.com/example/trip-booking/internal/money"
)

// ErrIncompletePaymentDetails means the processor answered without all four
// identifiers the client needs. The call is a failure, not a partial success.
var ErrIncompletePaymentDetails = errors.New("incomplete payment details received from processor")

// stripeVersion pins the API version the mobile payment sheet expects for
// ephemeral keys.
const stripeVersion = "2023-10-16"

// StripeClient is a thin wrapper around stripe-go for the payment-sheet
// create-intent flow: customer + ephemeral key + payment intent.
type StripeClient struct {
	Currency string
}

// NewStripeClient initializes the package-level stripe key.
func NewStripeClient(apiKey, currency string) *StripeClient {
	stripe.Key = apiKey
	if currency == "" {
		currency = "usd"
	}
	return &StripeClient{Currency: currency}
}

// CreateIntent creates a PaymentIntent and the supporting customer and
// ephemeral key. Creating an intent moves no money; the charge happens later
// in the client-side present-and-pay step, so repeating this call after a
// transient failure cannot double-charge.
func (s *StripeClient) CreateIntent(ctx context.Context, tripID string, amount money.Cents) (models.PaymentIntent, error) {
	custParams := &stripe.CustomerParams{}
	custParams.Context = ctx
	custParams.AddMetadata("trip_id", tripID)
	cust, err := customer.New(custParams)
	if err != nil {
		return models.PaymentIntent{}, err
	}

	ekParams := &stripe.EphemeralKeyParams{
		Customer:      stripe.String(cust.ID),
		StripeVersion: stripe.String(stripeVersion),
	}
	ekParams.Context = ctx
	ek, err := ephemeralkey.New(ekParams)
	if err != nil {
		return models.PaymentIntent{}, err
	}

	piParams := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(int64(amount)),
		Currency: stripe.String(s.Currency),
		Customer: stripe.String(cust.ID),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	piParams.Context = ctx
	piParams.AddMetadata("trip_id", tripID)
	pi, err := paymentintent.New(piParams)
	if err != nil {
		return models.PaymentIntent{}, err
	}

	intent := models.PaymentIntent{
		ClientSecret: pi.ClientSecret,
		EphemeralKey: ek.Secret,
		CustomerID:   cust.ID,
		IntentID:     pi.ID,
		Amount:       amount,
	}
	if !intent.Complete() {
		return models.PaymentIntent{}, ErrIncompletePaymentDetails
	}
	return intent, nil
}
