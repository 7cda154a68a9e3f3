package payments

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/webhook"
)

// CheckoutParams carries everything the provider needs to build a hosted
// checkout page for one credit purchase.
type CheckoutParams struct {
	PaymentID   string
	UserID      string
	TierID      string
	TierName    string
	Credits     int
	AmountCents int
	Currency    string
	SuccessURL  string
	CancelURL   string
}

// CheckoutSession is the provider's handle for a created checkout.
type CheckoutSession struct {
	ID  string
	URL string
}

// SessionStatus is the provider's view of a checkout session.
type SessionStatus struct {
	ID        string
	Paid      bool
	PaymentID string
}

// Client is the payment provider boundary. The real implementation talks to
// Stripe; tests substitute a fake.
type Client interface {
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (CheckoutSession, error)
	RetrieveSession(ctx context.Context, sessionID string) (SessionStatus, error)
	VerifyWebhook(payload []byte, sigHeader string) (stripe.Event, error)
}

// StripeClient implements Client against the Stripe API.
type StripeClient struct {
	webhookSecret string
}

func NewStripeClient(secretKey, webhookSecret string) *StripeClient {
	stripe.Key = secretKey
	return &StripeClient{webhookSecret: webhookSecret}
}

func (c *StripeClient) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(p.Currency),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name:        stripe.String(p.TierName),
						Description: stripe.String(fmt.Sprintf("%d generation credits", p.Credits)),
					},
					UnitAmount: stripe.Int64(int64(p.AmountCents)),
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
	}
	params.Context = ctx
	params.AddMetadata("payment_id", p.PaymentID)
	params.AddMetadata("user_id", p.UserID)
	params.AddMetadata("tier_id", p.TierID)

	sess, err := session.New(params)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("create checkout session: %w", err)
	}
	return CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

func (c *StripeClient) RetrieveSession(ctx context.Context, sessionID string) (SessionStatus, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := session.Get(sessionID, params)
	if err != nil {
		return SessionStatus{}, fmt.Errorf("retrieve checkout session: %w", err)
	}
	return SessionStatus{
		ID:        sess.ID,
		Paid:      sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		PaymentID: sess.Metadata["payment_id"],
	}, nil
}

func (c *StripeClient) VerifyWebhook(payload []byte, sigHeader string) (stripe.Event, error) {
	return webhook.ConstructEvent(payload, sigHeader, c.webhookSecret)
}
