package payments

import (
	"context"
	"errors"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"github.com/sidegig/backend/internal/domain"
)

// Processor is the outbound payment surface. Effect workers are its only
// callers; every call carries an idempotency key derived from the outbox row
// that triggered it, so at-least-once delivery cannot move money twice.
type Processor interface {
	CreateIntent(ctx context.Context, p IntentParams) (*IntentRef, error)
	CaptureIntent(ctx context.Context, intentID, idempotencyKey string) error
	CancelIntent(ctx context.Context, intentID, idempotencyKey string) error
	CreateTransfer(ctx context.Context, p TransferParams) (string, error)
	CreateRefund(ctx context.Context, p RefundParams) (string, error)
}

type IntentParams struct {
	EscrowID       string
	TaskID         string
	PosterID       string
	AmountCents    int64
	Currency       string
	IdempotencyKey string
}

// IntentRef is what the core keeps after opening an intent: the id for
// webhook correlation and the secret the client app needs to confirm payment.
type IntentRef struct {
	ID           string
	ClientSecret string
}

type TransferParams struct {
	EscrowID           string
	TaskID             string
	DestinationAccount string
	AmountCents        int64
	Currency           string
	IdempotencyKey     string
}

// RefundParams targets the original intent. AmountCents zero refunds whatever
// remains on the charge.
type RefundParams struct {
	EscrowID        string
	PaymentIntentID string
	AmountCents     int64
	Reason          string
	IdempotencyKey  string
}

// StripeClient implements Processor against the live Stripe API.
type StripeClient struct {
	api *client.API
}

func NewStripeClient(apiKey string) *StripeClient {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripeClient{api: api}
}

// CreateIntent opens a manual-capture intent: confirmation places a hold, and
// the amount_capturable_updated webhook drives the capture.
func (c *StripeClient) CreateIntent(ctx context.Context, p IntentParams) (*IntentRef, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(p.AmountCents),
		Currency:      stripe.String(p.Currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(p.IdempotencyKey)
	params.AddMetadata("escrow_id", p.EscrowID)
	params.AddMetadata("task_id", p.TaskID)
	params.AddMetadata("user_id", p.PosterID)
	pi, err := c.api.PaymentIntents.New(params)
	if err != nil {
		return nil, mapStripeError("create intent", err)
	}
	return &IntentRef{ID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

func (c *StripeClient) CaptureIntent(ctx context.Context, intentID, idempotencyKey string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)
	_, err := c.api.PaymentIntents.Capture(intentID, params)
	return mapStripeError("capture intent", err)
}

func (c *StripeClient) CancelIntent(ctx context.Context, intentID, idempotencyKey string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)
	_, err := c.api.PaymentIntents.Cancel(intentID, params)
	return mapStripeError("cancel intent", err)
}

func (c *StripeClient) CreateTransfer(ctx context.Context, p TransferParams) (string, error) {
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(p.AmountCents),
		Currency:      stripe.String(p.Currency),
		Destination:   stripe.String(p.DestinationAccount),
		TransferGroup: stripe.String(p.TaskID),
	}
	params.Context = ctx
	params.SetIdempotencyKey(p.IdempotencyKey)
	params.AddMetadata("escrow_id", p.EscrowID)
	tr, err := c.api.Transfers.New(params)
	if err != nil {
		return "", mapStripeError("create transfer", err)
	}
	return tr.ID, nil
}

func (c *StripeClient) CreateRefund(ctx context.Context, p RefundParams) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(p.PaymentIntentID),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	if p.AmountCents > 0 {
		params.Amount = stripe.Int64(p.AmountCents)
	}
	params.Context = ctx
	params.SetIdempotencyKey(p.IdempotencyKey)
	params.AddMetadata("escrow_id", p.EscrowID)
	if p.Reason != "" {
		params.AddMetadata("reason", p.Reason)
	}
	rf, err := c.api.Refunds.New(params)
	if err != nil {
		return "", mapStripeError("create refund", err)
	}
	return rf.ID, nil
}

// mapStripeError keeps transport and 5xx failures retryable and turns the
// processor's permanent rejections into poison so the outbox parks them for
// triage. Balance shortfalls stay retryable: pending settlement clears them
// without anyone touching anything.
func mapStripeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var serr *stripe.Error
	if !errors.As(err, &serr) {
		return err
	}
	if serr.Code == stripe.ErrorCodeBalanceInsufficient {
		return domain.Ef(domain.CodeInternal, "%s deferred: %s", op, serr.Msg)
	}
	switch serr.Type {
	case stripe.ErrorTypeInvalidRequest, stripe.ErrorTypeCard:
		return domain.Ef(domain.CodeValidation, "%s rejected by processor: %s", op, serr.Msg)
	}
	return err
}
