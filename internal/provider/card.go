package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/webhook"
)

const cardSignatureHeader = "Stripe-Signature"

// CardAdapter verifies and normalizes webhooks from the card processor. The
// processor signs the raw body together with a timestamp in the
// Stripe-Signature header scheme (t=...,v1=...).
type CardAdapter struct {
	secret    string
	tolerance time.Duration
}

// NewCardAdapter builds the card processor adapter.
func NewCardAdapter(secret string, tolerance time.Duration) *CardAdapter {
	return &CardAdapter{secret: secret, tolerance: tolerance}
}

// Tag returns the card processor tag.
func (a *CardAdapter) Tag() Tag { return TagCard }

// Verify checks the signature header against the shared secret.
func (a *CardAdapter) Verify(raw []byte, header HeaderGetter, _ time.Time) error {
	sig := header(cardSignatureHeader)
	if sig == "" {
		return fmt.Errorf("%w: missing %s header", ErrSignatureInvalid, cardSignatureHeader)
	}
	if err := webhook.ValidatePayloadWithTolerance(raw, sig, a.secret, a.tolerance); err != nil {
		if errors.Is(err, webhook.ErrTooOld) {
			return fmt.Errorf("%w: %v", ErrStaleEvent, err)
		}
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return nil
}

// Normalize converts a verified card processor payload into a canonical event.
func (a *CardAdapter) Normalize(raw []byte) (Event, error) {
	var ev stripe.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	out := Event{
		Provider:      TagCard,
		EventID:       ev.ID,
		OccurredAt:    time.Unix(ev.Created, 0).UTC(),
		PayloadDigest: Digest(raw),
	}

	switch ev.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &intent); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		out.Kind = KindPaymentSucceeded
		if ev.Type == "payment_intent.payment_failed" {
			out.Kind = KindPaymentFailed
		}
		out.ExternalRef = intent.ID
		out.Amount = intent.Amount
		out.Currency = strings.ToUpper(string(intent.Currency))
		out.WalletID = intent.Metadata["wallet_id"]
	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(ev.Data.Raw, &charge); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		out.Kind = KindRefunded
		if charge.PaymentIntent != nil {
			out.ExternalRef = charge.PaymentIntent.ID
		}
		out.Amount = charge.AmountRefunded
		out.Currency = strings.ToUpper(string(charge.Currency))
		out.WalletID = charge.Metadata["wallet_id"]
	default:
		return Event{}, fmt.Errorf("%w: %s", ErrUnsupportedEventKind, ev.Type)
	}

	if out.EventID == "" || out.ExternalRef == "" {
		return Event{}, fmt.Errorf("%w: missing event id or reference", ErrMalformedPayload)
	}
	return out, nil
}
