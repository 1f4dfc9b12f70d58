package provider

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

const walletnetSignatureHeader = "X-Wnet-Signature"

// WalletNetAdapter handles the global wallet network. The network signs the
// raw body alone with HMAC-SHA512 (base64); the event timestamp travels inside
// the payload, so replay protection is enforced during normalization-time
// verification of that field.
type WalletNetAdapter struct {
	secret    string
	tolerance time.Duration
}

// NewWalletNetAdapter builds the wallet network adapter.
func NewWalletNetAdapter(secret string, tolerance time.Duration) *WalletNetAdapter {
	return &WalletNetAdapter{secret: secret, tolerance: tolerance}
}

// Tag returns the wallet network tag.
func (a *WalletNetAdapter) Tag() Tag { return TagWalletNet }

type walletnetPayload struct {
	ID       string `json:"id"`
	Event    string `json:"event"`
	Transfer struct {
		Reference   string `json:"reference"`
		OriginalRef string `json:"original_reference"`
		Wallet      string `json:"wallet"`
		AmountMinor int64  `json:"amount_minor"`
		Currency    string `json:"currency"`
	} `json:"transfer"`
	Timestamp int64 `json:"timestamp"`
}

// Verify recomputes the body signature and checks the embedded event timestamp
// against the skew window.
func (a *WalletNetAdapter) Verify(raw []byte, header HeaderGetter, receivedAt time.Time) error {
	sig := header(walletnetSignatureHeader)
	if sig == "" {
		return fmt.Errorf("%w: missing %s header", ErrSignatureInvalid, walletnetSignatureHeader)
	}

	mac := hmac.New(sha512.New, []byte(a.secret))
	mac.Write(raw)
	provided, err := base64.StdEncoding.DecodeString(sig)
	if err != nil || !hmac.Equal(provided, mac.Sum(nil)) {
		return fmt.Errorf("%w: digest mismatch", ErrSignatureInvalid)
	}

	var p walletnetPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p.Timestamp == 0 {
		return fmt.Errorf("%w: missing timestamp", ErrMalformedPayload)
	}
	if !withinSkew(time.Unix(p.Timestamp, 0), receivedAt, a.tolerance) {
		return fmt.Errorf("%w: signed at %d", ErrStaleEvent, p.Timestamp)
	}
	return nil
}

// Normalize converts a verified wallet network payload into a canonical event.
func (a *WalletNetAdapter) Normalize(raw []byte) (Event, error) {
	var p walletnetPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	out := Event{
		Provider:      TagWalletNet,
		EventID:       p.ID,
		ExternalRef:   p.Transfer.Reference,
		WalletID:      p.Transfer.Wallet,
		Amount:        p.Transfer.AmountMinor,
		Currency:      p.Transfer.Currency,
		OccurredAt:    time.Unix(p.Timestamp, 0).UTC(),
		PayloadDigest: Digest(raw),
	}

	switch p.Event {
	case "TRANSFER_COMPLETED":
		out.Kind = KindPaymentSucceeded
	case "TRANSFER_DECLINED":
		out.Kind = KindPaymentFailed
	case "TRANSFER_REVERSED":
		out.Kind = KindRefunded
		if p.Transfer.OriginalRef != "" {
			out.ExternalRef = p.Transfer.OriginalRef
		}
	default:
		return Event{}, fmt.Errorf("%w: %s", ErrUnsupportedEventKind, p.Event)
	}

	if out.EventID == "" || out.ExternalRef == "" {
		return Event{}, fmt.Errorf("%w: missing event id or reference", ErrMalformedPayload)
	}
	return out, nil
}
