package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

const (
	regionalSignatureHeader = "X-Aggregator-Signature"
	regionalTimestampHeader = "X-Aggregator-Timestamp"
)

// RegionalAdapter handles the regional payment aggregator, which signs
// "<unix-timestamp>.<raw-body>" with HMAC-SHA256 and sends the hex digest and
// timestamp in separate headers.
type RegionalAdapter struct {
	secret    string
	tolerance time.Duration
}

// NewRegionalAdapter builds the regional aggregator adapter.
func NewRegionalAdapter(secret string, tolerance time.Duration) *RegionalAdapter {
	return &RegionalAdapter{secret: secret, tolerance: tolerance}
}

// Tag returns the regional aggregator tag.
func (a *RegionalAdapter) Tag() Tag { return TagRegional }

// Verify recomputes the keyed hash over timestamp and body and enforces the
// skew window against the signed timestamp.
func (a *RegionalAdapter) Verify(raw []byte, header HeaderGetter, receivedAt time.Time) error {
	sig := header(regionalSignatureHeader)
	tsHeader := header(regionalTimestampHeader)
	if sig == "" || tsHeader == "" {
		return fmt.Errorf("%w: missing signature or timestamp header", ErrSignatureInvalid)
	}

	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp %q", ErrSignatureInvalid, tsHeader)
	}
	if !withinSkew(time.Unix(ts, 0), receivedAt, a.tolerance) {
		return fmt.Errorf("%w: signed at %d", ErrStaleEvent, ts)
	}

	mac := hmac.New(sha256.New, []byte(a.secret))
	mac.Write([]byte(tsHeader))
	mac.Write([]byte("."))
	mac.Write(raw)
	provided, err := hex.DecodeString(sig)
	if err != nil || !hmac.Equal(provided, mac.Sum(nil)) {
		return fmt.Errorf("%w: digest mismatch", ErrSignatureInvalid)
	}
	return nil
}

type regionalPayload struct {
	EventID           string `json:"event_id"`
	Type              string `json:"type"`
	Reference         string `json:"reference"`
	OriginalReference string `json:"original_reference"`
	WalletID          string `json:"wallet_id"`
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
	OccurredAt        string `json:"occurred_at"`
}

// Normalize converts a verified aggregator payload into a canonical event.
// Refund notifications carry the original payment reference so the ledger can
// locate the transaction being reversed.
func (a *RegionalAdapter) Normalize(raw []byte) (Event, error) {
	var p regionalPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	out := Event{
		Provider:      TagRegional,
		EventID:       p.EventID,
		ExternalRef:   p.Reference,
		WalletID:      p.WalletID,
		Amount:        p.Amount,
		Currency:      p.Currency,
		PayloadDigest: Digest(raw),
	}
	if p.OccurredAt != "" {
		t, err := time.Parse(time.RFC3339, p.OccurredAt)
		if err != nil {
			return Event{}, fmt.Errorf("%w: bad occurred_at: %v", ErrMalformedPayload, err)
		}
		out.OccurredAt = t.UTC()
	}

	switch p.Type {
	case "payment.success":
		out.Kind = KindPaymentSucceeded
	case "payment.failed":
		out.Kind = KindPaymentFailed
	case "payment.refunded":
		out.Kind = KindRefunded
		if p.OriginalReference != "" {
			out.ExternalRef = p.OriginalReference
		}
	default:
		return Event{}, fmt.Errorf("%w: %s", ErrUnsupportedEventKind, p.Type)
	}

	if out.EventID == "" || out.ExternalRef == "" {
		return Event{}, fmt.Errorf("%w: missing event id or reference", ErrMalformedPayload)
	}
	return out, nil
}
