package provider

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Tag identifies an external payment provider. Adapter selection is always by
// explicit tag, never by payload sniffing.
type Tag string

const (
	// TagCard is the card processor.
	TagCard Tag = "card"
	// TagRegional is the regional payment aggregator.
	TagRegional Tag = "regional"
	// TagWalletNet is the global wallet network.
	TagWalletNet Tag = "walletnet"
)

// EventKind classifies a normalized webhook notification.
type EventKind string

const (
	KindPaymentSucceeded EventKind = "payment_succeeded"
	KindPaymentFailed    EventKind = "payment_failed"
	KindRefunded         EventKind = "refunded"
)

var (
	// ErrSignatureInvalid indicates the webhook signature did not match the shared secret.
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	// ErrStaleEvent indicates the event timestamp falls outside the accepted skew window.
	ErrStaleEvent = errors.New("webhook event outside tolerance window")
	// ErrUnsupportedEventKind marks event kinds the ledger does not act on. These are
	// acknowledged to the provider but produce no ledger effect.
	ErrUnsupportedEventKind = errors.New("unsupported event kind")
	// ErrMalformedPayload indicates the payload could not be decoded.
	ErrMalformedPayload = errors.New("malformed webhook payload")
	// ErrUnknownProvider indicates no adapter is registered for the requested tag.
	ErrUnknownProvider = errors.New("unknown provider")
)

// Event is the canonical, provider-agnostic representation of a webhook
// notification after verification and normalization.
type Event struct {
	Provider      Tag
	EventID       string
	Kind          EventKind
	ExternalRef   string
	WalletID      string
	Amount        int64 // minor units, provider-stated currency
	Currency      string
	OccurredAt    time.Time
	PayloadDigest string
}

// HeaderGetter returns the value of a named request header.
type HeaderGetter func(name string) string

// Adapter verifies an inbound webhook's authenticity and normalizes its payload
// into a canonical Event. Implementations are pure: a cryptographic check plus a
// transformation, no side effects.
type Adapter interface {
	Tag() Tag
	Verify(raw []byte, header HeaderGetter, receivedAt time.Time) error
	Normalize(raw []byte) (Event, error)
}

// Registry resolves adapters by provider tag.
type Registry struct {
	adapters map[Tag]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	m := make(map[Tag]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Tag()] = a
	}
	return &Registry{adapters: m}
}

// Lookup returns the adapter registered for tag.
func (r *Registry) Lookup(tag Tag) (Adapter, error) {
	a, ok := r.adapters[tag]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return a, nil
}

// Digest returns the hex SHA-256 of a raw payload, stored alongside the
// webhook record for forensic replay.
func Digest(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func withinSkew(eventTime, receivedAt time.Time, tolerance time.Duration) bool {
	delta := receivedAt.Sub(eventTime)
	if delta < 0 {
		delta = -delta
	}
	return delta <= tolerance
}
