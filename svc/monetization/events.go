package monetization

import (
	"context"
	"time"
)

// Domain event names.
const (
	EventPaymentCreated   = "payment.created"
	EventPaymentCaptured  = "payment.captured"
	EventPaymentFailed    = "payment.failed"
	EventPaymentCancelled = "payment.cancelled"
	EventPaymentRefunded  = "payment.refunded"
	EventProfileActivated = "profile.activated"
	EventProfileExpired   = "profile.expired"
	EventProfileRevoked   = "profile.revoked"
	EventFreeSlotGranted  = "free_slot.granted"
	EventFreeSlotReleased = "free_slot.released"
	EventRenewalExhausted = "renewal.exhausted"
)

// Event is a domain event emitted after a unit of work commits.
type Event struct {
	Name       string     `json:"name"`
	ProfileID  string     `json:"profileId"`
	PaymentID  string     `json:"paymentId,omitempty"`
	Provider   Provider   `json:"provider,omitempty"`
	Plan       PlanType   `json:"plan,omitempty"`
	Status     Status     `json:"status,omitempty"`
	PaidUntil  *time.Time `json:"paidUntil,omitempty"`
	OccurredAt time.Time  `json:"occurredAt"`
}

// Publisher delivers domain events to downstream consumers. Delivery is
// best effort; failures are logged and never undo committed state.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// RenewalFailure describes a profile whose auto-renewal gave up.
type RenewalFailure struct {
	ProfileID string
	Provider  Provider
	Plan      PlanType
	Attempts  int
	LastError string
	ExpiredAt time.Time
}

// Reporter notifies operators about renewals that exhausted their retries.
type Reporter interface {
	ReportRenewalExhausted(ctx context.Context, f RenewalFailure) error
}

// EventArchive keeps verified raw provider deliveries for audit and replay.
type EventArchive interface {
	Archive(ctx context.Context, provider, eventID string, payload []byte) error
}

// SummaryCache caches the pricing summary between free-slot changes.
type SummaryCache interface {
	Get(ctx context.Context, key string) (PricingSummary, bool, error)
	Set(ctx context.Context, key string, v PricingSummary) error
	Delete(ctx context.Context, key string) error
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, ...Event) error { return nil }
