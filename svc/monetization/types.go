package monetization

import (
	"time"
)

// PlanType identifies a catalog plan.
type PlanType string

const (
	PlanMonthly   PlanType = "monthly"
	PlanYearly    PlanType = "yearly"
	PlanLifetime  PlanType = "lifetime"
	PlanFreeTrial PlanType = "free_trial"
)

func (p PlanType) Valid() bool {
	switch p {
	case PlanMonthly, PlanYearly, PlanLifetime, PlanFreeTrial:
		return true
	}
	return false
}

// Provider names a payment provider.
type Provider string

const (
	ProviderPayPal Provider = "paypal"
	ProviderStripe Provider = "stripe"
	ProviderCard   Provider = "card"
	ProviderSEPA   Provider = "sepa"
	// ProviderFree marks free-trial grants, which never reach a provider.
	ProviderFree Provider = "free"
)

func (p Provider) Valid() bool {
	switch p {
	case ProviderPayPal, ProviderStripe, ProviderCard, ProviderSEPA, ProviderFree:
		return true
	}
	return false
}

// Status is the lifecycle state of a payment record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAuthorized Status = "authorized"
	StatusCaptured   Status = "captured"
	StatusFailed     Status = "failed"
	StatusRefunded   Status = "refunded"
	StatusCancelled  Status = "cancelled"
)

// Open reports whether the record still blocks a new purchase for its profile.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusAuthorized
}

// Money is an amount in the currency's smallest unit.
// For example, 9.99 EUR is Money{Amount: 999, Currency: "EUR"}.
type Money struct {
	Amount   int64  `json:"amount" yaml:"amount"`
	Currency string `json:"currency" yaml:"currency"`
}

// PricingPlan is an immutable catalog entry.
type PricingPlan struct {
	Type     PlanType `json:"type" yaml:"type"`
	Name     string   `json:"name" yaml:"name"`
	Price    Money    `json:"price" yaml:"price"`
	Features []string `json:"features" yaml:"features"`
	// DurationDays is 0 for plans that never expire.
	DurationDays int `json:"durationDays" yaml:"duration_days"`
	// ProviderPrices maps a provider to its own catalog id for this plan,
	// for providers that bill against pre-registered prices.
	ProviderPrices map[Provider]string `json:"-" yaml:"provider_prices"`
}

// PaidUntil returns the expiry for a period starting at from, or nil when
// the plan never expires.
func (p PricingPlan) PaidUntil(from time.Time) *time.Time {
	if p.DurationDays == 0 {
		return nil
	}
	until := from.AddDate(0, 0, p.DurationDays)
	return &until
}

// Renewable reports whether the plan can be charged again on expiry.
func (p PricingPlan) Renewable() bool {
	return p.DurationDays > 0 && p.Type != PlanFreeTrial
}

// PaymentRecord is one purchase attempt.
type PaymentRecord struct {
	ID        string
	ProfileID string
	Provider  Provider
	// ProviderOrderID is empty until the provider assigns an order id.
	ProviderOrderID string
	Amount          int64
	Currency        string
	PlanType        PlanType
	Status          Status
	// Renewal marks records created by the auto-renewal sweep; PeriodStart is
	// the expiry the renewal extends from.
	Renewal     bool
	PeriodStart *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CapturedAt  *time.Time
}

// Profile carries the monetization state of a marketplace profile.
type Profile struct {
	ID       string
	IsPaid   bool
	IsActive bool
	// PaidUntil is nil for plans that never expire.
	PaidUntil       *time.Time
	PlanType        *PlanType
	AutoRenewal     bool
	RenewalAttempts int
	NextRenewalAt   *time.Time
	UpdatedAt       time.Time
}

// Lifetime reports whether the profile holds a plan that never expires.
func (p *Profile) Lifetime() bool {
	return p.IsPaid && p.PaidUntil == nil
}

// due reports whether the paid period ended before now.
func (p *Profile) due(now time.Time) bool {
	return p.IsPaid && p.PaidUntil != nil && p.PaidUntil.Before(now)
}

// FreeSlotCounter is the shared free-trial quota.
type FreeSlotCounter struct {
	Remaining int
	Total     int
}

// FreeGrant marks a profile that has consumed its free slot.
type FreeGrant struct {
	ProfileID string
	PaymentID string
	GrantedAt time.Time
}

// DenyReason explains why a free slot was not granted.
type DenyReason string

const (
	DenyExhausted      DenyReason = "exhausted"
	DenyAlreadyGranted DenyReason = "already_granted"
)

// GrantResult is the outcome of a free-slot request. Exactly one of Record
// and Reason is set.
type GrantResult struct {
	Granted bool
	Record  *PaymentRecord
	Profile *Profile
	Reason  DenyReason
}

// EventType is the normalized status a provider reports for an order.
type EventType string

const (
	EventAuthorized EventType = "authorized"
	EventCaptured   EventType = "captured"
	EventFailed     EventType = "failed"
	EventCancelled  EventType = "cancelled"
	EventRefunded   EventType = "refunded"
	// EventPending means the provider has not settled the order yet.
	EventPending EventType = "pending"
)

// ProviderEvent is a verified provider callback, already mapped to an
// internal event type.
type ProviderEvent struct {
	Provider   Provider
	ExternalID string
	Type       EventType
	// EventID is the provider's delivery id, used for archiving.
	EventID string
	Payload []byte
}

// Outcome is the result of reconciling a provider event.
type Outcome string

const (
	// Ack means the event advanced the record.
	Ack Outcome = "ack"
	// Ignored means the event was a duplicate or arrived out of order.
	Ignored Outcome = "ignored"
)

// PricingSummary is the public pricing view.
type PricingSummary struct {
	Plans                  []PlanView `json:"plans"`
	FreePromotionAvailable bool       `json:"freePromotionAvailable"`
	RemainingFreeSpots     int        `json:"remainingFreeSpots"`
}

// PlanView is a catalog plan as shown to clients.
type PlanView struct {
	Type         PlanType `json:"type"`
	Name         string   `json:"name"`
	Price        Money    `json:"price"`
	DisplayPrice string   `json:"displayPrice"`
	DurationDays int      `json:"durationDays"`
	Features     []string `json:"features"`
}
