package monetization

import (
	"context"
	"time"
)

// Tx is the set of persistence operations the service performs. Every
// method called inside Store.Atomic belongs to the same unit of work.
//
// Implementations translate their driver errors into this package's
// sentinels: ErrNotFound for missing rows, ErrConflict when a second open
// record is inserted for a profile, ErrDuplicateOrder when a provider order
// id is already attached to another record, and ErrAlreadyGranted when a
// free grant marker already exists.
type Tx interface {
	FreeSlots(ctx context.Context) (FreeSlotCounter, error)
	// TakeFreeSlot decrements the remaining counter if it is positive and
	// reports whether it did.
	TakeFreeSlot(ctx context.Context) (bool, error)
	// ReturnFreeSlot increments the remaining counter, never above the total.
	ReturnFreeSlot(ctx context.Context) error
	ResetFreeSlots(ctx context.Context, total int) error

	HasFreeGrant(ctx context.Context, profileID string) (bool, error)
	InsertFreeGrant(ctx context.Context, g FreeGrant) error
	DeleteFreeGrant(ctx context.Context, profileID string) error

	InsertPayment(ctx context.Context, rec *PaymentRecord) error
	UpdatePayment(ctx context.Context, rec *PaymentRecord) error
	GetPayment(ctx context.Context, id string) (*PaymentRecord, error)
	// FindPaymentByOrder never matches records without a provider order id.
	FindPaymentByOrder(ctx context.Context, provider Provider, externalID string) (*PaymentRecord, error)
	HasOpenPayment(ctx context.Context, profileID string) (bool, error)
	// LatestCaptured returns the most recently captured record of the
	// profile that is still in the captured state.
	LatestCaptured(ctx context.Context, profileID string) (*PaymentRecord, error)
	ListPayments(ctx context.Context, profileID string) ([]PaymentRecord, error)
	// StalePending lists pending records without a provider order id that
	// were created before the cutoff, oldest first.
	StalePending(ctx context.Context, before time.Time, limit int) ([]PaymentRecord, error)

	GetProfile(ctx context.Context, profileID string) (*Profile, error)
	SaveProfile(ctx context.Context, p *Profile) error
	// DueProfiles lists paid profiles whose PaidUntil is before now with the
	// given auto-renewal flag. For auto-renewing profiles, those with a
	// NextRenewalAt after now are excluded.
	DueProfiles(ctx context.Context, now time.Time, autoRenewal bool, limit int) ([]string, error)
}

// Store gives non-transactional access to the same operations and runs
// atomic units of work. Atomic may call fn more than once when the backend
// detects a conflicting concurrent transaction, so fn must not have side
// effects outside tx.
type Store interface {
	Tx
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
