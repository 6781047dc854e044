package monetization

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dmitrymomot/promokit/pkg/logger"
	"github.com/dmitrymomot/promokit/pkg/statemachine"
)

type paymentEvent string

const (
	evAuthorize paymentEvent = "authorize"
	evCapture   paymentEvent = "capture"
	evFail      paymentEvent = "fail"
	evCancel    paymentEvent = "cancel"
	evRefund    paymentEvent = "refund"
)

// transition is the data handed to state machine actions.
type transition struct {
	tx     Tx
	rec    *PaymentRecord
	at     time.Time
	events *[]Event
}

// newPaymentTable wires the payment state machine:
//
//	pending    -> authorized  (authorize)
//	authorized -> captured    (capture, activates the profile)
//	pending|authorized -> failed | cancelled (releases the purchase slot)
//	captured   -> refunded    (refund)
func newPaymentTable(s *Service) *statemachine.Table[Status, paymentEvent] {
	open := []Status{StatusPending, StatusAuthorized}
	return statemachine.MustNew(
		statemachine.WithTransition(StatusPending, StatusAuthorized, evAuthorize),
		statemachine.WithTransition(StatusAuthorized, StatusCaptured, evCapture,
			statemachine.WithAction[Status, paymentEvent](s.onCapture)),
		statemachine.WithTransitionsFrom(open, StatusFailed, evFail,
			statemachine.WithAction[Status, paymentEvent](s.onRelease)),
		statemachine.WithTransitionsFrom(open, StatusCancelled, evCancel,
			statemachine.WithAction[Status, paymentEvent](s.onRelease)),
		statemachine.WithTransition(StatusCaptured, StatusRefunded, evRefund,
			statemachine.WithAction[Status, paymentEvent](s.onRefund)),
	)
}

func eventFor(t EventType) (paymentEvent, bool) {
	switch t {
	case EventAuthorized:
		return evAuthorize, true
	case EventCaptured:
		return evCapture, true
	case EventFailed:
		return evFail, true
	case EventCancelled:
		return evCancel, true
	case EventRefunded:
		return evRefund, true
	}
	return "", false
}

// HandleProviderEvent applies a verified provider event to the payment
// record that owns the external id. The status transition is the
// idempotency boundary: duplicates and events behind the record's current
// status are Ignored and change nothing. An event for an unknown order
// returns ErrUnknownOrder. On error nothing is mutated and the caller
// should leave the delivery unacknowledged.
//
// An authorized first purchase is captured right after the event commits.
// A retryable capture failure is returned so the provider redelivers the
// authorization and the capture is attempted again.
func (s *Service) HandleProviderEvent(ctx context.Context, ev ProviderEvent) (Outcome, error) {
	outcome, rec, err := s.reconcile(ctx, ev)
	if err != nil {
		return "", err
	}
	if ev.Type != EventAuthorized || !awaitingCapture(rec) {
		return outcome, nil
	}
	if err := s.captureAuthorized(ctx, rec); err != nil {
		return "", err
	}
	return outcome, nil
}

// awaitingCapture reports whether rec is a first purchase the service has
// to capture itself. Renewals are captured by RenewDue.
func awaitingCapture(rec *PaymentRecord) bool {
	return rec != nil && rec.Status == StatusAuthorized && rec.PeriodStart == nil && rec.ProviderOrderID != ""
}

// captureAuthorized asks the provider to collect an authorized order and
// applies the resulting status. It runs outside any unit of work.
func (s *Service) captureAuthorized(ctx context.Context, rec *PaymentRecord) error {
	log := s.logger.With(logger.PaymentID(rec.ID), logger.Provider(rec.Provider), logger.ExternalID(rec.ProviderOrderID))

	pp, err := s.providers.Get(rec.Provider)
	if err != nil {
		log.ErrorContext(ctx, "cannot capture authorized payment", logger.Error(err))
		return nil
	}

	status, err := s.captureOrder(ctx, pp, rec.ProviderOrderID)
	switch {
	case IsRetryable(err):
		log.WarnContext(ctx, "capture failed, awaiting redelivery", logger.Error(err))
		return err
	case err != nil:
		log.ErrorContext(ctx, "capture rejected by provider", logger.Error(err))
		return nil
	}

	if _, _, err := s.reconcile(ctx, ProviderEvent{
		Provider:   rec.Provider,
		ExternalID: rec.ProviderOrderID,
		Type:       status,
	}); err != nil {
		// The capture webhook redelivers the same transition.
		log.WarnContext(ctx, "payment captured but not reconciled", logger.Error(err))
	}
	return nil
}

// reconcile runs the transition for ev in one unit of work and returns the
// record as stored afterwards.
func (s *Service) reconcile(ctx context.Context, ev ProviderEvent) (Outcome, *PaymentRecord, error) {
	log := s.logger.With(logger.Provider(ev.Provider), logger.ExternalID(ev.ExternalID), logger.Event(string(ev.Type)))

	if ev.ExternalID == "" {
		s.metrics.providerEvent(ev.Provider, "error")
		return "", nil, ErrUnknownOrder
	}

	step, ok := eventFor(ev.Type)
	if !ok {
		log.DebugContext(ctx, "provider event carries no transition")
		s.metrics.providerEvent(ev.Provider, string(Ignored))
		return Ignored, nil, nil
	}

	var (
		outcome Outcome
		events  []Event
		rec     *PaymentRecord
	)
	err := s.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		outcome, events = Ignored, nil

		var err error
		rec, err = tx.FindPaymentByOrder(ctx, ev.Provider, ev.ExternalID)
		if errors.Is(err, ErrNotFound) {
			return ErrUnknownOrder
		}
		if err != nil {
			return err
		}

		steps := s.pathTo(ctx, rec.Status, step)
		if len(steps) == 0 {
			return nil
		}
		for _, st := range steps {
			if err := s.fire(ctx, tx, rec, st, &events); err != nil {
				return err
			}
		}
		outcome = Ack
		return nil
	})
	if err != nil {
		s.metrics.providerEvent(ev.Provider, "error")
		log.ErrorContext(ctx, "failed to reconcile provider event", logger.Error(err))
		return "", nil, err
	}

	s.metrics.providerEvent(ev.Provider, string(outcome))
	if outcome == Ignored {
		log.InfoContext(ctx, "provider event ignored", logger.PaymentID(rec.ID), logger.Status(rec.Status))
	} else {
		log.InfoContext(ctx, "provider event applied", logger.PaymentID(rec.ID), logger.Status(rec.Status))
	}
	s.publish(ctx, events...)
	return outcome, rec, nil
}

// pathTo returns the transitions that take a record from current through
// step. Providers that capture automatically report captured for a record
// that was never authorized; that is applied as authorize then capture.
func (s *Service) pathTo(ctx context.Context, current Status, step paymentEvent) []paymentEvent {
	if s.payments.Can(ctx, current, step, nil) {
		return []paymentEvent{step}
	}
	if step == evCapture && current == StatusPending {
		return []paymentEvent{evAuthorize, evCapture}
	}
	return nil
}

// fire runs one transition and persists the new status. Actions run first,
// in the same unit of work, so a failing action leaves the stored status
// untouched.
func (s *Service) fire(ctx context.Context, tx Tx, rec *PaymentRecord, ev paymentEvent, events *[]Event) error {
	at := s.now()
	next, err := s.payments.Fire(ctx, rec.Status, ev, &transition{tx: tx, rec: rec, at: at, events: events})
	if statemachine.IsNoTransition(err) {
		return errors.Join(ErrInvalidState, err)
	}
	if err != nil {
		return err
	}

	rec.Status = next
	rec.UpdatedAt = at
	if err := tx.UpdatePayment(ctx, rec); err != nil {
		return err
	}

	if name := paymentEventName(next); name != "" {
		*events = append(*events, Event{
			Name:       name,
			ProfileID:  rec.ProfileID,
			PaymentID:  rec.ID,
			Provider:   rec.Provider,
			Plan:       rec.PlanType,
			Status:     next,
			OccurredAt: at,
		})
	}
	return nil
}

func (s *Service) onCapture(ctx context.Context, _, _ Status, _ paymentEvent, data any) error {
	t := data.(*transition)

	plan, err := s.catalog.GetPlan(t.rec.PlanType)
	if err != nil {
		return err
	}

	capturedAt := t.at
	t.rec.CapturedAt = &capturedAt

	// Renewals continue the previous period; purchases start at capture.
	from := capturedAt
	if t.rec.PeriodStart != nil {
		from = *t.rec.PeriodStart
	}
	_, err = s.activateTx(ctx, t.tx, t.rec.ProfileID, plan, from, t.events)
	return err
}

func (s *Service) onRelease(ctx context.Context, _, _ Status, _ paymentEvent, data any) error {
	t := data.(*transition)
	if t.rec.PlanType != PlanFreeTrial {
		return nil
	}
	return s.releaseFreeSlotTx(ctx, t.tx, t.rec.ProfileID, t.events)
}

// onRefund deactivates the profile when the refunded record is the one
// that paid for the current period.
func (s *Service) onRefund(ctx context.Context, _, _ Status, _ paymentEvent, data any) error {
	t := data.(*transition)

	latest, err := t.tx.LatestCaptured(ctx, t.rec.ProfileID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if latest != nil && latest.ID != t.rec.ID {
		return nil
	}
	return s.deactivateTx(ctx, t.tx, t.rec.ProfileID, t.events)
}

func paymentEventName(s Status) string {
	switch s {
	case StatusCaptured:
		return EventPaymentCaptured
	case StatusFailed:
		return EventPaymentFailed
	case StatusCancelled:
		return EventPaymentCancelled
	case StatusRefunded:
		return EventPaymentRefunded
	}
	return ""
}

// Cancel abandons an open payment of the profile.
func (s *Service) Cancel(ctx context.Context, profileID, paymentID string) (*PaymentRecord, error) {
	rec, err := s.cancel(ctx, paymentID, func(rec *PaymentRecord) error {
		if rec.ProfileID != profileID {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "payment cancelled",
		logger.ProfileID(profileID), logger.PaymentID(paymentID))
	return rec, nil
}

// cancel moves an open record to cancelled. check runs on the loaded record
// before the transition.
func (s *Service) cancel(ctx context.Context, paymentID string, check func(*PaymentRecord) error) (*PaymentRecord, error) {
	var (
		rec    *PaymentRecord
		events []Event
	)
	err := s.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		events = nil

		var err error
		rec, err = tx.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(rec); err != nil {
				return err
			}
		}
		if !s.payments.Can(ctx, rec.Status, evCancel, nil) {
			return ErrInvalidState
		}
		return s.fire(ctx, tx, rec, evCancel, &events)
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events...)
	return rec, nil
}

// cancelQuietly is used on failure paths where the original error matters
// more than the cancellation result.
func (s *Service) cancelQuietly(ctx context.Context, paymentID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.cancel(ctx, paymentID, nil); err != nil && !errors.Is(err, ErrInvalidState) {
		s.logger.ErrorContext(ctx, "failed to cancel payment",
			logger.PaymentID(paymentID), logger.Error(err), slog.String("cause", errString(cause)))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
