// Package statemachine provides a stateless, concurrency-safe transition
// table. Unlike an object that carries its own current state, a Table is
// built once and shared; callers pass in the state they loaded from storage
// and persist the state Fire returns. That fits records whose state lives in
// a database row and must only change inside a transaction.
//
//	table := statemachine.MustNew(
//		statemachine.WithTransition(Pending, Authorized, Authorize),
//		statemachine.WithTransition(Authorized, Captured, Capture,
//			statemachine.WithAction(activate)),
//	)
//	next, err := table.Fire(ctx, record.Status, Capture, record)
package statemachine

import (
	"context"
	"errors"
	"fmt"
)

// Guard decides whether a transition may be taken for the given data.
type Guard[S, E comparable] func(ctx context.Context, from S, event E, data any) bool

// Action runs while a transition is taken. A non-nil error aborts it.
type Action[S, E comparable] func(ctx context.Context, from, to S, event E, data any) error

type transition[S, E comparable] struct {
	to      S
	guards  []Guard[S, E]
	actions []Action[S, E]
}

// Table maps (state, event) pairs to transitions. It is immutable after
// construction and safe for concurrent use.
type Table[S, E comparable] struct {
	transitions map[S]map[E][]transition[S, E]
}

// Fire evaluates event against from and returns the resulting state. When
// several transitions match, the first one whose guards all pass wins.
// Actions run in registration order; the first failure aborts the
// transition and is returned wrapped.
func (t *Table[S, E]) Fire(ctx context.Context, from S, event E, data any) (S, error) {
	candidates := t.transitions[from][event]
	if len(candidates) == 0 {
		return from, &NoTransitionError{State: fmt.Sprint(from), Event: fmt.Sprint(event)}
	}

	for _, tr := range candidates {
		if !passes(ctx, tr.guards, from, event, data) {
			continue
		}
		for _, action := range tr.actions {
			if err := action(ctx, from, tr.to, event, data); err != nil {
				return from, fmt.Errorf("action failed: %w", err)
			}
		}
		return tr.to, nil
	}

	return from, &RejectedError{State: fmt.Sprint(from), Event: fmt.Sprint(event)}
}

// Can reports whether Fire would find a transition whose guards pass.
// Actions are not run.
func (t *Table[S, E]) Can(ctx context.Context, from S, event E, data any) bool {
	for _, tr := range t.transitions[from][event] {
		if passes(ctx, tr.guards, from, event, data) {
			return true
		}
	}
	return false
}

// Events lists the events that have at least one transition out of from.
func (t *Table[S, E]) Events(from S) []E {
	out := make([]E, 0, len(t.transitions[from]))
	for e := range t.transitions[from] {
		out = append(out, e)
	}
	return out
}

// Terminal reports whether from has no outgoing transitions.
func (t *Table[S, E]) Terminal(from S) bool {
	return len(t.transitions[from]) == 0
}

func passes[S, E comparable](ctx context.Context, guards []Guard[S, E], from S, event E, data any) bool {
	for _, g := range guards {
		if !g(ctx, from, event, data) {
			return false
		}
	}
	return true
}

// NoTransitionError means no transition is registered for the state/event pair.
type NoTransitionError struct {
	State string
	Event string
}

func (e *NoTransitionError) Error() string {
	return fmt.Sprintf("no transition available from state '%s' for event '%s'", e.State, e.Event)
}

// RejectedError means transitions exist but every one was blocked by a guard.
type RejectedError struct {
	State string
	Event string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("transition from state '%s' for event '%s' was rejected by guards", e.State, e.Event)
}

func IsNoTransition(err error) bool {
	var target *NoTransitionError
	return errors.As(err, &target)
}

func IsRejected(err error) bool {
	var target *RejectedError
	return errors.As(err, &target)
}
