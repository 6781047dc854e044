package statemachine

import "errors"

var ErrInvalidTransition = errors.New("invalid transition: nil guard or action")

// Option registers transitions on a Table under construction.
type Option[S, E comparable] func(*Table[S, E]) error

// TransitionOption attaches guards and actions to a single transition.
type TransitionOption[S, E comparable] func(*transition[S, E]) error

// New builds a Table from the given options.
func New[S, E comparable](opts ...Option[S, E]) (*Table[S, E], error) {
	t := &Table[S, E]{transitions: make(map[S]map[E][]transition[S, E])}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// MustNew is like New but panics on invalid options. Intended for
// package-level tables.
func MustNew[S, E comparable](opts ...Option[S, E]) *Table[S, E] {
	t, err := New(opts...)
	if err != nil {
		panic(err)
	}
	return t
}

func WithTransition[S, E comparable](from, to S, event E, opts ...TransitionOption[S, E]) Option[S, E] {
	return func(t *Table[S, E]) error {
		tr := transition[S, E]{to: to}
		for _, opt := range opts {
			if err := opt(&tr); err != nil {
				return err
			}
		}
		if t.transitions[from] == nil {
			t.transitions[from] = make(map[E][]transition[S, E])
		}
		t.transitions[from][event] = append(t.transitions[from][event], tr)
		return nil
	}
}

// WithTransitionsFrom registers the same event and target for several
// source states.
func WithTransitionsFrom[S, E comparable](from []S, to S, event E, opts ...TransitionOption[S, E]) Option[S, E] {
	return func(t *Table[S, E]) error {
		for _, f := range from {
			if err := WithTransition(f, to, event, opts...)(t); err != nil {
				return err
			}
		}
		return nil
	}
}

func WithGuard[S, E comparable](guard Guard[S, E]) TransitionOption[S, E] {
	return func(tr *transition[S, E]) error {
		if guard == nil {
			return ErrInvalidTransition
		}
		tr.guards = append(tr.guards, guard)
		return nil
	}
}

func WithAction[S, E comparable](action Action[S, E]) TransitionOption[S, E] {
	return func(tr *transition[S, E]) error {
		if action == nil {
			return ErrInvalidTransition
		}
		tr.actions = append(tr.actions, action)
		return nil
	}
}
