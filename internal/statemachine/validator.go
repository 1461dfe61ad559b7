// Package statemachine guards status changes of financial entities with an
// explicit transition matrix.
package statemachine

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrAlreadyInState    = errors.New("already in requested state")
	ErrUnknownState      = errors.New("unknown state")
	ErrUnknownActor      = errors.New("unknown actor")
)

type Actor string

const (
	ActorUser   Actor = "user"
	ActorAdmin  Actor = "admin"
	ActorSystem Actor = "system"
)

func ParseActor(s string) (Actor, error) {
	switch a := Actor(strings.ToLower(strings.TrimSpace(s))); a {
	case ActorUser, ActorAdmin, ActorSystem:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownActor, s)
}

// TransitionError describes a rejected transition. It matches one of the
// package sentinels with errors.Is.
type TransitionError struct {
	Entity string
	From   string
	To     string
	Actor  Actor
	Err    error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s by %s: %v", e.Entity, e.From, e.To, e.Actor, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

// Matrix maps from -> to -> actors allowed to trigger the move.
type Matrix[S ~string] map[S]map[S][]Actor

type Validator[S ~string] struct {
	entity  string
	matrix  Matrix[S]
	aliases map[string]S
	known   map[S]bool
}

// NewValidator indexes every state named in m. aliases maps legacy stored
// spellings (lowercase) to canonical states.
func NewValidator[S ~string](entity string, m Matrix[S], aliases map[string]S) *Validator[S] {
	known := make(map[S]bool)
	for from, targets := range m {
		known[from] = true
		for to := range targets {
			known[to] = true
		}
	}
	return &Validator[S]{entity: entity, matrix: m, aliases: aliases, known: known}
}

// Normalize maps a stored or requested status string onto its canonical
// state. Case is ignored.
func (v *Validator[S]) Normalize(raw string) (S, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if v.known[S(s)] {
		return S(s), nil
	}
	if c, ok := v.aliases[s]; ok {
		return c, nil
	}
	return "", &TransitionError{Entity: v.entity, From: raw, Err: ErrUnknownState}
}

func (v *Validator[S]) Validate(current, requested S, actor Actor) error {
	fail := func(err error) error {
		return &TransitionError{Entity: v.entity, From: string(current), To: string(requested), Actor: actor, Err: err}
	}
	if !v.known[current] || !v.known[requested] {
		return fail(ErrUnknownState)
	}
	if current == requested {
		return fail(ErrAlreadyInState)
	}
	actors, ok := v.matrix[current][requested]
	if !ok || !slices.Contains(actors, actor) {
		return fail(ErrInvalidTransition)
	}
	return nil
}

// ValidateRaw normalizes both sides before validating and returns the
// canonical requested state.
func (v *Validator[S]) ValidateRaw(current, requested string, actor Actor) (S, error) {
	from, err := v.Normalize(current)
	if err != nil {
		return "", err
	}
	to, err := v.Normalize(requested)
	if err != nil {
		return "", err
	}
	return to, v.Validate(from, to, actor)
}

// Allowed lists the states actor may move current to, sorted.
func (v *Validator[S]) Allowed(current S, actor Actor) []S {
	var out []S
	for to, actors := range v.matrix[current] {
		if slices.Contains(actors, actor) {
			out = append(out, to)
		}
	}
	slices.Sort(out)
	return out
}

// Terminal reports whether s has no outgoing transitions.
func (v *Validator[S]) Terminal(s S) bool {
	return v.known[s] && len(v.matrix[s]) == 0
}
