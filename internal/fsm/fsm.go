// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package fsm provides table-driven state machines with guarded transitions.
//
// A Machine is built once from a static transition table and shared by every
// entity of one kind. Firing an event never mutates the entity unless the
// transition is legal and its guard holds; the caller assigns the returned
// state and persists it.
package fsm

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrInvalidTransition is returned when no transition exists for the current state and event.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrGuardNotSatisfied is returned when a transition exists but its guard rejected it.
	ErrGuardNotSatisfied = errors.New("guard not satisfied")
)

// Event names a transition trigger.
type Event string

// Guard decides whether a transition may fire for the given owner.
type Guard[T any] func(owner T) bool

// Effect mutates the owner as part of a transition. It runs only after the guard passed.
type Effect[T any] func(owner T)

// Transition is one row of a transition table.
type Transition[S comparable, T any] struct {
	Event  Event
	From   []S
	To     S
	Guard  Guard[T]
	Effect Effect[T]
}

// TransitionError describes a rejected event.
type TransitionError[S comparable] struct {
	Machine string
	From    S
	Event   Event
	Err     error
}

func (e *TransitionError[S]) Error() string {
	return fmt.Sprintf("%s: %s from %v: %v", e.Machine, e.Event, e.From, e.Err)
}

func (e *TransitionError[S]) Unwrap() error { return e.Err }

type key[S comparable] struct {
	from  S
	event Event
}

type rule[S comparable, T any] struct {
	to     S
	guard  Guard[T]
	effect Effect[T]
}

// Machine is an immutable transition table for owners of type T with states of type S.
type Machine[S comparable, T any] struct {
	name   string
	states []S
	rules  map[key[S]]rule[S, T]
	events []Event
}

// New builds a machine. states lists every member of the closed state set; it panics if a
// transition refers to a state outside that set or if two rows share a (state, event) key.
// Tables are package-level literals, so a panic here is a programming error caught at init.
func New[S comparable, T any](name string, states []S, transitions ...Transition[S, T]) *Machine[S, T] {
	m := &Machine[S, T]{
		name:   name,
		states: append([]S(nil), states...),
		rules:  make(map[key[S]]rule[S, T]),
	}

	known := make(map[S]bool, len(states))
	for _, s := range states {
		known[s] = true
	}
	seenEvents := make(map[Event]bool)

	for _, t := range transitions {
		if !known[t.To] {
			panic(fmt.Sprintf("fsm %s: event %s targets unknown state %v", name, t.Event, t.To))
		}
		for _, from := range t.From {
			if !known[from] {
				panic(fmt.Sprintf("fsm %s: event %s from unknown state %v", name, t.Event, from))
			}
			k := key[S]{from: from, event: t.Event}
			if _, dup := m.rules[k]; dup {
				panic(fmt.Sprintf("fsm %s: duplicate transition %s from %v", name, t.Event, from))
			}
			m.rules[k] = rule[S, T]{to: t.To, guard: t.Guard, effect: t.Effect}
		}
		if !seenEvents[t.Event] {
			seenEvents[t.Event] = true
			m.events = append(m.events, t.Event)
		}
	}
	sort.Slice(m.events, func(i, j int) bool { return m.events[i] < m.events[j] })

	return m
}

// Name returns the machine's name.
func (m *Machine[S, T]) Name() string { return m.name }

// States returns the closed set of states.
func (m *Machine[S, T]) States() []S { return append([]S(nil), m.states...) }

// Events returns every event that appears in the table, sorted.
func (m *Machine[S, T]) Events() []Event { return append([]Event(nil), m.events...) }

// Can reports whether event has a transition from current, ignoring guards.
func (m *Machine[S, T]) Can(current S, event Event) bool {
	_, ok := m.rules[key[S]{from: current, event: event}]
	return ok
}

// Fire evaluates event from current for owner. On success it runs the transition's effect
// and returns the target state. On failure the owner is untouched and the error wraps
// ErrInvalidTransition or ErrGuardNotSatisfied.
func (m *Machine[S, T]) Fire(owner T, current S, event Event) (S, error) {
	r, ok := m.rules[key[S]{from: current, event: event}]
	if !ok {
		return current, &TransitionError[S]{Machine: m.name, From: current, Event: event, Err: ErrInvalidTransition}
	}
	if r.guard != nil && !r.guard(owner) {
		return current, &TransitionError[S]{Machine: m.name, From: current, Event: event, Err: ErrGuardNotSatisfied}
	}
	if r.effect != nil {
		r.effect(owner)
	}
	return r.to, nil
}
