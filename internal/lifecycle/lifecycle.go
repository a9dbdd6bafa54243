// Package lifecycle is the contract state machine. It is the only code that
// writes Contract.State, and it also owns the scheduling fields that move
// with a transition (period index, next due date, close time).
package lifecycle

import (
	"time"

	"github.com/boddenberg/pj-contracts-go/internal/domain"
)

// Event names a lifecycle trigger.
type Event string

const (
	EventActivate           Event = "activate"
	EventRenew              Event = "renew"
	EventMiss               Event = "miss"
	EventComplete           Event = "complete"
	EventCancel             Event = "cancel"
	EventDispute            Event = "dispute"
	EventResolveForUser     Event = "resolve_for_user"
	EventResolveAgainstUser Event = "resolve_against_user"
)

// transitions is the full table of legal moves. Terminal states have no row.
var transitions = map[domain.State]map[Event]domain.State{
	domain.StateDraft: {
		EventActivate: domain.StateActive,
		EventCancel:   domain.StateCancelled,
	},
	domain.StateActive: {
		EventRenew:    domain.StateActive,
		EventMiss:     domain.StateActive,
		EventComplete: domain.StateCompleted,
		EventCancel:   domain.StateCancelled,
		EventDispute:  domain.StateDisputed,
	},
	domain.StateDisputed: {
		EventResolveForUser:     domain.StateActive,
		EventResolveAgainstUser: domain.StateCancelled,
		EventCancel:             domain.StateCancelled,
	},
}

// Transition records one applied state change.
type Transition struct {
	Event Event
	From  domain.State
	To    domain.State
}

// Changed reports whether the state actually moved.
func (t Transition) Changed() bool {
	return t.From != t.To
}

// Activation carries the evidence that lets a draft go active.
type Activation struct {
	Paid   bool // period 0 was charged successfully
	Signed bool // a verified signature capture exists
}

// Allowed reports whether ev is legal from s.
func Allowed(s domain.State, ev Event) bool {
	_, ok := transitions[s][ev]
	return ok
}

func check(c *domain.Contract, ev Event) (domain.State, error) {
	to, ok := transitions[c.State][ev]
	if !ok {
		return "", &domain.ErrInvalidTransition{From: c.State, Event: string(ev)}
	}
	return to, nil
}

// Activate moves a draft to active. Non-free contracts need a paid first
// period or a signature. A paid activation settles period 0, so the next
// charge is one interval away; otherwise period 0 is due immediately.
func Activate(c *domain.Contract, a Activation, now time.Time) (Transition, error) {
	to, err := check(c, EventActivate)
	if err != nil {
		return Transition{}, err
	}
	if !a.Paid && !a.Signed && !c.Terms.Free() {
		return Transition{}, &domain.ErrInvalidTransition{From: c.State, Event: string(EventActivate) + " without payment or signature"}
	}

	from := c.State
	activated := now
	c.State = to
	c.ActivatedAt = &activated
	if a.Paid {
		c.PeriodIndex = 1
	}
	setNextDue(c)
	c.UpdatedAt = now

	tr := Transition{Event: EventActivate, From: from, To: to}
	if Finished(c) {
		return completeFrom(c, tr, now), nil
	}
	return tr, nil
}

// Renew settles the current period as paid and schedules the next one.
// The contract completes once every bounded period is billed and the
// balance is zero.
func Renew(c *domain.Contract, now time.Time) (Transition, error) {
	to, err := check(c, EventRenew)
	if err != nil {
		return Transition{}, err
	}
	c.PeriodIndex++
	setNextDue(c)
	c.UpdatedAt = now

	tr := Transition{Event: EventRenew, From: c.State, To: to}
	if Finished(c) {
		return completeFrom(c, tr, now), nil
	}
	return tr, nil
}

// Miss settles the current period as unpaid after retries are exhausted.
// The contract stays active and the next period is scheduled.
func Miss(c *domain.Contract, now time.Time) (Transition, error) {
	to, err := check(c, EventMiss)
	if err != nil {
		return Transition{}, err
	}
	c.MissedPeriods++
	c.PeriodIndex++
	setNextDue(c)
	c.UpdatedAt = now
	return Transition{Event: EventMiss, From: c.State, To: to}, nil
}

// Complete closes an active contract whose obligation is fully settled.
func Complete(c *domain.Contract, now time.Time) (Transition, error) {
	if _, err := check(c, EventComplete); err != nil {
		return Transition{}, err
	}
	if !Finished(c) {
		return Transition{}, &domain.ErrInvalidTransition{From: c.State, Event: string(EventComplete) + " with open obligation"}
	}
	return completeFrom(c, Transition{Event: EventComplete, From: c.State, To: c.State}, now), nil
}

// Cancel ends a contract at the user's request. The ledger is left as is
// so outstanding amounts stay queryable; nothing further is scheduled.
func Cancel(c *domain.Contract, now time.Time) (Transition, error) {
	return closeAs(c, EventCancel, now)
}

// Dispute suspends charging on an active contract.
func Dispute(c *domain.Contract, reason string, now time.Time) (Transition, error) {
	to, err := check(c, EventDispute)
	if err != nil {
		return Transition{}, err
	}
	from := c.State
	c.State = to
	c.DisputeReason = reason
	c.UpdatedAt = now
	return Transition{Event: EventDispute, From: from, To: to}, nil
}

// ResolveDispute returns a disputed contract to active when resolved for the
// user, or cancels it when resolved against them.
func ResolveDispute(c *domain.Contract, inFavorOfUser bool, now time.Time) (Transition, error) {
	if !inFavorOfUser {
		return closeAs(c, EventResolveAgainstUser, now)
	}
	to, err := check(c, EventResolveForUser)
	if err != nil {
		return Transition{}, err
	}
	from := c.State
	c.State = to
	c.DisputeReason = ""
	c.UpdatedAt = now
	return Transition{Event: EventResolveForUser, From: from, To: to}, nil
}

// Finished reports whether a bounded contract has billed every period and
// owes nothing. Perpetual contracts never finish.
func Finished(c *domain.Contract) bool {
	if !c.Terms.Bounded() {
		return false
	}
	return c.PeriodsBilled >= c.Terms.PeriodCount &&
		c.PeriodIndex >= c.Terms.PeriodCount &&
		!c.Balance().IsPositive()
}

func closeAs(c *domain.Contract, ev Event, now time.Time) (Transition, error) {
	to, err := check(c, ev)
	if err != nil {
		return Transition{}, err
	}
	from := c.State
	closed := now
	c.State = to
	c.NextDueAt = nil
	c.ClosedAt = &closed
	c.UpdatedAt = now
	return Transition{Event: ev, From: from, To: to}, nil
}

func completeFrom(c *domain.Contract, tr Transition, now time.Time) Transition {
	closed := now
	c.State = domain.StateCompleted
	c.NextDueAt = nil
	c.ClosedAt = &closed
	tr.To = domain.StateCompleted
	return tr
}

// setNextDue anchors every due date on the activation instant so month-end
// dates do not drift.
func setNextDue(c *domain.Contract) {
	anchor := c.CreatedAt
	if c.ActivatedAt != nil {
		anchor = *c.ActivatedAt
	}
	next := c.Terms.BillingInterval.Advance(anchor, c.PeriodIndex)
	c.NextDueAt = &next
}
