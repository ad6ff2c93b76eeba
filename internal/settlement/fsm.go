// Package settlement hedges accepted local orders on the remote venue and moves the funds
// between the two venues.
//
// A redirect walks init -> pending -> approving -> transmission -> completed. The rules live
// in two pure functions: Decide picks the side effect owed in a status and Transition picks
// the next status from what the effect observed. Machine performs the effects.
package settlement

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Status of a redirect.
type Status string

const (
	StatusInit         Status = "init"
	StatusPending      Status = "pending"
	StatusApproving    Status = "approving"
	StatusTransmission Status = "transmission"
	StatusCompleted    Status = "completed"
	// Canceled and abandoned are reserved for manual intervention; nothing drives a redirect
	// into them.
	StatusCanceled  Status = "canceled"
	StatusAbandoned Status = "abandoned"
)

// ActiveStatuses are the statuses a redirect is resumed from.
var ActiveStatuses = []Status{StatusInit, StatusPending, StatusApproving, StatusTransmission}

// Terminal reports whether no further effect is owed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCanceled, StatusAbandoned:
		return true
	}
	return false
}

// ParseStatus validates a stored status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusInit, StatusPending, StatusApproving, StatusTransmission,
		StatusCompleted, StatusCanceled, StatusAbandoned:
		return st, nil
	}
	return "", fmt.Errorf("unknown redirect status %q", s)
}

// Effect is the side effect owed in a status.
type Effect string

const (
	EffectNone         Effect = "none"
	EffectPlaceRemote  Effect = "place_remote_order"
	EffectCheckFill    Effect = "check_fill"
	EffectApproveLocal Effect = "approve_local_order"
	EffectTransfer     Effect = "transfer"
)

// Observation is what performing an effect found out.
type Observation struct {
	Requested decimal.Decimal
	Filled    decimal.Decimal
	Done      bool
}

// FullyFilled reports whether the remote order filled at least the requested amount.
func (o Observation) FullyFilled() bool {
	return o.Filled.GreaterThanOrEqual(o.Requested)
}

// Decide returns the effect owed in status s.
func Decide(s Status) Effect {
	switch s {
	case StatusInit:
		return EffectPlaceRemote
	case StatusPending:
		return EffectCheckFill
	case StatusApproving:
		return EffectApproveLocal
	case StatusTransmission:
		return EffectTransfer
	default:
		return EffectNone
	}
}

// Transition returns the status following s once its effect observed obs.
func Transition(s Status, obs Observation) Status {
	switch s {
	case StatusInit:
		if obs.FullyFilled() {
			return StatusApproving
		}
		return StatusPending
	case StatusPending:
		if obs.FullyFilled() {
			return StatusApproving
		}
		return StatusPending
	case StatusApproving:
		if obs.Done {
			return StatusTransmission
		}
	case StatusTransmission:
		if obs.Done {
			return StatusCompleted
		}
	}
	return s
}
