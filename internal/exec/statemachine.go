package exec

import (
	"fmt"
	"time"
)

// OrderPhase represents where a working order sits in its lifecycle.
type OrderPhase string

const (
	// PhaseSubmitted means the order was accepted by the backend.
	PhaseSubmitted OrderPhase = "submitted"
	// PhaseFilled means the backend confirmed a complete fill.
	PhaseFilled OrderPhase = "filled"
	// PhaseCanceled means we canceled the order before it filled.
	PhaseCanceled OrderPhase = "canceled"
	// PhaseRejected means the backend refused or killed the order.
	PhaseRejected OrderPhase = "rejected"
	// PhaseEstimated means polling exhausted without confirmation and the
	// exit settled at a quote-derived estimate. Never used for entries.
	PhaseEstimated OrderPhase = "estimated"
)

// PhaseTransition defines a valid order phase transition.
type PhaseTransition struct {
	From        OrderPhase
	To          OrderPhase
	Condition   string
	Description string
}

// Valid order phase transitions
var ValidTransitions = []PhaseTransition{
	{PhaseSubmitted, PhaseFilled, "fill_confirmed", "Backend reported a complete fill"},
	{PhaseSubmitted, PhaseCanceled, "fill_timeout", "Unfilled after polling window, canceled for resubmit"},
	{PhaseSubmitted, PhaseRejected, "order_rejected", "Backend refused or expired the order"},
	{PhaseSubmitted, PhaseEstimated, "poll_exhausted", "Exit settled at quote mid without confirmation"},
}

// CanTransition reports whether moving from one phase to another under the
// given condition is valid.
func CanTransition(from, to OrderPhase, condition string) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to && t.Condition == condition {
			return true
		}
	}
	return false
}

// OrderTracker records the phase history of one working order so execution
// decisions stay auditable after the fact.
type OrderTracker struct {
	OrderID int
	Phase   OrderPhase
	History []PhaseChange
}

// PhaseChange is one recorded transition.
type PhaseChange struct {
	From      OrderPhase
	To        OrderPhase
	Condition string
	At        time.Time
}

// NewOrderTracker starts tracking a freshly submitted order.
func NewOrderTracker(orderID int) *OrderTracker {
	return &OrderTracker{OrderID: orderID, Phase: PhaseSubmitted}
}

// Transition moves the order to a new phase, rejecting invalid moves.
func (t *OrderTracker) Transition(to OrderPhase, condition string) error {
	if !CanTransition(t.Phase, to, condition) {
		return fmt.Errorf("invalid order transition %s -> %s (%s) for order %d",
			t.Phase, to, condition, t.OrderID)
	}
	t.History = append(t.History, PhaseChange{
		From:      t.Phase,
		To:        to,
		Condition: condition,
		At:        time.Now().UTC(),
	})
	t.Phase = to
	return nil
}
