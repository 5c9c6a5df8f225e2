package domain

import (
	"errors"
	"fmt"
)

// CauseKind says who asked for a transition.
type CauseKind string

const (
	CauseGateway  CauseKind = "gateway"
	CauseAdmin    CauseKind = "admin"
	CauseCustomer CauseKind = "customer"
	CauseSystem   CauseKind = "system"
)

type Cause struct {
	Kind  CauseKind
	Actor string
	// TransactionID is set for gateway causes.
	TransactionID string
}

type Edge struct {
	From OrderStatus
	To   OrderStatus
}

// edges is the complete set of legal transitions and who may trigger each.
var edges = map[Edge][]CauseKind{
	{StatusDraft, StatusPendingPayment}:     {CauseSystem},
	{StatusPendingPayment, StatusConfirmed}: {CauseGateway},
	{StatusPendingPayment, StatusCanceled}:  {CauseAdmin, CauseCustomer},
	{StatusConfirmed, StatusCanceled}:       {CauseAdmin, CauseCustomer},
	{StatusConfirmed, StatusRefunded}:       {CauseAdmin},
	{StatusConfirmed, StatusShipped}:        {CauseAdmin},
	{StatusShipped, StatusDelivered}:        {CauseAdmin},
}

var ErrIllegalEdge = errors.New("order: illegal transition")

type TransitionError struct {
	From  OrderStatus
	To    OrderStatus
	Cause CauseKind
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order: illegal transition %s -> %s by %s", e.From, e.To, e.Cause)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalEdge
}

// Allowed reports whether cause may move an order from one status to another.
func Allowed(from, to OrderStatus, cause CauseKind) bool {
	for _, c := range edges[Edge{from, to}] {
		if c == cause {
			return true
		}
	}
	return false
}

// Transition checks the edge set and the payment invariants and returns the
// next status. It does not modify o.
func Transition(o Order, to OrderStatus, cause Cause) (OrderStatus, error) {
	if !Allowed(o.Status, to, cause.Kind) {
		return o.Status, &TransitionError{From: o.Status, To: to, Cause: cause.Kind}
	}
	if cause.Kind == CauseGateway && cause.TransactionID == "" {
		return o.Status, &TransitionError{From: o.Status, To: to, Cause: cause.Kind}
	}
	switch to {
	case StatusShipped, StatusDelivered, StatusRefunded:
		if !o.PaymentStatus.Settled() {
			return o.Status, &TransitionError{From: o.Status, To: to, Cause: cause.Kind}
		}
	}
	return to, nil
}

// Edges returns a copy of the legal edge set.
func Edges() map[Edge][]CauseKind {
	out := make(map[Edge][]CauseKind, len(edges))
	for e, c := range edges {
		out[e] = append([]CauseKind(nil), c...)
	}
	return out
}
