package domain

import "fmt"

type OrderStatus string

const (
	StatusPending        OrderStatus = "pending"
	StatusAccepted       OrderStatus = "accepted"
	StatusPreparing      OrderStatus = "preparing"
	StatusOutForDelivery OrderStatus = "out_for_delivery"
	StatusDelivered      OrderStatus = "delivered"
	StatusCancelled      OrderStatus = "cancelled"
)

// AllStatuses lists the states in lifecycle order.
var AllStatuses = []OrderStatus{
	StatusPending,
	StatusAccepted,
	StatusPreparing,
	StatusOutForDelivery,
	StatusDelivered,
	StatusCancelled,
}

var transitions = map[OrderStatus][]OrderStatus{
	StatusPending:        {StatusAccepted, StatusCancelled},
	StatusAccepted:       {StatusPreparing, StatusCancelled},
	StatusPreparing:      {StatusOutForDelivery, StatusCancelled},
	StatusOutForDelivery: {StatusDelivered, StatusCancelled},
	StatusDelivered:      {},
	StatusCancelled:      {},
}

func ParseOrderStatus(s string) (OrderStatus, error) {
	st := OrderStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: unknown order status %q", ErrInvalidInput, s)
	}
	return st, nil
}

func (s OrderStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s OrderStatus) IsTerminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// AllowedNext returns the targets reachable from s. The slice is a copy.
func (s OrderStatus) AllowedNext() []OrderStatus {
	return append([]OrderStatus{}, transitions[s]...)
}

func (s OrderStatus) CanTransitionTo(target OrderStatus) bool {
	for _, t := range transitions[s] {
		if t == target {
			return true
		}
	}
	return false
}
