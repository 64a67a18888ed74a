package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrClaimConflict     = errors.New("order no longer available")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnauthorized      = errors.New("not permitted")
	ErrAlreadyRated      = errors.New("delivery already rated")
	ErrNotDelivered      = errors.New("order has not been delivered")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvariant         = errors.New("order invariant violated")
)

// InvalidTransitionError reports a rejected status change together with the
// states the caller may move to instead.
type InvalidTransitionError struct {
	From    OrderStatus
	To      OrderStatus
	Allowed []OrderStatus
	Reason  string
}

func (e *InvalidTransitionError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		allowed[i] = string(s)
	}
	msg := fmt.Sprintf("cannot move order from %s to %s (allowed: [%s])", e.From, e.To, strings.Join(allowed, ", "))
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

func invariantf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
}
