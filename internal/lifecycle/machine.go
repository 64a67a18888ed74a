// Package lifecycle applies order status transitions and delivery ratings.
// Every function here mutates an order in place and is meant to run inside
// a store update so that validation and the write happen atomically.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/joao-fontenele/orderflow-dispatch/internal/domain"
)

const (
	NotePlaced   = "Order placed by customer"
	NoteAccepted = "Order accepted by delivery person"
)

const (
	MinRating = 1
	MaxRating = 5
)

type Change struct {
	To    domain.OrderStatus
	Actor domain.Actor
	Note  string
	At    time.Time
}

// Seed starts the history of a new order.
func Seed(o *domain.Order, at time.Time) {
	o.Status = domain.StatusPending
	o.StatusHistory = []domain.StatusEntry{{
		Status:    domain.StatusPending,
		Timestamp: at,
		UpdatedBy: o.CustomerID,
		Note:      NotePlaced,
	}}
	o.CreatedAt = at
	o.UpdatedAt = at
}

// GenericTargets lists the statuses a plain status update may request from s.
// Acceptance is excluded: only a claim can assign a courier.
func GenericTargets(s domain.OrderStatus) []domain.OrderStatus {
	var out []domain.OrderStatus
	for _, t := range s.AllowedNext() {
		if t != domain.StatusAccepted {
			out = append(out, t)
		}
	}
	return out
}

// Apply validates c against the transition table and the actor policy, then
// records the transition on o.
func Apply(o *domain.Order, c Change) error {
	if c.To == domain.StatusAccepted {
		return &domain.InvalidTransitionError{
			From:    o.Status,
			To:      c.To,
			Allowed: GenericTargets(o.Status),
			Reason:  "orders are accepted by claiming them",
		}
	}
	if !o.Status.CanTransitionTo(c.To) {
		return &domain.InvalidTransitionError{
			From:    o.Status,
			To:      c.To,
			Allowed: GenericTargets(o.Status),
		}
	}
	if err := Authorize(o, c.To, c.Actor); err != nil {
		return err
	}

	record(o, c.To, c.Actor.ID, c.Note, c.At)
	if c.To == domain.StatusDelivered {
		at := c.At
		o.ActualDeliveryTime = &at
	}
	if c.To == domain.StatusCancelled {
		o.ReleaseLease()
	}
	return nil
}

// Authorize decides whether actor may move o to target.
//
// Admins may make any legal move. The owning customer may cancel while the
// order is pending or accepted. The assigned courier may advance the order
// but not cancel it.
func Authorize(o *domain.Order, target domain.OrderStatus, actor domain.Actor) error {
	switch actor.Role {
	case domain.RoleAdmin:
		return nil
	case domain.RoleCustomer:
		if o.CustomerID != actor.ID {
			return fmt.Errorf("%w: order belongs to another customer", domain.ErrUnauthorized)
		}
		if target != domain.StatusCancelled {
			return fmt.Errorf("%w: customers may only cancel orders", domain.ErrUnauthorized)
		}
		if o.Status != domain.StatusPending && o.Status != domain.StatusAccepted {
			return fmt.Errorf("%w: order can no longer be cancelled by the customer", domain.ErrUnauthorized)
		}
		return nil
	case domain.RoleCourier:
		if o.DeliveryPersonID != actor.ID {
			return fmt.Errorf("%w: you are not assigned to this order", domain.ErrUnauthorized)
		}
		if target == domain.StatusCancelled {
			return fmt.Errorf("%w: couriers cannot cancel orders", domain.ErrUnauthorized)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown role %q", domain.ErrUnauthorized, actor.Role)
}

// Accept assigns a pending order to courierID and clears the claim lease.
func Accept(o *domain.Order, courierID string, at time.Time) error {
	if o.Status != domain.StatusPending || o.IsAccepted {
		return domain.ErrClaimConflict
	}
	o.DeliveryPersonID = courierID
	o.IsAccepted = true
	o.ReleaseLease()
	record(o, domain.StatusAccepted, courierID, NoteAccepted, at)
	return nil
}

// Rate attaches the customer's single delivery rating.
func Rate(o *domain.Order, customerID string, rating domain.DeliveryRating) error {
	if rating.Rating < MinRating || rating.Rating > MaxRating {
		return fmt.Errorf("%w: rating must be between %d and %d", domain.ErrInvalidInput, MinRating, MaxRating)
	}
	if o.CustomerID != customerID {
		return fmt.Errorf("%w: you can only rate your own orders", domain.ErrUnauthorized)
	}
	if o.Status != domain.StatusDelivered {
		return domain.ErrNotDelivered
	}
	if o.DeliveryRating != nil {
		return domain.ErrAlreadyRated
	}
	r := rating
	o.DeliveryRating = &r
	o.UpdatedAt = rating.CreatedAt
	return nil
}

func record(o *domain.Order, status domain.OrderStatus, by, note string, at time.Time) {
	o.Status = status
	o.StatusHistory = append(o.StatusHistory, domain.StatusEntry{
		Status:    status,
		Timestamp: at,
		UpdatedBy: by,
		Note:      note,
	})
	o.UpdatedAt = at
}
