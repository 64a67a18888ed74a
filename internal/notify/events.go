package notify

import (
	"time"

	"github.com/joao-fontenele/orderflow-dispatch/internal/domain"
)

const (
	EventNewUnassignedOrder = "new-unassigned-order"
	EventOrderAccepted      = "order-accepted"
	EventOrderStatusUpdate  = "order-status-update"
	EventNewRating          = "new-rating"
)

// Event is one lifecycle notification and the rooms it is routed to.
type Event struct {
	Name       string
	OrderID    string
	Rooms      []string
	Payload    any
	OccurredAt time.Time
}

// The constructors below are the routing table: each event type carries the
// exact set of rooms that should see it.

func OrderCreated(o *domain.Order) Event {
	return Event{
		Name:       EventNewUnassignedOrder,
		OrderID:    o.ID,
		Rooms:      []string{RoomDeliveryPool, RoomAdmin},
		Payload:    o,
		OccurredAt: o.CreatedAt,
	}
}

// OrderAccepted also goes to the delivery pool so other couriers drop the offer.
func OrderAccepted(o *domain.Order) Event {
	return Event{
		Name:    EventOrderAccepted,
		OrderID: o.ID,
		Rooms:   []string{OrderRoom(o.ID), RoomDeliveryPool, RoomAdmin},
		Payload: domain.OrderAccepted{
			Order:          o,
			DeliveryPerson: o.DeliveryPersonID,
			Timestamp:      o.UpdatedAt,
		},
		OccurredAt: o.UpdatedAt,
	}
}

func OrderStatusUpdated(o *domain.Order) Event {
	return Event{
		Name:       EventOrderStatusUpdate,
		OrderID:    o.ID,
		Rooms:      []string{OrderRoom(o.ID), RoomAdmin},
		Payload:    o,
		OccurredAt: o.UpdatedAt,
	}
}

func RatingSubmitted(r domain.RatingSubmitted) Event {
	return Event{
		Name:       EventNewRating,
		OrderID:    r.OrderID,
		Rooms:      []string{UserRoom(r.CourierID), RoomAdmin},
		Payload:    r,
		OccurredAt: r.Timestamp,
	}
}
