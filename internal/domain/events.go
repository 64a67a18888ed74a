package domain

import "time"

// RatingSubmitted is the payload of the new-rating event.
type RatingSubmitted struct {
	OrderID    string    `json:"order_id"`
	CourierID  string    `json:"courier_id"`
	CustomerID string    `json:"customer_id"`
	Rating     int       `json:"rating"`
	Comment    string    `json:"comment,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// OrderAccepted is the payload of the order-accepted event.
type OrderAccepted struct {
	Order          *Order    `json:"order"`
	DeliveryPerson string    `json:"delivery_person_id"`
	Timestamp      time.Time `json:"timestamp"`
}
