package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	PaymentCOD  PaymentMethod = "COD"
	PaymentCard PaymentMethod = "CARD"
	PaymentUPI  PaymentMethod = "UPI"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCOD, PaymentCard, PaymentUPI:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

// InitialPaymentStatus is pending for cash on delivery and completed for
// prepaid methods.
func InitialPaymentStatus(m PaymentMethod) PaymentStatus {
	if m == PaymentCOD {
		return PaymentStatusPending
	}
	return PaymentStatusCompleted
}

type LineItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type Address struct {
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state"`
	ZipCode string `json:"zip_code"`
	Country string `json:"country"`
}

type StatusEntry struct {
	Status    OrderStatus `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
	UpdatedBy string      `json:"updated_by"`
	Note      string      `json:"note,omitempty"`
}

type DeliveryRating struct {
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Order struct {
	ID               string          `json:"id"`
	CustomerID       string          `json:"customer_id"`
	Products         []LineItem      `json:"products"`
	DeliveryPersonID string          `json:"delivery_person_id,omitempty"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	ShippingAddress  Address         `json:"shipping_address"`
	CustomerPhone    string          `json:"customer_phone"`
	CustomerEmail    string          `json:"customer_email"`
	PaymentMethod    PaymentMethod   `json:"payment_method"`
	PaymentStatus    PaymentStatus   `json:"payment_status"`
	Status           OrderStatus     `json:"order_status"`
	StatusHistory    []StatusEntry   `json:"status_history"`
	IsAccepted       bool            `json:"is_accepted"`

	// Claim lease. Transient arbitration state, never serialized to clients.
	Locked        bool       `json:"-"`
	LockExpiresAt *time.Time `json:"-"`
	LockedBy      string     `json:"-"`

	DeliveryRating        *DeliveryRating `json:"delivery_rating,omitempty"`
	EstimatedDeliveryTime *time.Time      `json:"estimated_delivery_time,omitempty"`
	ActualDeliveryTime    *time.Time      `json:"actual_delivery_time,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// LeaseActive reports whether a claim lease is held at now. A lock past its
// expiry counts as absent.
func (o *Order) LeaseActive(now time.Time) bool {
	return o.Locked && o.LockExpiresAt != nil && now.Before(*o.LockExpiresAt)
}

// Claimable reports whether a courier may start a claim at now.
func (o *Order) Claimable(now time.Time) bool {
	return o.Status == StatusPending && !o.IsAccepted && !o.LeaseActive(now)
}

func (o *Order) ReleaseLease() {
	o.Locked = false
	o.LockExpiresAt = nil
	o.LockedBy = ""
}

// VisibleTo reports whether actor may read the order.
func (o *Order) VisibleTo(actor Actor) bool {
	switch actor.Role {
	case RoleAdmin:
		return true
	case RoleCustomer:
		return o.CustomerID == actor.ID
	case RoleCourier:
		return o.DeliveryPersonID == actor.ID || (o.Status == StatusPending && !o.IsAccepted)
	}
	return false
}

// Participant reports whether actor belongs in the order's room: the owning
// customer, the assigned courier and admins. Unlike VisibleTo it never admits
// couriers browsing the unassigned pool.
func (o *Order) Participant(actor Actor) bool {
	switch actor.Role {
	case RoleAdmin:
		return true
	case RoleCustomer:
		return o.CustomerID == actor.ID
	case RoleCourier:
		return o.DeliveryPersonID != "" && o.DeliveryPersonID == actor.ID
	}
	return false
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (o *Order) Clone() *Order {
	c := *o
	c.Products = append([]LineItem(nil), o.Products...)
	c.StatusHistory = append([]StatusEntry(nil), o.StatusHistory...)
	c.LockExpiresAt = cloneTime(o.LockExpiresAt)
	c.EstimatedDeliveryTime = cloneTime(o.EstimatedDeliveryTime)
	c.ActualDeliveryTime = cloneTime(o.ActualDeliveryTime)
	if o.DeliveryRating != nil {
		r := *o.DeliveryRating
		c.DeliveryRating = &r
	}
	return &c
}

// CheckInvariants validates the structural rules every persisted order obeys.
func (o *Order) CheckInvariants() error {
	if len(o.StatusHistory) == 0 {
		return invariantf("order %s has empty status history", o.ID)
	}
	if last := o.StatusHistory[len(o.StatusHistory)-1]; last.Status != o.Status {
		return invariantf("order %s history ends at %s but status is %s", o.ID, last.Status, o.Status)
	}
	if o.IsAccepted != (o.DeliveryPersonID != "") {
		return invariantf("order %s is_accepted=%t but delivery person %q", o.ID, o.IsAccepted, o.DeliveryPersonID)
	}
	if o.DeliveryRating != nil && o.Status != StatusDelivered {
		return invariantf("order %s rated while %s", o.ID, o.Status)
	}
	return nil
}

// OrderFilter selects orders for listing. Zero values mean "no constraint".
type OrderFilter struct {
	CustomerID       string
	DeliveryPersonID string
	// VisibleToCourier matches orders assigned to the courier or still unassigned.
	VisibleToCourier string
	Statuses         []OrderStatus
	ExcludeStatuses  []OrderStatus
	// ClaimableAt matches pending, unaccepted orders without a live lease at that instant.
	ClaimableAt *time.Time
	OldestFirst bool
	Limit       int
}

type OrderStats struct {
	Total            int                 `json:"total_orders"`
	ByStatus         map[OrderStatus]int `json:"by_status"`
	DeliveredRevenue decimal.Decimal     `json:"delivered_revenue"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Lease is a courier's time-bounded hold on a pending order.
type Lease struct {
	OrderID    string
	Holder     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}
