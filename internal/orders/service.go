package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/joao-fontenele/orderflow-dispatch/internal/domain"
	"github.com/joao-fontenele/orderflow-dispatch/internal/lifecycle"
	"github.com/joao-fontenele/orderflow-dispatch/internal/notify"
	"github.com/joao-fontenele/orderflow-dispatch/internal/telemetry"
)

const (
	DefaultDeliveryETA = time.Hour
	DefaultCountry     = "India"
)

var tracer = otel.Tracer("dispatch/orders")

type OrderStore interface {
	Create(ctx context.Context, order *domain.Order) error
	GetByID(ctx context.Context, id string) (*domain.Order, error)
	Find(ctx context.Context, f domain.OrderFilter) ([]domain.Order, error)
	Update(ctx context.Context, id string, mutate func(*domain.Order) error) (*domain.Order, error)
	Stats(ctx context.Context) (domain.OrderStats, error)
}

type ProfileStore interface {
	Upsert(ctx context.Context, p *domain.DeliveryProfile) (*domain.DeliveryProfile, error)
	GetByUserID(ctx context.Context, userID string) (*domain.DeliveryProfile, error)
	List(ctx context.Context) ([]domain.DeliveryProfile, error)
	SetAvailability(ctx context.Context, userID string, available bool) (*domain.DeliveryProfile, error)
	AppendRating(ctx context.Context, userID string, entry domain.RatingEntry) (*domain.DeliveryProfile, error)
}

// Claimer is satisfied by *claim.Engine.
type Claimer interface {
	Claim(ctx context.Context, orderID string, courier domain.Actor) (*domain.Order, error)
}

// Service exposes the order lifecycle operations. Every mutation is decided
// by the store; events are published only after the write succeeded and a
// failed publish never fails the operation.
type Service struct {
	orders    OrderStore
	profiles  ProfileStore
	claims    Claimer
	publisher notify.Publisher
	logger    zerolog.Logger
	now       func() time.Time
	eta       time.Duration

	transitions metric.Int64Counter
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithDeliveryETA(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.eta = d
		}
	}
}

func NewService(orders OrderStore, profiles ProfileStore, claims Claimer, publisher notify.Publisher, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		orders:      orders,
		profiles:    profiles,
		claims:      claims,
		publisher:   publisher,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		eta:         DefaultDeliveryETA,
		transitions: telemetry.Int64Counter("dispatch/orders", "dispatch.status.transitions", "Committed order status transitions"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CreateOrderInput struct {
	Products        []domain.LineItem
	TotalAmount     decimal.Decimal
	ShippingAddress domain.Address
	CustomerPhone   string
	CustomerEmail   string
	PaymentMethod   domain.PaymentMethod
}

func (s *Service) CreateOrder(ctx context.Context, actor domain.Actor, in CreateOrderInput) (*domain.Order, error) {
	ctx, span := tracer.Start(ctx, "orders.CreateOrder", trace.WithAttributes(attribute.String("customer.id", actor.ID)))
	defer span.End()

	if actor.Role != domain.RoleCustomer {
		return nil, fmt.Errorf("%w: only customers can place orders", domain.ErrUnauthorized)
	}
	if in.CustomerEmail == "" {
		in.CustomerEmail = actor.Email
	}
	if in.ShippingAddress.Country == "" {
		in.ShippingAddress.Country = DefaultCountry
	}
	if err := validateCreate(in); err != nil {
		return nil, err
	}

	now := s.now()
	eta := now.Add(s.eta)
	order := &domain.Order{
		ID:                    uuid.NewString(),
		CustomerID:            actor.ID,
		Products:              append([]domain.LineItem(nil), in.Products...),
		TotalAmount:           in.TotalAmount,
		ShippingAddress:       in.ShippingAddress,
		CustomerPhone:         in.CustomerPhone,
		CustomerEmail:         in.CustomerEmail,
		PaymentMethod:         in.PaymentMethod,
		PaymentStatus:         domain.InitialPaymentStatus(in.PaymentMethod),
		EstimatedDeliveryTime: &eta,
	}
	lifecycle.Seed(order, now)

	if err := s.orders.Create(ctx, order); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("create order: %w", err)
	}
	span.SetAttributes(attribute.String("order.id", order.ID))

	s.publish(ctx, notify.OrderCreated(order))
	s.logger.Info().Str("order_id", order.ID).Str("customer_id", order.CustomerID).Msg("order created")
	return order, nil
}

func validateCreate(in CreateOrderInput) error {
	var problems []string
	if len(in.Products) == 0 {
		problems = append(problems, "at least one product is required")
	}
	for i, item := range in.Products {
		if strings.TrimSpace(item.ProductID) == "" {
			problems = append(problems, fmt.Sprintf("products[%d]: product_id is required", i))
		}
		if item.Quantity < 1 {
			problems = append(problems, fmt.Sprintf("products[%d]: quantity must be at least 1", i))
		}
	}
	if !in.TotalAmount.IsPositive() {
		problems = append(problems, "total_amount must be positive")
	}
	a := in.ShippingAddress
	if a.Street == "" || a.City == "" || a.State == "" || a.ZipCode == "" {
		problems = append(problems, "shipping_address requires street, city, state and zip_code")
	}
	if strings.TrimSpace(in.CustomerPhone) == "" {
		problems = append(problems, "customer_phone is required")
	}
	if strings.TrimSpace(in.CustomerEmail) == "" {
		problems = append(problems, "customer_email is required")
	}
	if !in.PaymentMethod.Valid() {
		problems = append(problems, fmt.Sprintf("payment_method %q is not one of COD, CARD, UPI", in.PaymentMethod))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}

// ClaimOrder accepts a pending order for the calling courier.
func (s *Service) ClaimOrder(ctx context.Context, actor domain.Actor, orderID string) (*domain.Order, error) {
	order, err := s.claims.Claim(ctx, orderID, actor)
	if err != nil {
		if errors.Is(err, domain.ErrClaimConflict) {
			s.logger.Info().Str("order_id", orderID).Str("courier_id", actor.ID).Msg("claim lost")
		}
		return nil, err
	}

	s.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", string(domain.StatusAccepted))))
	s.publish(ctx, notify.OrderAccepted(order))
	s.logger.Info().Str("order_id", order.ID).Str("courier_id", actor.ID).Msg("order accepted")
	return order, nil
}

func (s *Service) UpdateOrderStatus(ctx context.Context, actor domain.Actor, orderID string, target domain.OrderStatus, note string) (*domain.Order, error) {
	ctx, span := tracer.Start(ctx, "orders.UpdateOrderStatus", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.status.target", string(target)),
	))
	defer span.End()

	if !target.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidInput, target)
	}

	order, err := s.orders.Update(ctx, orderID, func(o *domain.Order) error {
		return lifecycle.Apply(o, lifecycle.Change{
			To:    target,
			Actor: actor,
			Note:  note,
			At:    s.now(),
		})
	})
	if err != nil {
		var invalid *domain.InvalidTransitionError
		if !errors.As(err, &invalid) && !errors.Is(err, domain.ErrUnauthorized) && !errors.Is(err, domain.ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, err
	}

	s.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", string(order.Status))))
	s.publish(ctx, notify.OrderStatusUpdated(order))
	s.logger.Info().Str("order_id", order.ID).Str("status", string(order.Status)).Str("updated_by", actor.ID).Msg("order status updated")
	return order, nil
}

// RateDelivery records the customer's rating on the order and folds it into
// the courier's profile.
func (s *Service) RateDelivery(ctx context.Context, actor domain.Actor, orderID string, rating int, comment string) (*domain.Order, error) {
	ctx, span := tracer.Start(ctx, "orders.RateDelivery", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	now := s.now()
	order, err := s.orders.Update(ctx, orderID, func(o *domain.Order) error {
		return lifecycle.Rate(o, actor.ID, domain.DeliveryRating{
			Rating:    rating,
			Comment:   comment,
			CreatedAt: now,
		})
	})
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyRated) {
			s.reconcileRating(ctx, actor, orderID)
		}
		return nil, err
	}

	s.foldRating(ctx, order, *order.DeliveryRating)

	s.publish(ctx, notify.RatingSubmitted(domain.RatingSubmitted{
		OrderID:    order.ID,
		CourierID:  order.DeliveryPersonID,
		CustomerID: order.CustomerID,
		Rating:     rating,
		Comment:    comment,
		Timestamp:  now,
	}))
	s.logger.Info().Str("order_id", order.ID).Int("rating", rating).Msg("delivery rated")
	return order, nil
}

func (s *Service) GetOrder(ctx context.Context, actor domain.Actor, orderID string) (*domain.Order, error) {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.VisibleTo(actor) {
		return nil, fmt.Errorf("%w: order %s is not visible to you", domain.ErrUnauthorized, orderID)
	}
	return order, nil
}

// ListOrders returns the orders the actor may see, newest first.
func (s *Service) ListOrders(ctx context.Context, actor domain.Actor, statuses []domain.OrderStatus) ([]domain.Order, error) {
	f := domain.OrderFilter{Statuses: statuses}
	switch actor.Role {
	case domain.RoleAdmin:
	case domain.RoleCustomer:
		f.CustomerID = actor.ID
	case domain.RoleCourier:
		f.VisibleToCourier = actor.ID
	default:
		return nil, fmt.Errorf("%w: unknown role %q", domain.ErrUnauthorized, actor.Role)
	}
	return s.orders.Find(ctx, f)
}

// ListUnassigned returns claimable orders, oldest first.
func (s *Service) ListUnassigned(ctx context.Context, actor domain.Actor) ([]domain.Order, error) {
	if actor.Role != domain.RoleCourier && actor.Role != domain.RoleAdmin {
		return nil, fmt.Errorf("%w: only delivery personnel can browse unassigned orders", domain.ErrUnauthorized)
	}
	now := s.now()
	return s.orders.Find(ctx, domain.OrderFilter{ClaimableAt: &now, OldestFirst: true})
}

// ListAssigned returns the courier's orders that are still in progress.
func (s *Service) ListAssigned(ctx context.Context, actor domain.Actor) ([]domain.Order, error) {
	if actor.Role != domain.RoleCourier {
		return nil, fmt.Errorf("%w: only delivery personnel have assigned orders", domain.ErrUnauthorized)
	}
	return s.orders.Find(ctx, domain.OrderFilter{
		DeliveryPersonID: actor.ID,
		ExcludeStatuses:  []domain.OrderStatus{domain.StatusDelivered, domain.StatusCancelled},
	})
}

func (s *Service) Stats(ctx context.Context, actor domain.Actor) (domain.OrderStats, error) {
	if actor.Role != domain.RoleAdmin {
		return domain.OrderStats{}, fmt.Errorf("%w: admin only", domain.ErrUnauthorized)
	}
	return s.orders.Stats(ctx)
}

type ProfileInput struct {
	Phone           string
	VehicleType     domain.VehicleType
	VehicleNumber   string
	ExperienceYears float64
	IsAvailable     *bool
	CurrentLocation *domain.GeoPoint
}

// SaveProfile registers or updates the calling courier's delivery profile.
func (s *Service) SaveProfile(ctx context.Context, actor domain.Actor, in ProfileInput) (*domain.DeliveryProfile, error) {
	if actor.Role != domain.RoleCourier {
		return nil, fmt.Errorf("%w: only delivery personnel have delivery profiles", domain.ErrUnauthorized)
	}
	if err := validateProfile(in); err != nil {
		return nil, err
	}

	available := true
	if in.IsAvailable != nil {
		available = *in.IsAvailable
	}
	now := s.now()
	p, err := s.profiles.Upsert(ctx, &domain.DeliveryProfile{
		UserID:          actor.ID,
		Phone:           in.Phone,
		VehicleType:     in.VehicleType,
		VehicleNumber:   in.VehicleNumber,
		ExperienceYears: in.ExperienceYears,
		IsAvailable:     available,
		CurrentLocation: in.CurrentLocation,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("courier_id", actor.ID).Msg("delivery profile saved")
	return p, nil
}

func validateProfile(in ProfileInput) error {
	var problems []string
	if strings.TrimSpace(in.Phone) == "" {
		problems = append(problems, "phone is required")
	}
	if !in.VehicleType.Valid() {
		problems = append(problems, fmt.Sprintf("vehicle_type %q is not one of bike, scooter, car, van, other", in.VehicleType))
	}
	if strings.TrimSpace(in.VehicleNumber) == "" {
		problems = append(problems, "vehicle_number is required")
	}
	if in.ExperienceYears < 0 {
		problems = append(problems, "experience_years cannot be negative")
	}
	if loc := in.CurrentLocation; loc != nil {
		if loc.Latitude < -90 || loc.Latitude > 90 || loc.Longitude < -180 || loc.Longitude > 180 {
			problems = append(problems, "current_location is out of range")
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}

func (s *Service) GetProfile(ctx context.Context, actor domain.Actor) (*domain.DeliveryProfile, error) {
	if actor.Role != domain.RoleCourier {
		return nil, fmt.Errorf("%w: only delivery personnel have delivery profiles", domain.ErrUnauthorized)
	}
	return s.profiles.GetByUserID(ctx, actor.ID)
}

func (s *Service) SetAvailability(ctx context.Context, actor domain.Actor, available bool) (*domain.DeliveryProfile, error) {
	if actor.Role != domain.RoleCourier {
		return nil, fmt.Errorf("%w: only delivery personnel have delivery profiles", domain.ErrUnauthorized)
	}
	return s.profiles.SetAvailability(ctx, actor.ID, available)
}

func (s *Service) ListProfiles(ctx context.Context, actor domain.Actor) ([]domain.DeliveryProfile, error) {
	if actor.Role != domain.RoleAdmin {
		return nil, fmt.Errorf("%w: admin only", domain.ErrUnauthorized)
	}
	return s.profiles.List(ctx)
}

// foldRating adds the order's rating to the courier's profile. The profile
// store keeps one entry per order, so repeating it is harmless.
func (s *Service) foldRating(ctx context.Context, order *domain.Order, r domain.DeliveryRating) bool {
	_, err := s.profiles.AppendRating(ctx, order.DeliveryPersonID, domain.RatingEntry{
		OrderID:   order.ID,
		Rating:    r.Rating,
		Comment:   r.Comment,
		CreatedAt: r.CreatedAt,
	})
	switch {
	case err == nil:
		return true
	case errors.Is(err, domain.ErrAlreadyRated):
	case errors.Is(err, domain.ErrNotFound):
		s.logger.Warn().Str("order_id", order.ID).Str("courier_id", order.DeliveryPersonID).Msg("courier has no delivery profile, rating kept on order only")
	default:
		s.logger.Error().Err(err).Str("order_id", order.ID).Str("courier_id", order.DeliveryPersonID).Msg("failed to update courier rating")
	}
	return false
}

// reconcileRating retries the profile update for an order the customer
// already rated, covering a profile write that failed after the order write.
func (s *Service) reconcileRating(ctx context.Context, actor domain.Actor, orderID string) {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil || order.CustomerID != actor.ID || order.DeliveryRating == nil || order.DeliveryPersonID == "" {
		return
	}
	if s.foldRating(ctx, order, *order.DeliveryRating) {
		s.logger.Info().Str("order_id", order.ID).Str("courier_id", order.DeliveryPersonID).Msg("courier rating reconciled")
	}
}

// AuthorizeRoom decides whether actor may subscribe to room.
func (s *Service) AuthorizeRoom(ctx context.Context, actor domain.Actor, room string) error {
	kind, id, err := notify.ParseRoom(room)
	if err != nil {
		return err
	}
	switch kind {
	case notify.RoomKindAdmin:
		if actor.Role != domain.RoleAdmin {
			return fmt.Errorf("%w: admin room", domain.ErrUnauthorized)
		}
	case notify.RoomKindDeliveryPool:
		if actor.Role != domain.RoleCourier {
			return fmt.Errorf("%w: delivery pool is for delivery personnel", domain.ErrUnauthorized)
		}
	case notify.RoomKindUser:
		if id != actor.ID {
			return fmt.Errorf("%w: another user's room", domain.ErrUnauthorized)
		}
	case notify.RoomKindOrder:
		order, err := s.orders.GetByID(ctx, id)
		if err != nil {
			return err
		}
		// Unassigned offers reach couriers through the delivery pool.
		if !order.Participant(actor) {
			return fmt.Errorf("%w: order %s room is for its customer and assigned courier", domain.ErrUnauthorized, id)
		}
	}
	return nil
}

func (s *Service) publish(ctx context.Context, e notify.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.Error().Err(err).Str("event", e.Name).Str("order_id", e.OrderID).Msg("failed to publish event")
	}
}
