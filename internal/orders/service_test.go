package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/orderflow-dispatch/internal/claim"
	"github.com/joao-fontenele/orderflow-dispatch/internal/domain"
	"github.com/joao-fontenele/orderflow-dispatch/internal/lifecycle"
	"github.com/joao-fontenele/orderflow-dispatch/internal/notify"
	"github.com/joao-fontenele/orderflow-dispatch/internal/store"
)

var (
	customer  = domain.Actor{ID: "cust-1", Role: domain.RoleCustomer, Email: "cust-1@example.com"}
	customer2 = domain.Actor{ID: "cust-2", Role: domain.RoleCustomer}
	courierA  = domain.Actor{ID: "courier-a", Role: domain.RoleCourier}
	courierB  = domain.Actor{ID: "courier-b", Role: domain.RoleCourier}
	admin     = domain.Actor{ID: "admin-1", Role: domain.RoleAdmin}
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e notify.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Name
	}
	return out
}

type harness struct {
	svc       *Service
	orders    *store.MemoryOrderStore
	profiles  *store.MemoryProfileStore
	publisher *recordingPublisher
	clock     *testClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	orders := store.NewMemoryOrderStore()
	profiles := store.NewMemoryProfileStore()
	pub := &recordingPublisher{}
	engine := claim.NewEngine(orders, zerolog.Nop(), claim.WithClock(clk.Now))
	svc := NewService(orders, profiles, engine, pub, zerolog.Nop(), WithClock(clk.Now))
	return &harness{svc: svc, orders: orders, profiles: profiles, publisher: pub, clock: clk}
}

func validInput() CreateOrderInput {
	return CreateOrderInput{
		Products:    []domain.LineItem{{ProductID: "prod-1", Quantity: 2}},
		TotalAmount: decimal.RequireFromString("249.50"),
		ShippingAddress: domain.Address{
			Street:  "12 MG Road",
			City:    "Bengaluru",
			State:   "KA",
			ZipCode: "560001",
		},
		CustomerPhone: "+91-9000000000",
		PaymentMethod: domain.PaymentCOD,
	}
}

func (h *harness) create(t *testing.T) *domain.Order {
	t.Helper()
	o, err := h.svc.CreateOrder(context.Background(), customer, validInput())
	require.NoError(t, err)
	return o
}

func historyStatuses(o *domain.Order) []domain.OrderStatus {
	out := make([]domain.OrderStatus, len(o.StatusHistory))
	for i, e := range o.StatusHistory {
		out[i] = e.Status
	}
	return out
}

func TestService_CreateOrder(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()

	o := h.create(t)

	assert.NotEmpty(t, o.ID)
	assert.Equal(t, domain.StatusPending, o.Status)
	assert.Equal(t, "cust-1", o.CustomerID)
	assert.False(t, o.IsAccepted)
	assert.Empty(t, o.DeliveryPersonID)
	require.Len(t, o.StatusHistory, 1)
	assert.Equal(t, lifecycle.NotePlaced, o.StatusHistory[0].Note)
	assert.Equal(t, "cust-1", o.StatusHistory[0].UpdatedBy)
	require.NotNil(t, o.EstimatedDeliveryTime)
	assert.True(t, o.EstimatedDeliveryTime.Equal(now.Add(time.Hour)))
	assert.Equal(t, domain.PaymentStatusPending, o.PaymentStatus)
	assert.Equal(t, DefaultCountry, o.ShippingAddress.Country)
	assert.Equal(t, "cust-1@example.com", o.CustomerEmail)

	stored, err := h.orders.GetByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, stored.ID)

	require.Len(t, h.publisher.events, 1)
	ev := h.publisher.events[0]
	assert.Equal(t, notify.EventNewUnassignedOrder, ev.Name)
	assert.ElementsMatch(t, []string{notify.RoomDeliveryPool, notify.RoomAdmin}, ev.Rooms)
}

func TestService_CreateOrderPrepaid(t *testing.T) {
	h := newHarness(t)
	in := validInput()
	in.PaymentMethod = domain.PaymentUPI
	in.ShippingAddress.Country = "Nepal"

	o, err := h.svc.CreateOrder(context.Background(), customer, in)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCompleted, o.PaymentStatus)
	assert.Equal(t, "Nepal", o.ShippingAddress.Country)
}

func TestService_CreateOrderRejects(t *testing.T) {
	tests := []struct {
		name   string
		actor  domain.Actor
		mutate func(*CreateOrderInput)
		want   error
	}{
		{"courier cannot order", courierA, func(*CreateOrderInput) {}, domain.ErrUnauthorized},
		{"no products", customer, func(in *CreateOrderInput) { in.Products = nil }, domain.ErrInvalidInput},
		{"zero quantity", customer, func(in *CreateOrderInput) { in.Products[0].Quantity = 0 }, domain.ErrInvalidInput},
		{"non-positive total", customer, func(in *CreateOrderInput) { in.TotalAmount = decimal.Zero }, domain.ErrInvalidInput},
		{"bad payment method", customer, func(in *CreateOrderInput) { in.PaymentMethod = "CHEQUE" }, domain.ErrInvalidInput},
		{"missing city", customer, func(in *CreateOrderInput) { in.ShippingAddress.City = "" }, domain.ErrInvalidInput},
		{"no email anywhere", customer2, func(*CreateOrderInput) {}, domain.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			in := validInput()
			tt.mutate(&in)

			_, err := h.svc.CreateOrder(context.Background(), tt.actor, in)
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, h.publisher.events)
		})
	}
}

func TestService_EndToEndLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.create(t)
	assert.Equal(t, []domain.OrderStatus{domain.StatusPending}, historyStatuses(o))

	type result struct {
		actor domain.Actor
		order *domain.Order
		err   error
	}
	results := make(chan result, 2)
	var start sync.WaitGroup
	start.Add(1)
	for _, c := range []domain.Actor{courierA, courierB} {
		go func(c domain.Actor) {
			start.Wait()
			got, err := h.svc.ClaimOrder(ctx, c, o.ID)
			results <- result{actor: c, order: got, err: err}
		}(c)
	}
	start.Done()

	var winner domain.Actor
	var wins, conflicts int
	for range 2 {
		r := <-results
		if r.err == nil {
			wins++
			winner = r.actor
			assert.Equal(t, domain.StatusAccepted, r.order.Status)
			assert.Equal(t, r.actor.ID, r.order.DeliveryPersonID)
			continue
		}
		assert.ErrorIs(t, r.err, domain.ErrClaimConflict)
		conflicts++
	}
	require.Equal(t, 1, wins)
	require.Equal(t, 1, conflicts)

	o, err := h.svc.UpdateOrderStatus(ctx, winner, o.ID, domain.StatusPreparing, "")
	require.NoError(t, err)
	assert.Equal(t,
		[]domain.OrderStatus{domain.StatusPending, domain.StatusAccepted, domain.StatusPreparing},
		historyStatuses(o))

	_, err = h.svc.UpdateOrderStatus(ctx, winner, o.ID, domain.StatusDelivered, "")
	var invalid *domain.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, domain.StatusPreparing, invalid.From)
	assert.Equal(t, []domain.OrderStatus{domain.StatusOutForDelivery, domain.StatusCancelled}, invalid.Allowed)

	o, err = h.svc.UpdateOrderStatus(ctx, winner, o.ID, domain.StatusOutForDelivery, "on the way")
	require.NoError(t, err)
	h.clock.Advance(20 * time.Minute)
	o, err = h.svc.UpdateOrderStatus(ctx, winner, o.ID, domain.StatusDelivered, "")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusDelivered, o.Status)
	require.NotNil(t, o.ActualDeliveryTime)
	assert.True(t, o.ActualDeliveryTime.Equal(h.clock.Now()))
	assert.Len(t, o.StatusHistory, 5)
	assert.Equal(t, "on the way", o.StatusHistory[3].Note)

	assert.Equal(t, []string{
		notify.EventNewUnassignedOrder,
		notify.EventOrderAccepted,
		notify.EventOrderStatusUpdate,
		notify.EventOrderStatusUpdate,
		notify.EventOrderStatusUpdate,
	}, h.publisher.names())
}

func TestService_ClaimOrderManyCouriers(t *testing.T) {
	h := newHarness(t)
	o := h.create(t)

	const n = 25
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := domain.Actor{ID: "courier-" + string(rune('a'+i)), Role: domain.RoleCourier}
			if _, err := h.svc.ClaimOrder(context.Background(), c, o.ID); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, domain.ErrClaimConflict)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	stored, err := h.orders.GetByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsAccepted)
	assert.NotEmpty(t, stored.DeliveryPersonID)
}

func TestService_ClaimOrderErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.create(t)

	_, err := h.svc.ClaimOrder(ctx, customer, o.ID)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = h.svc.ClaimOrder(ctx, courierA, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.svc.UpdateOrderStatus(ctx, customer, o.ID, domain.StatusCancelled, "changed my mind")
	require.NoError(t, err)
	_, err = h.svc.ClaimOrder(ctx, courierA, o.ID)
	assert.ErrorIs(t, err, domain.ErrClaimConflict)
}

func TestService_UpdateOrderStatusPolicy(t *testing.T) {
	ctx := context.Background()

	accepted := func(t *testing.T, h *harness) *domain.Order {
		o := h.create(t)
		o, err := h.svc.ClaimOrder(ctx, courierA, o.ID)
		require.NoError(t, err)
		return o
	}

	t.Run("generic update cannot accept", func(t *testing.T) {
		h := newHarness(t)
		o := h.create(t)
		_, err := h.svc.UpdateOrderStatus(ctx, admin, o.ID, domain.StatusAccepted, "")
		var invalid *domain.InvalidTransitionError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, []domain.OrderStatus{domain.StatusCancelled}, invalid.Allowed)
	})

	t.Run("other courier cannot advance", func(t *testing.T) {
		h := newHarness(t)
		o := accepted(t, h)
		_, err := h.svc.UpdateOrderStatus(ctx, courierB, o.ID, domain.StatusPreparing, "")
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	})

	t.Run("assigned courier cannot cancel", func(t *testing.T) {
		h := newHarness(t)
		o := accepted(t, h)
		_, err := h.svc.UpdateOrderStatus(ctx, courierA, o.ID, domain.StatusCancelled, "")
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	})

	t.Run("customer cancels accepted order", func(t *testing.T) {
		h := newHarness(t)
		o := accepted(t, h)
		o, err := h.svc.UpdateOrderStatus(ctx, customer, o.ID, domain.StatusCancelled, "")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCancelled, o.Status)
		assert.Equal(t, "courier-a", o.DeliveryPersonID)
	})

	t.Run("customer cannot cancel once preparing", func(t *testing.T) {
		h := newHarness(t)
		o := accepted(t, h)
		_, err := h.svc.UpdateOrderStatus(ctx, courierA, o.ID, domain.StatusPreparing, "")
		require.NoError(t, err)
		_, err = h.svc.UpdateOrderStatus(ctx, customer, o.ID, domain.StatusCancelled, "")
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	})

	t.Run("another customer cannot cancel", func(t *testing.T) {
		h := newHarness(t)
		o := h.create(t)
		_, err := h.svc.UpdateOrderStatus(ctx, customer2, o.ID, domain.StatusCancelled, "")
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	})

	t.Run("admin cancels and terminal state is final", func(t *testing.T) {
		h := newHarness(t)
		o := accepted(t, h)
		_, err := h.svc.UpdateOrderStatus(ctx, admin, o.ID, domain.StatusCancelled, "fraud")
		require.NoError(t, err)

		_, err = h.svc.UpdateOrderStatus(ctx, admin, o.ID, domain.StatusPreparing, "")
		var invalid *domain.InvalidTransitionError
		require.ErrorAs(t, err, &invalid)
		assert.Empty(t, invalid.Allowed)
	})

	t.Run("unknown status", func(t *testing.T) {
		h := newHarness(t)
		o := h.create(t)
		_, err := h.svc.UpdateOrderStatus(ctx, admin, o.ID, domain.OrderStatus("lost"), "")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("failed update publishes nothing", func(t *testing.T) {
		h := newHarness(t)
		o := h.create(t)
		before := len(h.publisher.events)
		_, err := h.svc.UpdateOrderStatus(ctx, courierA, o.ID, domain.StatusPreparing, "")
		require.Error(t, err)
		assert.Len(t, h.publisher.events, before)
	})
}

func deliver(t *testing.T, h *harness, courier domain.Actor) *domain.Order {
	t.Helper()
	ctx := context.Background()
	o := h.create(t)
	o, err := h.svc.ClaimOrder(ctx, courier, o.ID)
	require.NoError(t, err)
	for _, s := range []domain.OrderStatus{domain.StatusPreparing, domain.StatusOutForDelivery, domain.StatusDelivered} {
		o, err = h.svc.UpdateOrderStatus(ctx, courier, o.ID, s, "")
		require.NoError(t, err)
	}
	return o
}

func TestService_RateDelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.SaveProfile(ctx, courierA, ProfileInput{Phone: "1", VehicleType: domain.VehicleBike, VehicleNumber: "KA-01"})
	require.NoError(t, err)
	for i, r := range []int{4, 5} {
		_, err := h.profiles.AppendRating(ctx, courierA.ID, domain.RatingEntry{OrderID: "old-" + string(rune('0'+i)), Rating: r})
		require.NoError(t, err)
	}

	pending := h.create(t)
	_, err = h.svc.RateDelivery(ctx, customer, pending.ID, 5, "")
	assert.ErrorIs(t, err, domain.ErrNotDelivered)

	o := deliver(t, h, courierA)

	_, err = h.svc.RateDelivery(ctx, customer2, o.ID, 5, "")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = h.svc.RateDelivery(ctx, customer, o.ID, 6, "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	rated, err := h.svc.RateDelivery(ctx, customer, o.ID, 3, "late but fine")
	require.NoError(t, err)
	require.NotNil(t, rated.DeliveryRating)
	assert.Equal(t, 3, rated.DeliveryRating.Rating)

	p, err := h.svc.GetProfile(ctx, courierA)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, p.AverageRating, 1e-9)
	assert.Equal(t, 3, p.RatingCount)

	_, err = h.svc.RateDelivery(ctx, customer, o.ID, 1, "")
	assert.ErrorIs(t, err, domain.ErrAlreadyRated)

	last := h.publisher.events[len(h.publisher.events)-1]
	assert.Equal(t, notify.EventNewRating, last.Name)
	assert.ElementsMatch(t, []string{notify.UserRoom(courierA.ID), notify.RoomAdmin}, last.Rooms)
}

func TestService_RateDeliveryWithoutProfile(t *testing.T) {
	h := newHarness(t)
	o := deliver(t, h, courierB)

	rated, err := h.svc.RateDelivery(context.Background(), customer, o.ID, 4, "")
	require.NoError(t, err)
	assert.Equal(t, 4, rated.DeliveryRating.Rating)
}

type failingRatings struct {
	*store.MemoryProfileStore
	err error
}

func (f *failingRatings) AppendRating(ctx context.Context, userID string, entry domain.RatingEntry) (*domain.DeliveryProfile, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.MemoryProfileStore.AppendRating(ctx, userID, entry)
}

func TestService_RateDeliveryReconcilesProfile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	profiles := &failingRatings{MemoryProfileStore: h.profiles}
	engine := claim.NewEngine(h.orders, zerolog.Nop(), claim.WithClock(h.clock.Now))
	h.svc = NewService(h.orders, profiles, engine, h.publisher, zerolog.Nop(), WithClock(h.clock.Now))

	_, err := h.svc.SaveProfile(ctx, courierA, ProfileInput{Phone: "1", VehicleType: domain.VehicleBike, VehicleNumber: "KA-01"})
	require.NoError(t, err)
	o := deliver(t, h, courierA)

	profiles.err = errors.New("connection refused")
	_, err = h.svc.RateDelivery(ctx, customer, o.ID, 5, "great")
	require.NoError(t, err)

	p, err := h.svc.GetProfile(ctx, courierA)
	require.NoError(t, err)
	assert.Zero(t, p.RatingCount)

	// A retry is refused but folds the stored rating, not the new one.
	profiles.err = nil
	_, err = h.svc.RateDelivery(ctx, customer, o.ID, 1, "")
	assert.ErrorIs(t, err, domain.ErrAlreadyRated)

	p, err = h.svc.GetProfile(ctx, courierA)
	require.NoError(t, err)
	assert.Equal(t, 1, p.RatingCount)
	assert.InDelta(t, 5.0, p.AverageRating, 1e-9)

	_, err = h.svc.RateDelivery(ctx, customer, o.ID, 1, "")
	assert.ErrorIs(t, err, domain.ErrAlreadyRated)
	p, err = h.svc.GetProfile(ctx, courierA)
	require.NoError(t, err)
	assert.Equal(t, 1, p.RatingCount)

	// Other customers cannot trigger the fold.
	_, err = h.svc.RateDelivery(ctx, customer2, o.ID, 1, "")
	assert.Error(t, err)
}

func TestService_PublishFailureDoesNotFailOperation(t *testing.T) {
	h := newHarness(t)
	h.publisher.err = errors.New("transport down")

	o, err := h.svc.CreateOrder(context.Background(), customer, validInput())
	require.NoError(t, err)
	_, err = h.svc.ClaimOrder(context.Background(), courierA, o.ID)
	require.NoError(t, err)
}

func TestService_Queries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.create(t)
	h.clock.Advance(time.Minute)
	second := h.create(t)
	h.clock.Advance(time.Minute)
	third := h.create(t)

	_, err := h.svc.ClaimOrder(ctx, courierA, second.ID)
	require.NoError(t, err)

	t.Run("unassigned oldest first", func(t *testing.T) {
		got, err := h.svc.ListUnassigned(ctx, courierB)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, first.ID, got[0].ID)
		assert.Equal(t, third.ID, got[1].ID)

		_, err = h.svc.ListUnassigned(ctx, customer)
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	})

	t.Run("assigned", func(t *testing.T) {
		got, err := h.svc.ListAssigned(ctx, courierA)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, second.ID, got[0].ID)

		got, err = h.svc.ListAssigned(ctx, courierB)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("role scoped listing", func(t *testing.T) {
		got, err := h.svc.ListOrders(ctx, customer, nil)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, third.ID, got[0].ID)

		got, err = h.svc.ListOrders(ctx, customer2, nil)
		require.NoError(t, err)
		assert.Empty(t, got)

		got, err = h.svc.ListOrders(ctx, courierB, nil)
		require.NoError(t, err)
		assert.Len(t, got, 2)

		got, err = h.svc.ListOrders(ctx, admin, []domain.OrderStatus{domain.StatusAccepted})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, second.ID, got[0].ID)
	})

	t.Run("visibility", func(t *testing.T) {
		_, err := h.svc.GetOrder(ctx, courierB, second.ID)
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
		_, err = h.svc.GetOrder(ctx, courierB, first.ID)
		assert.NoError(t, err)
		_, err = h.svc.GetOrder(ctx, customer2, first.ID)
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
		_, err = h.svc.GetOrder(ctx, admin, "nope")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("stats", func(t *testing.T) {
		stats, err := h.svc.Stats(ctx, admin)
		require.NoError(t, err)
		assert.Equal(t, 3, stats.Total)
		assert.Equal(t, 2, stats.ByStatus[domain.StatusPending])
		assert.Equal(t, 1, stats.ByStatus[domain.StatusAccepted])
		assert.True(t, stats.DeliveredRevenue.IsZero())

		_, err = h.svc.Stats(ctx, courierA)
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	})
}

func TestService_ExpiredLeaseIsReclaimable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.create(t)

	engine := claim.NewEngine(h.orders, zerolog.Nop(), claim.WithClock(h.clock.Now))
	_, err := engine.Acquire(ctx, o.ID, courierA.ID)
	require.NoError(t, err)

	_, err = h.svc.ClaimOrder(ctx, courierB, o.ID)
	assert.ErrorIs(t, err, domain.ErrClaimConflict)

	h.clock.Advance(claim.DefaultLeaseTTL + time.Second)

	got, err := h.svc.ClaimOrder(ctx, courierB, o.ID)
	require.NoError(t, err)
	assert.Equal(t, courierB.ID, got.DeliveryPersonID)
}

func TestService_Profiles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.GetProfile(ctx, courierA)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.svc.SaveProfile(ctx, customer, ProfileInput{Phone: "1", VehicleType: domain.VehicleCar, VehicleNumber: "X"})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = h.svc.SaveProfile(ctx, courierA, ProfileInput{Phone: "1", VehicleType: "rocket", VehicleNumber: "X"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = h.svc.SaveProfile(ctx, courierA, ProfileInput{
		Phone: "1", VehicleType: domain.VehicleCar, VehicleNumber: "X",
		CurrentLocation: &domain.GeoPoint{Latitude: 91},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	p, err := h.svc.SaveProfile(ctx, courierA, ProfileInput{
		Phone: "1", VehicleType: domain.VehicleScooter, VehicleNumber: "KA-05", ExperienceYears: 2.5,
		CurrentLocation: &domain.GeoPoint{Latitude: 12.97, Longitude: 77.59},
	})
	require.NoError(t, err)
	assert.True(t, p.IsAvailable)
	assert.Equal(t, domain.VehicleScooter, p.VehicleType)

	p, err = h.svc.SetAvailability(ctx, courierA, false)
	require.NoError(t, err)
	assert.False(t, p.IsAvailable)

	list, err := h.svc.ListProfiles(ctx, admin)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, courierA.ID, list[0].UserID)

	_, err = h.svc.ListProfiles(ctx, courierA)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestService_AuthorizeRoom(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.create(t)

	tests := []struct {
		name  string
		actor domain.Actor
		room  string
		want  error
	}{
		{"admin room for admin", admin, notify.RoomAdmin, nil},
		{"admin room for courier", courierA, notify.RoomAdmin, domain.ErrUnauthorized},
		{"pool for courier", courierA, notify.RoomDeliveryPool, nil},
		{"pool for customer", customer, notify.RoomDeliveryPool, domain.ErrUnauthorized},
		{"own user room", customer, notify.UserRoom(customer.ID), nil},
		{"other user room", customer, notify.UserRoom("someone"), domain.ErrUnauthorized},
		{"own order room", customer, notify.OrderRoom(o.ID), nil},
		{"foreign order room", customer2, notify.OrderRoom(o.ID), domain.ErrUnauthorized},
		{"unassigned order room for courier", courierA, notify.OrderRoom(o.ID), domain.ErrUnauthorized},
		{"order room for admin", admin, notify.OrderRoom(o.ID), nil},
		{"missing order room", admin, notify.OrderRoom("nope"), domain.ErrNotFound},
		{"unknown room", admin, "lobby", domain.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.svc.AuthorizeRoom(ctx, tt.actor, tt.room)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestService_OrderRoomFollowsAssignment(t *testing.T) {
	ctx := context.Background()
	clk := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	orders := store.NewMemoryOrderStore()
	hub := notify.NewHub(notify.NewRegistry(), zerolog.Nop())
	engine := claim.NewEngine(orders, zerolog.Nop(), claim.WithClock(clk.Now))
	svc := NewService(orders, store.NewMemoryProfileStore(), engine, hub, zerolog.Nop(), WithClock(clk.Now))

	o, err := svc.CreateOrder(ctx, customer, validInput())
	require.NoError(t, err)
	room := notify.OrderRoom(o.ID)

	// join mirrors the realtime server: authorize first, then register.
	join := func(connID string, actor domain.Actor) (*notify.ChanSink, error) {
		sink := notify.NewChanSink(16)
		hub.Attach(connID, sink)
		if err := svc.AuthorizeRoom(ctx, actor, room); err != nil {
			return sink, err
		}
		hub.Join(connID, room)
		return sink, nil
	}

	custSink, err := join("conn-cust", customer)
	require.NoError(t, err)

	loserSink, err := join("conn-b", courierB)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	hub.Join("conn-b", notify.RoomDeliveryPool)

	_, err = svc.ClaimOrder(ctx, courierA, o.ID)
	require.NoError(t, err)

	_, err = join("conn-b", courierB)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	winnerSink, err := join("conn-a", courierA)
	require.NoError(t, err)

	_, err = svc.UpdateOrderStatus(ctx, courierA, o.ID, domain.StatusPreparing, "")
	require.NoError(t, err)

	drain := func(s *notify.ChanSink) []string {
		var names []string
		for {
			select {
			case env := <-s.C():
				names = append(names, env.Event)
			default:
				return names
			}
		}
	}

	assert.Equal(t, []string{notify.EventOrderAccepted, notify.EventOrderStatusUpdate}, drain(custSink))
	assert.Equal(t, []string{notify.EventOrderStatusUpdate}, drain(winnerSink))
	// The pool only carries the retraction, never the status update.
	assert.Equal(t, []string{notify.EventOrderAccepted}, drain(loserSink))
	assert.Equal(t, []string{"conn-a", "conn-cust"}, hub.Registry().Members(room))
}
