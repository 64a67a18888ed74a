//go:build integration

package test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/orderflow-dispatch/internal/claim"
	"github.com/joao-fontenele/orderflow-dispatch/internal/domain"
	"github.com/joao-fontenele/orderflow-dispatch/internal/messaging"
	"github.com/joao-fontenele/orderflow-dispatch/internal/notify"
	"github.com/joao-fontenele/orderflow-dispatch/internal/orders"
	"github.com/joao-fontenele/orderflow-dispatch/internal/relay"
	"github.com/joao-fontenele/orderflow-dispatch/internal/store"
)

var (
	customer = domain.Actor{ID: "cust-int", Role: domain.RoleCustomer, Email: "cust-int@example.com"}
	admin    = domain.Actor{ID: "admin-int", Role: domain.RoleAdmin}
)

func courier(i int) domain.Actor {
	return domain.Actor{ID: fmt.Sprintf("courier-%02d", i), Role: domain.RoleCourier}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type postgresStack struct {
	orders   *store.OrderRepository
	profiles *store.ProfileRepository
	engine   *claim.Engine
	service  *orders.Service
	clock    *clock
}

func setupStack(ctx context.Context, t *testing.T, publisher notify.Publisher) *postgresStack {
	t.Helper()

	pg := SetupPostgres(ctx, t)
	t.Cleanup(pg.Cleanup)
	db := OpenDB(ctx, t, pg.ConnStr)

	clk := &clock{now: time.Now().UTC().Truncate(time.Microsecond)}
	orderRepo := store.NewOrderRepository(db)
	profileRepo := store.NewProfileRepository(db)
	engine := claim.NewEngine(orderRepo, zerolog.Nop(), claim.WithClock(clk.Now))
	svc := orders.NewService(orderRepo, profileRepo, engine, publisher, zerolog.Nop(), orders.WithClock(clk.Now))

	return &postgresStack{orders: orderRepo, profiles: profileRepo, engine: engine, service: svc, clock: clk}
}

func newOrderInput() orders.CreateOrderInput {
	return orders.CreateOrderInput{
		Products: []domain.LineItem{
			{ProductID: "prod-1", Quantity: 2},
			{ProductID: "prod-2", Quantity: 1},
		},
		TotalAmount: decimal.RequireFromString("420.75"),
		ShippingAddress: domain.Address{
			Street: "221B Baker St", City: "Pune", State: "MH", ZipCode: "411001",
		},
		CustomerPhone: "+91-9999999999",
		PaymentMethod: domain.PaymentCOD,
	}
}

func TestOrderRepositoryRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	stack := setupStack(ctx, t, nil)

	created, err := stack.service.CreateOrder(ctx, customer, newOrderInput())
	if err != nil {
		t.Fatalf("failed to create order: %v", err)
	}

	fetched, err := stack.orders.GetByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("failed to fetch order: %v", err)
	}
	if fetched.CustomerID != customer.ID {
		t.Fatalf("expected customer %s, got %s", customer.ID, fetched.CustomerID)
	}
	if !fetched.TotalAmount.Equal(decimal.RequireFromString("420.75")) {
		t.Fatalf("expected total 420.75, got %s", fetched.TotalAmount)
	}
	if len(fetched.Products) != 2 || fetched.Products[0].ProductID != "prod-1" || fetched.Products[1].Quantity != 1 {
		t.Fatalf("line items not preserved in order: %+v", fetched.Products)
	}
	if len(fetched.StatusHistory) != 1 || fetched.StatusHistory[0].Status != domain.StatusPending {
		t.Fatalf("expected history [pending], got %+v", fetched.StatusHistory)
	}
	if fetched.ShippingAddress.Country != orders.DefaultCountry {
		t.Fatalf("expected default country, got %q", fetched.ShippingAddress.Country)
	}
	if fetched.EstimatedDeliveryTime == nil {
		t.Fatal("expected estimated delivery time")
	}

	_, err = stack.orders.GetByID(ctx, "does-not-exist")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentClaimsPostgres(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	stack := setupStack(ctx, t, nil)

	order, err := stack.service.CreateOrder(ctx, customer, newOrderInput())
	if err != nil {
		t.Fatalf("failed to create order: %v", err)
	}

	const couriers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []string
		conflicts int
	)
	start := make(chan struct{})
	for i := range couriers {
		wg.Add(1)
		go func(c domain.Actor) {
			defer wg.Done()
			<-start
			_, err := stack.service.ClaimOrder(ctx, c, order.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, c.ID)
			case errors.Is(err, domain.ErrClaimConflict):
				conflicts++
			default:
				t.Errorf("unexpected claim error for %s: %v", c.ID, err)
			}
		}(courier(i))
	}
	close(start)
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %v", winners)
	}
	if conflicts != couriers-1 {
		t.Fatalf("expected %d conflicts, got %d", couriers-1, conflicts)
	}

	fetched, err := stack.orders.GetByID(ctx, order.ID)
	if err != nil {
		t.Fatalf("failed to fetch order: %v", err)
	}
	if fetched.DeliveryPersonID != winners[0] || !fetched.IsAccepted || fetched.Locked {
		t.Fatalf("unexpected stored claim state: person=%s accepted=%t locked=%t", fetched.DeliveryPersonID, fetched.IsAccepted, fetched.Locked)
	}
	if len(fetched.StatusHistory) != 2 {
		t.Fatalf("expected two history entries, got %d", len(fetched.StatusHistory))
	}
}

func TestLeaseExpiryPostgres(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	stack := setupStack(ctx, t, nil)

	order, err := stack.service.CreateOrder(ctx, customer, newOrderInput())
	if err != nil {
		t.Fatalf("failed to create order: %v", err)
	}

	// courier 1 takes the lease and never commits
	if _, err := stack.engine.Acquire(ctx, order.ID, courier(1).ID); err != nil {
		t.Fatalf("failed to acquire lease: %v", err)
	}

	if _, err := stack.service.ClaimOrder(ctx, courier(2), order.ID); !errors.Is(err, domain.ErrClaimConflict) {
		t.Fatalf("expected conflict while lease is live, got %v", err)
	}

	stack.clock.Advance(claim.DefaultLeaseTTL + time.Second)

	claimed, err := stack.service.ClaimOrder(ctx, courier(2), order.ID)
	if err != nil {
		t.Fatalf("expected claim after lease expiry, got %v", err)
	}
	if claimed.DeliveryPersonID != courier(2).ID {
		t.Fatalf("expected %s assigned, got %s", courier(2).ID, claimed.DeliveryPersonID)
	}
}

func TestLifecycleAndRatingPostgres(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	stack := setupStack(ctx, t, nil)
	c := courier(7)

	if _, err := stack.service.SaveProfile(ctx, c, orders.ProfileInput{
		Phone: "+91-8888888888", VehicleType: domain.VehicleScooter, VehicleNumber: "MH-12",
	}); err != nil {
		t.Fatalf("failed to save profile: %v", err)
	}
	for i, r := range []int{4, 5} {
		_, err := stack.profiles.AppendRating(ctx, c.ID, domain.RatingEntry{
			OrderID: fmt.Sprintf("history-%d", i), Rating: r, CreatedAt: stack.clock.Now(),
		})
		if err != nil {
			t.Fatalf("failed to seed rating: %v", err)
		}
	}

	order, err := stack.service.CreateOrder(ctx, customer, newOrderInput())
	if err != nil {
		t.Fatalf("failed to create order: %v", err)
	}
	if _, err := stack.service.ClaimOrder(ctx, c, order.ID); err != nil {
		t.Fatalf("failed to claim: %v", err)
	}

	if _, err := stack.service.RateDelivery(ctx, customer, order.ID, 3, ""); !errors.Is(err, domain.ErrNotDelivered) {
		t.Fatalf("expected ErrNotDelivered, got %v", err)
	}

	if _, err := stack.service.UpdateOrderStatus(ctx, c, order.ID, domain.StatusPreparing, ""); err != nil {
		t.Fatalf("failed to move to preparing: %v", err)
	}
	_, err = stack.service.UpdateOrderStatus(ctx, c, order.ID, domain.StatusDelivered, "")
	var invalid *domain.InvalidTransitionError
	if !errors.As(err, &invalid) || invalid.From != domain.StatusPreparing {
		t.Fatalf("expected invalid transition from preparing, got %v", err)
	}
	for _, s := range []domain.OrderStatus{domain.StatusOutForDelivery, domain.StatusDelivered} {
		stack.clock.Advance(time.Minute)
		if _, err := stack.service.UpdateOrderStatus(ctx, c, order.ID, s, ""); err != nil {
			t.Fatalf("failed to move to %s: %v", s, err)
		}
	}

	rated, err := stack.service.RateDelivery(ctx, customer, order.ID, 3, "ok")
	if err != nil {
		t.Fatalf("failed to rate: %v", err)
	}
	if rated.DeliveryRating == nil || rated.DeliveryRating.Rating != 3 {
		t.Fatalf("rating not stored: %+v", rated.DeliveryRating)
	}
	if _, err := stack.service.RateDelivery(ctx, customer, order.ID, 5, ""); !errors.Is(err, domain.ErrAlreadyRated) {
		t.Fatalf("expected ErrAlreadyRated, got %v", err)
	}

	fetched, err := stack.orders.GetByID(ctx, order.ID)
	if err != nil {
		t.Fatalf("failed to fetch order: %v", err)
	}
	want := []domain.OrderStatus{domain.StatusPending, domain.StatusAccepted, domain.StatusPreparing, domain.StatusOutForDelivery, domain.StatusDelivered}
	if len(fetched.StatusHistory) != len(want) {
		t.Fatalf("expected %d history entries, got %d", len(want), len(fetched.StatusHistory))
	}
	for i, s := range want {
		if fetched.StatusHistory[i].Status != s {
			t.Fatalf("history[%d]: expected %s, got %s", i, s, fetched.StatusHistory[i].Status)
		}
	}
	if fetched.ActualDeliveryTime == nil {
		t.Fatal("expected actual delivery time")
	}

	profile, err := stack.profiles.GetByUserID(ctx, c.ID)
	if err != nil {
		t.Fatalf("failed to load profile: %v", err)
	}
	if profile.RatingCount != 3 || profile.AverageRating < 3.999 || profile.AverageRating > 4.001 {
		t.Fatalf("expected 3 ratings averaging 4.0, got %d averaging %f", profile.RatingCount, profile.AverageRating)
	}

	stats, err := stack.service.Stats(ctx, admin)
	if err != nil {
		t.Fatalf("failed to load stats: %v", err)
	}
	if stats.ByStatus[domain.StatusDelivered] != 1 || !stats.DeliveredRevenue.Equal(decimal.RequireFromString("420.75")) {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestKafkaRelayFansOutAcrossInstances(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	brokers, cleanup := SetupKafka(ctx, t)
	defer cleanup()

	topic := "order.lifecycle.test"
	CreateTopic(ctx, t, brokers[0], topic, 3)

	// two instances, each with its own hub, connection and relay consumer
	var sinks []*notify.ChanSink
	relayCtx, stopRelays := context.WithCancel(ctx)
	defer stopRelays()
	for i := range 2 {
		hub := notify.NewHub(notify.NewRegistry(), zerolog.Nop())
		sink := notify.NewChanSink(8)
		hub.Attach("conn", sink)
		hub.Join("conn", notify.RoomAdmin)
		sinks = append(sinks, sink)

		consumer := messaging.NewConsumer(brokers, topic, fmt.Sprintf("dispatch-relay-%d-%s", i, uuid.NewString()),
			messaging.WithStartOffset(kafkago.FirstOffset))
		defer func() { _ = consumer.Close() }()
		go func() { _ = relay.Run(relayCtx, consumer, relay.NewHandler(hub, zerolog.Nop()), zerolog.Nop()) }()
	}

	producer := messaging.NewProducer(brokers, topic)
	defer func() { _ = producer.Close() }()
	publisher := relay.NewKafkaPublisher(producer, nil)

	order := &domain.Order{ID: "relay-1", CustomerID: customer.ID, Status: domain.StatusPending, CreatedAt: time.Now().UTC()}
	if err := publisher.Publish(ctx, notify.OrderCreated(order)); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}

	for i, sink := range sinks {
		select {
		case env := <-sink.C():
			if env.Event != notify.EventNewUnassignedOrder || env.OrderID != "relay-1" {
				t.Fatalf("instance %d got unexpected envelope %+v", i, env)
			}
		case <-time.After(90 * time.Second):
			t.Fatalf("instance %d never received the relayed event", i)
		}
	}
}
