package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/orderflow-dispatch/internal/domain"
)

// MemoryOrderStore keeps orders in process. Each order has its own mutex so
// that read-check-write sequences on one order are serialized while different
// orders proceed in parallel.
type MemoryOrderStore struct {
	mu     sync.RWMutex
	orders map[string]*orderRecord
}

type orderRecord struct {
	mu    sync.Mutex
	order *domain.Order
}

func NewMemoryOrderStore() *MemoryOrderStore {
	return &MemoryOrderStore{orders: make(map[string]*orderRecord)}
}

func (s *MemoryOrderStore) Create(_ context.Context, order *domain.Order) error {
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if err := order.CheckInvariants(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[order.ID]; ok {
		return fmt.Errorf("%w: order %s already exists", domain.ErrInvalidInput, order.ID)
	}
	s.orders[order.ID] = &orderRecord{order: order.Clone()}
	return nil
}

func (s *MemoryOrderStore) record(id string) (*orderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, domain.ErrNotFound)
	}
	return rec, nil
}

func (s *MemoryOrderStore) GetByID(_ context.Context, id string) (*domain.Order, error) {
	rec, err := s.record(id)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.order.Clone(), nil
}

func (s *MemoryOrderStore) snapshot() []*domain.Order {
	s.mu.RLock()
	recs := make([]*orderRecord, 0, len(s.orders))
	for _, rec := range s.orders {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	out := make([]*domain.Order, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, rec.order.Clone())
		rec.mu.Unlock()
	}
	return out
}

func (s *MemoryOrderStore) Find(_ context.Context, f domain.OrderFilter) ([]domain.Order, error) {
	var matched []domain.Order
	for _, o := range s.snapshot() {
		if matchesFilter(o, f) {
			matched = append(matched, *o)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if f.OldestFirst {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.CreatedAt.After(b.CreatedAt)
		}
		if f.OldestFirst {
			return a.ID < b.ID
		}
		return a.ID > b.ID
	})

	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	if matched == nil {
		matched = []domain.Order{}
	}
	return matched, nil
}

// Update applies mutate to a copy of the order while holding the order's
// mutex and stores the copy only if mutate succeeds and the result is valid.
func (s *MemoryOrderStore) Update(_ context.Context, id string, mutate func(*domain.Order) error) (*domain.Order, error) {
	rec, err := s.record(id)
	if err != nil {
		return nil, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	next := rec.order.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if err := checkMutation(rec.order, next); err != nil {
		return nil, err
	}
	rec.order = next
	return next.Clone(), nil
}

func (s *MemoryOrderStore) AcquireLease(ctx context.Context, lease domain.Lease) error {
	_, err := s.Update(ctx, lease.OrderID, func(o *domain.Order) error {
		if !o.Claimable(lease.AcquiredAt) {
			return domain.ErrClaimConflict
		}
		exp := lease.ExpiresAt
		o.Locked = true
		o.LockExpiresAt = &exp
		o.LockedBy = lease.Holder
		return nil
	})
	return err
}

func (s *MemoryOrderStore) Stats(_ context.Context) (domain.OrderStats, error) {
	stats := domain.OrderStats{
		ByStatus:         make(map[domain.OrderStatus]int),
		DeliveredRevenue: decimal.Zero,
	}
	for _, o := range s.snapshot() {
		stats.Total++
		stats.ByStatus[o.Status]++
		if o.Status == domain.StatusDelivered {
			stats.DeliveredRevenue = stats.DeliveredRevenue.Add(o.TotalAmount)
		}
	}
	return stats, nil
}

func matchesFilter(o *domain.Order, f domain.OrderFilter) bool {
	if f.CustomerID != "" && o.CustomerID != f.CustomerID {
		return false
	}
	if f.DeliveryPersonID != "" && o.DeliveryPersonID != f.DeliveryPersonID {
		return false
	}
	if f.VisibleToCourier != "" && o.DeliveryPersonID != f.VisibleToCourier && (o.Status != domain.StatusPending || o.IsAccepted) {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, o.Status) {
		return false
	}
	if containsStatus(f.ExcludeStatuses, o.Status) {
		return false
	}
	if f.ClaimableAt != nil && !o.Claimable(*f.ClaimableAt) {
		return false
	}
	return true
}

func containsStatus(list []domain.OrderStatus, s domain.OrderStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// MemoryProfileStore keeps courier profiles in process.
type MemoryProfileStore struct {
	mu       sync.Mutex
	profiles map[string]*domain.DeliveryProfile
	rated    map[string]map[string]struct{}
}

func NewMemoryProfileStore() *MemoryProfileStore {
	return &MemoryProfileStore{
		profiles: make(map[string]*domain.DeliveryProfile),
		rated:    make(map[string]map[string]struct{}),
	}
}

func (s *MemoryProfileStore) Upsert(_ context.Context, p *domain.DeliveryProfile) (*domain.DeliveryProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *p
	if cur, ok := s.profiles[p.UserID]; ok {
		next.AverageRating = cur.AverageRating
		next.RatingCount = cur.RatingCount
		next.CreatedAt = cur.CreatedAt
	} else {
		next.AverageRating = 0
		next.RatingCount = 0
	}
	s.profiles[p.UserID] = cloneProfile(&next)
	return cloneProfile(&next), nil
}

func (s *MemoryProfileStore) GetByUserID(_ context.Context, userID string) (*domain.DeliveryProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("delivery profile %s: %w", userID, domain.ErrNotFound)
	}
	return cloneProfile(p), nil
}

func (s *MemoryProfileStore) List(_ context.Context) ([]domain.DeliveryProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.DeliveryProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, *cloneProfile(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryProfileStore) SetAvailability(_ context.Context, userID string, available bool) (*domain.DeliveryProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("delivery profile %s: %w", userID, domain.ErrNotFound)
	}
	p.IsAvailable = available
	return cloneProfile(p), nil
}

func (s *MemoryProfileStore) AppendRating(_ context.Context, userID string, entry domain.RatingEntry) (*domain.DeliveryProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("delivery profile %s: %w", userID, domain.ErrNotFound)
	}
	seen := s.rated[userID]
	if seen == nil {
		seen = make(map[string]struct{})
		s.rated[userID] = seen
	}
	if _, dup := seen[entry.OrderID]; dup {
		return nil, domain.ErrAlreadyRated
	}
	seen[entry.OrderID] = struct{}{}
	p.AddRating(entry.Rating)
	p.UpdatedAt = entry.CreatedAt
	return cloneProfile(p), nil
}

func cloneProfile(p *domain.DeliveryProfile) *domain.DeliveryProfile {
	c := *p
	if p.CurrentLocation != nil {
		loc := *p.CurrentLocation
		c.CurrentLocation = &loc
	}
	return &c
}
