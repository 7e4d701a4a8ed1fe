package coupon

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store (for testing/dev).
type MemoryStore struct {
	mu           sync.RWMutex
	coupons      map[string]Coupon
	applications map[string]Application
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		coupons:      make(map[string]Coupon),
		applications: make(map[string]Application),
	}
}

func (m *MemoryStore) GetCoupon(_ context.Context, code string) (*Coupon, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.coupons[NormalizeCode(code)]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *MemoryStore) ListCoupons(_ context.Context) ([]Coupon, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Coupon, 0, len(m.coupons))
	for _, c := range m.coupons {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *MemoryStore) CreateCoupon(_ context.Context, c Coupon) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c.Code = NormalizeCode(c.Code)
	if _, ok := m.coupons[c.Code]; ok {
		return ErrCouponExists
	}
	m.coupons[c.Code] = c
	return nil
}

func (m *MemoryStore) DeactivateCoupon(_ context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.coupons[NormalizeCode(code)]
	if !ok {
		return ErrNotFound
	}
	c.IsActive = false
	m.coupons[c.Code] = c
	return nil
}

func (m *MemoryStore) RecordApplication(_ context.Context, a Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.coupons[NormalizeCode(a.Code)]
	if !ok {
		return ErrNotFound
	}
	if !c.HasUsesLeft() {
		return ErrUsageLimitReached
	}
	c.UsedCount++
	m.coupons[c.Code] = c

	a.Code = c.Code
	m.applications[a.ID] = a
	return nil
}

func (m *MemoryStore) GetApplication(_ context.Context, id string) (*Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.applications[id]
	if !ok {
		return nil, ErrApplicationNotFound
	}
	return &a, nil
}

func (m *MemoryStore) CloseApplication(_ context.Context, id string, status ApplicationStatus, at time.Time) (*Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.applications[id]
	if !ok {
		return nil, ErrApplicationNotFound
	}
	if a.Status != ApplicationLive {
		return nil, ErrApplicationClosed
	}
	m.closeLocked(&a, status, at)
	return &a, nil
}

func (m *MemoryStore) FinalizeOrderApplications(_ context.Context, userID, orderID string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, a := range m.applications {
		if a.Status == ApplicationLive && a.UserID == userID && a.OrderID == orderID {
			m.closeLocked(&a, ApplicationFinalized, at)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) closeLocked(a *Application, status ApplicationStatus, at time.Time) {
	a.Status = status
	a.ClosedAt = &at
	m.applications[a.ID] = *a

	if status == ApplicationReleased {
		if c, ok := m.coupons[a.Code]; ok && c.UsedCount > 0 {
			c.UsedCount--
			m.coupons[c.Code] = c
		}
	}
}
