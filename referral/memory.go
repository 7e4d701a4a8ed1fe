package referral

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store (for testing/dev).
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]User
	codes     map[string]string // referral code -> user id
	referrals map[string]Referral
	byReferee map[string]string // referred user id -> referral id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]User),
		codes:     make(map[string]string),
		referrals: make(map[string]Referral),
		byReferee: make(map[string]string),
	}
}

func (m *MemoryStore) SaveUser(_ context.Context, u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.users[u.ID]; ok {
		if u.ReferralCode == "" {
			u.ReferralCode = existing.ReferralCode
		}
		if u.CreatedAt.IsZero() {
			u.CreatedAt = existing.CreatedAt
		}
	}
	if u.ReferralCode != "" {
		if owner, ok := m.codes[u.ReferralCode]; ok && owner != u.ID {
			return ErrCodeTaken
		}
		m.codes[u.ReferralCode] = u.ID
	}
	m.users[u.ID] = u
	return nil
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (m *MemoryStore) ListUserIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.users))
	for id := range m.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) SetReferralCode(_ context.Context, userID, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	if owner, ok := m.codes[code]; ok && owner != userID {
		return ErrCodeTaken
	}
	if u.ReferralCode != "" {
		delete(m.codes, u.ReferralCode)
	}
	u.ReferralCode = code
	m.users[userID] = u
	m.codes[code] = userID
	return nil
}

func (m *MemoryStore) UserByReferralCode(_ context.Context, code string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.codes[code]
	if !ok {
		return nil, ErrUnknownCode
	}
	u := m.users[id]
	return &u, nil
}

func (m *MemoryStore) CreateReferral(_ context.Context, r Referral) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byReferee[r.ReferredUserID]; ok {
		return ErrAlreadyReferred
	}
	m.referrals[r.ID] = r
	m.byReferee[r.ReferredUserID] = r.ID
	return nil
}

func (m *MemoryStore) GetReferralByReferredUser(_ context.Context, userID string) (*Referral, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byReferee[userID]
	if !ok {
		return nil, ErrReferralNotFound
	}
	r := m.referrals[id]
	return &r, nil
}

func (m *MemoryStore) ListReferralsByReferrer(_ context.Context, referrerID string) ([]Referral, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Referral
	for _, r := range m.referrals {
		if r.ReferrerID == referrerID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateReferralStatus(_ context.Context, id string, from, to Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.referrals[id]
	if !ok {
		return ErrReferralNotFound
	}
	if r.Status != from {
		return ErrStatusConflict
	}
	r.Status = to
	switch to {
	case StatusCompleted:
		r.CompletedAt = &at
	case StatusRewarded:
		r.RewardedAt = &at
	}
	m.referrals[id] = r
	return nil
}
