// Package onboarding drives the WebAuthn onboarding ceremony hosted by institutional backends
// and correlates its outcome between pushed callbacks and pulled status polls.
package onboarding

import (
	"context"
	"strings"
	"sync"
	"time"

	"trust-bridge/backend/internal/onboarding/domain"
)

// DefaultResultTTL is how long a result stays readable after it was stored.
const DefaultResultTTL = 600_000 * time.Millisecond

// ResultStore is a TTL-bounded map from a lookup key (session id, stable user id or composite
// key) to a ceremony result. Expired entries are swept on every access; reads never extend a TTL.
type ResultStore struct {
	mu   sync.Mutex
	m    map[string]domain.Result
	ttl  time.Duration
	nowF func() time.Time
}

// NewResultStore returns an empty store. ttl <= 0 uses DefaultResultTTL.
func NewResultStore(ttl time.Duration) *ResultStore {
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	return &ResultStore{
		m:    make(map[string]domain.Result),
		ttl:  ttl,
		nowF: time.Now,
	}
}

// Put stamps receivedAt/expiresAt on r and stores it under key. Returns the stored result.
func (s *ResultStore) Put(ctx context.Context, key string, r domain.Result) domain.Result {
	now := s.nowF().UTC()
	r.ReceivedAt = now
	r.ExpiresAt = now.Add(s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(now)
	if key != "" {
		s.m[key] = r
	}
	return r
}

// PutAll stores r under every non-empty key with a single timestamp.
func (s *ResultStore) PutAll(ctx context.Context, r domain.Result, keys ...string) domain.Result {
	now := s.nowF().UTC()
	r.ReceivedAt = now
	r.ExpiresAt = now.Add(s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(now)
	for _, k := range keys {
		if k != "" {
			s.m[k] = r
		}
	}
	return r
}

// Get returns the result under key if present and not expired.
func (s *ResultStore) Get(ctx context.Context, key string) (domain.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(s.nowF())
	r, ok := s.m[key]
	return r, ok
}

// FindByUser looks a user's result up by direct key, then by composite key, then by scanning
// all entries. institutionID is optional; when set it must match.
func (s *ResultStore) FindByUser(ctx context.Context, stableUserID, institutionID string) (domain.Result, bool) {
	if stableUserID == "" {
		return domain.Result{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(s.nowF())

	matches := func(r domain.Result) bool {
		return institutionID == "" || r.InstitutionID == "" || strings.EqualFold(r.InstitutionID, institutionID)
	}
	if r, ok := s.m[stableUserID]; ok && matches(r) {
		return r, true
	}
	if institutionID != "" {
		if r, ok := s.m[domain.CompositeKey(stableUserID, institutionID)]; ok {
			return r, true
		}
	}
	var (
		best  domain.Result
		found bool
	)
	for _, r := range s.m {
		if r.StableUserID != stableUserID {
			continue
		}
		if institutionID != "" && !strings.EqualFold(r.InstitutionID, institutionID) {
			continue
		}
		if !found || r.ReceivedAt.After(best.ReceivedAt) {
			best, found = r, true
		}
	}
	return best, found
}

// Clear removes key.
func (s *ResultStore) Clear(ctx context.Context, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}

// ClearForUser removes every entry belonging to stableUserID and returns how many were removed.
func (s *ResultStore) ClearForUser(ctx context.Context, stableUserID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	prefix := stableUserID + ":"
	for k, r := range s.m {
		if k == stableUserID || strings.HasPrefix(k, prefix) || r.StableUserID == stableUserID {
			delete(s.m, k)
			n++
		}
	}
	return n
}

// Len returns the number of live entries.
func (s *ResultStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(s.nowF())
	return len(s.m)
}

func (s *ResultStore) sweepLocked(now time.Time) {
	for k, r := range s.m {
		if !r.ExpiresAt.After(now) {
			delete(s.m, k)
		}
	}
}
