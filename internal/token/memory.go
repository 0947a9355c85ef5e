package token

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety. Suitable for
// tests and single-node development runs; durable deployments use the pg or
// sqlite stores.
type InMemory struct {
	mu     sync.RWMutex
	byPair map[string]*Token // owner|target -> token
	byID   map[string]string // token id -> pair key
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		byPair: make(map[string]*Token),
		byID:   make(map[string]string),
	}
}

func pairKey(ownerID int64, targetID string) string {
	return fmt.Sprintf("%d|%s", ownerID, targetID)
}

func (s *InMemory) Put(ctx context.Context, tok *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(tok.OwnerID, tok.TargetID)
	if prev, ok := s.byPair[key]; ok {
		delete(s.byID, prev.ID)
	}
	cp := *tok
	s.byPair[key] = &cp
	s.byID[cp.ID] = key
	return nil
}

func (s *InMemory) Get(ctx context.Context, ownerID int64, targetID string) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.byPair[pairKey(ownerID, targetID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tok
	return &cp, nil
}

func (s *InMemory) GetByID(ctx context.Context, tokenID string) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.byID[tokenID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.byPair[key]
	return &cp, nil
}

func (s *InMemory) Delete(ctx context.Context, tokenID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.byID[tokenID]
	if !ok {
		return false, nil
	}
	delete(s.byID, tokenID)
	delete(s.byPair, key)
	return true, nil
}

func (s *InMemory) IncrementUsage(ctx context.Context, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.byID[tokenID]
	if !ok {
		return ErrNotFound
	}
	s.byPair[key].UsageCount++
	return nil
}

func (s *InMemory) HasVerified(ctx context.Context, ownerID int64, now time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tok := range s.byPair {
		if tok.OwnerID == ownerID && tok.Verified && tok.Active(now) {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemory) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int
	for key, tok := range s.byPair {
		if !tok.ExpiresAt.After(cutoff) {
			delete(s.byID, tok.ID)
			delete(s.byPair, key)
			removed++
		}
	}
	return removed, nil
}
