package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/lending-ledger/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	markets   map[model.MarketID]*model.Market
	positions map[model.MarketID]map[string]model.Position
	ledger    []model.LedgerEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[model.MarketID]*model.Market),
		positions: make(map[model.MarketID]map[string]model.Position),
	}
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("market %s: %w", m.ID, ErrAlreadyExists)
	}

	// Store a copy to avoid external mutation.
	cp := *m
	s.markets[m.ID] = &cp
	s.positions[m.ID] = make(map[string]model.Position)
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id model.MarketID) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) SaveState(_ context.Context, m *model.Market, positions []model.Position, entry *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; !ok {
		return fmt.Errorf("market %s: %w", m.ID, ErrNotFound)
	}
	cp := *m
	s.markets[m.ID] = &cp
	for _, p := range positions {
		s.positions[m.ID][p.Account] = p
	}
	if entry != nil {
		s.ledger = append(s.ledger, *entry)
	}
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id model.MarketID, account string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id][account]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", id, account, ErrNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, id model.MarketID) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.markets[id]; !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	positions := make([]model.Position, 0, len(s.positions[id]))
	for _, p := range s.positions[id] {
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Account < positions[j].Account })
	return positions, nil
}

func (s *MemoryStore) GetLedgerEntriesByMarket(_ context.Context, id model.MarketID) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.MarketID == id {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetLedgerEntriesByAccount(_ context.Context, account string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.Account == account {
			result = append(result, e)
		}
	}
	return result, nil
}
