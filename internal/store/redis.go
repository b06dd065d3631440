package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/lending-ledger/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) SaveState(ctx context.Context, m *model.Market, positions []model.Position, entry *model.LedgerEntry) error {
	if err := s.primary.SaveState(ctx, m, positions, entry); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	keys := make([]string, 0, len(positions)+1)
	keys = append(keys, marketKey(m.ID))
	for _, p := range positions {
		keys = append(keys, positionKey(m.ID, p.Account))
	}
	s.rdb.Del(ctx, keys...)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id model.MarketID) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, id model.MarketID, account string) (*model.Position, error) {
	data, err := s.rdb.Get(ctx, positionKey(id, account)).Bytes()
	if err == nil {
		var p model.Position
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPosition(ctx, id, account)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, positionKey(id, account), data, s.ttl)
	}
	return p, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ListPositions(ctx context.Context, id model.MarketID) ([]model.Position, error) {
	return s.primary.ListPositions(ctx, id)
}

func (s *CachedStore) GetLedgerEntriesByMarket(ctx context.Context, id model.MarketID) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByMarket(ctx, id)
}

func (s *CachedStore) GetLedgerEntriesByAccount(ctx context.Context, account string) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByAccount(ctx, account)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func marketKey(id model.MarketID) string { return fmt.Sprintf("market:%s", id) }

func positionKey(id model.MarketID, account string) string {
	return fmt.Sprintf("position:%s:%s", id, account)
}
