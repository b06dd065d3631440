package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/lending-ledger/internal/model"
	"github.com/atmx/lending-ledger/internal/store"
)

// newRedis connects to LEDGER_TEST_REDIS_URL and skips the test when it is
// unset.
func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("LEDGER_TEST_REDIS_URL")
	if url == "" {
		t.Skip("LEDGER_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { rdb.Close() })
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	return rdb
}

func TestCachedStore_InvalidatesOnSave(t *testing.T) {
	ctx := context.Background()
	rdb := newRedis(t)
	primary := store.NewMemoryStore()
	s := store.NewCachedStore(primary, rdb, time.Minute)

	id := model.MarketID("cache-test-" + time.Now().Format("150405.000000000"))
	m := testMarket(id, time.Unix(100, 0))
	if err := s.CreateMarket(ctx, m); err != nil {
		t.Fatalf("create: %v", err)
	}
	p := model.Position{MarketID: id, Account: "alice"}
	p.SupplyShares.SetUint64(10)
	if err := s.SaveState(ctx, m, []model.Position{p}, nil); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Warm the cache, then change the primary behind it.
	if got, err := s.GetPosition(ctx, id, "alice"); err != nil || got.SupplyShares.Uint64() != 10 {
		t.Fatalf("first read: %v %+v", err, got)
	}
	p.SupplyShares.SetUint64(20)
	m.TotalSupplyAssets.SetUint64(20)
	if err := s.SaveState(ctx, m, []model.Position{p}, nil); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetPosition(ctx, id, "alice")
	if err != nil {
		t.Fatalf("read after save: %v", err)
	}
	if got.SupplyShares.Uint64() != 20 {
		t.Errorf("stale cached shares %d, want 20", got.SupplyShares.Uint64())
	}
	market, err := s.GetMarket(ctx, id)
	if err != nil {
		t.Fatalf("get market: %v", err)
	}
	if market.TotalSupplyAssets.Uint64() != 20 {
		t.Errorf("stale cached market total %d, want 20", market.TotalSupplyAssets.Uint64())
	}
}
