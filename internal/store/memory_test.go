package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atmx/lending-ledger/internal/model"
	"github.com/atmx/lending-ledger/internal/store"
)

func testMarket(id model.MarketID, created time.Time) *model.Market {
	m := &model.Market{ID: id, CreatedAt: created, LastUpdate: created}
	m.Params.LoanToken = "USDC"
	m.Params.CollateralToken = "WETH"
	return m
}

func TestMemoryStore_CreateAndGetMarket(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	m := testMarket("m1", time.Unix(100, 0))

	if err := s.CreateMarket(ctx, m); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateMarket(ctx, m); !errors.Is(err, store.ErrAlreadyExists) {
		t.Errorf("second create: got %v, want ErrAlreadyExists", err)
	}

	// Stored copies are independent of the caller's value.
	m.TotalSupplyAssets.SetUint64(99)
	got, err := s.GetMarket(ctx, "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.TotalSupplyAssets.IsZero() {
		t.Error("store shares memory with the caller")
	}

	if _, err := s.GetMarket(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing market: got %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_ListMarketsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	s.CreateMarket(ctx, testMarket("old", time.Unix(100, 0)))
	s.CreateMarket(ctx, testMarket("new", time.Unix(200, 0)))

	markets, err := s.ListMarkets(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(markets) != 2 || markets[0].ID != "new" {
		t.Errorf("unexpected order: %+v", markets)
	}
}

func TestMemoryStore_SaveState(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	m := testMarket("m1", time.Unix(100, 0))
	s.CreateMarket(ctx, m)

	m.TotalSupplyAssets.SetUint64(1000)
	m.TotalSupplyShares.SetUint64(1000)
	bob := model.Position{MarketID: "m1", Account: "bob"}
	bob.Collateral.SetUint64(50)
	alice := model.Position{MarketID: "m1", Account: "alice"}
	alice.SupplyShares.SetUint64(1000)
	entry := &model.LedgerEntry{ID: "e1", MarketID: "m1", Account: "alice", Op: model.OpSupply}

	if err := s.SaveState(ctx, m, []model.Position{bob, alice}, entry); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, _ := s.GetMarket(ctx, "m1")
	if got.TotalSupplyAssets.Uint64() != 1000 {
		t.Errorf("total supply = %d, want 1000", got.TotalSupplyAssets.Uint64())
	}

	positions, err := s.ListPositions(ctx, "m1")
	if err != nil {
		t.Fatalf("list positions: %v", err)
	}
	if len(positions) != 2 || positions[0].Account != "alice" || positions[1].Account != "bob" {
		t.Errorf("positions not ordered by account: %+v", positions)
	}

	p, err := s.GetPosition(ctx, "m1", "bob")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if p.Collateral.Uint64() != 50 {
		t.Errorf("collateral = %d, want 50", p.Collateral.Uint64())
	}
	if _, err := s.GetPosition(ctx, "m1", "carol"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing position: got %v, want ErrNotFound", err)
	}

	if err := s.SaveState(ctx, testMarket("m2", time.Unix(0, 0)), nil, nil); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("save to unknown market: got %v, want ErrNotFound", err)
	}
	if _, err := s.ListPositions(ctx, "m2"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("positions of unknown market: got %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_LedgerEntries(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	m1 := testMarket("m1", time.Unix(100, 0))
	m2 := testMarket("m2", time.Unix(100, 0))
	s.CreateMarket(ctx, m1)
	s.CreateMarket(ctx, m2)

	s.SaveState(ctx, m1, nil, &model.LedgerEntry{ID: "1", MarketID: "m1", Account: "alice", Op: model.OpSupply})
	s.SaveState(ctx, m2, nil, &model.LedgerEntry{ID: "2", MarketID: "m2", Account: "alice", Op: model.OpSupply})
	s.SaveState(ctx, m1, nil, &model.LedgerEntry{ID: "3", MarketID: "m1", Account: "bob", Op: model.OpBorrow})
	s.SaveState(ctx, m1, nil, nil)

	byMarket, _ := s.GetLedgerEntriesByMarket(ctx, "m1")
	if len(byMarket) != 2 || byMarket[0].ID != "1" || byMarket[1].ID != "3" {
		t.Errorf("entries for m1: %+v", byMarket)
	}
	byAccount, _ := s.GetLedgerEntriesByAccount(ctx, "alice")
	if len(byAccount) != 2 || byAccount[0].ID != "1" || byAccount[1].ID != "2" {
		t.Errorf("entries for alice: %+v", byAccount)
	}
}
