package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/lending-ledger/internal/model"
	"github.com/atmx/lending-ledger/internal/store"
)

// newPostgres connects to LEDGER_TEST_DATABASE_URL, migrates the schema and
// skips the test when the variable is unset.
func newPostgres(t *testing.T) *store.PostgresStore {
	t.Helper()
	url := os.Getenv("LEDGER_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("LEDGER_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := pool.Ping(ctx); err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	s := store.NewPostgresStore(pool)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestPostgresStore_LedgerEntriesSameTimestamp(t *testing.T) {
	ctx := context.Background()
	s := newPostgres(t)

	id := model.MarketID("order-test-" + uuid.NewString())
	ts := time.Unix(1_700_000_000, 0).UTC()
	m := testMarket(id, ts)
	if err := s.CreateMarket(ctx, m); err != nil {
		t.Fatalf("create: %v", err)
	}
	account := "acct-" + uuid.NewString()

	ops := []model.Op{model.OpSupply, model.OpBorrow, model.OpRepay, model.OpWithdraw, model.OpSupply}
	var want []string
	for _, op := range ops {
		e := &model.LedgerEntry{ID: uuid.NewString(), MarketID: id, Account: account, Op: op, Timestamp: ts}
		if err := s.SaveState(ctx, m, nil, e); err != nil {
			t.Fatalf("save %s: %v", op, err)
		}
		want = append(want, e.ID)
	}

	byMarket, err := s.GetLedgerEntriesByMarket(ctx, id)
	if err != nil {
		t.Fatalf("entries by market: %v", err)
	}
	byAccount, err := s.GetLedgerEntriesByAccount(ctx, account)
	if err != nil {
		t.Fatalf("entries by account: %v", err)
	}
	for name, got := range map[string][]model.LedgerEntry{"market": byMarket, "account": byAccount} {
		if len(got) != len(want) {
			t.Fatalf("%s: %d entries, want %d", name, len(got), len(want))
		}
		for i := range want {
			if got[i].ID != want[i] {
				t.Errorf("%s entry %d = %s, want %s", name, i, got[i].ID, want[i])
			}
		}
	}
}
