// Package store defines the persistence interface for the lending ledger
// service. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache), and in-memory (for testing).
//
// The ledger core never touches a store. The service loads a market snapshot
// once, mutates it in memory, and writes the resulting state back together
// with the ledger entry describing the change.
package store

import (
	"context"
	"errors"

	"github.com/atmx/lending-ledger/internal/model"
)

var (
	// ErrNotFound is returned when a market or position does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when creating a market whose key is taken.
	ErrAlreadyExists = errors.New("store: already exists")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Market operations ---

	// CreateMarket persists a new market.
	CreateMarket(ctx context.Context, market *model.Market) error

	// GetMarket retrieves a market by its key.
	GetMarket(ctx context.Context, id model.MarketID) (*model.Market, error)

	// ListMarkets returns all markets.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// SaveState writes the market totals, the positions an operation touched
	// and the entry describing it, all or nothing.
	SaveState(ctx context.Context, market *model.Market, positions []model.Position, entry *model.LedgerEntry) error

	// --- Position queries ---

	// GetPosition returns one account's position.
	GetPosition(ctx context.Context, id model.MarketID, account string) (*model.Position, error)

	// ListPositions returns every position held in a market.
	ListPositions(ctx context.Context, id model.MarketID) ([]model.Position, error)

	// --- Immutable ledger ---

	// GetLedgerEntriesByMarket returns all entries for a market in order.
	GetLedgerEntriesByMarket(ctx context.Context, id model.MarketID) ([]model.LedgerEntry, error)

	// GetLedgerEntriesByAccount returns all entries for an account in order.
	GetLedgerEntriesByAccount(ctx context.Context, account string) ([]model.LedgerEntry, error)
}
