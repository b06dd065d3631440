package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/lending-ledger/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All amounts are stored as NUMERIC(78,0) and travel as decimal text so no
// precision is lost on the way in or out.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

const marketColumns = `id, params, risk,
	total_supply_assets::TEXT, total_supply_shares::TEXT,
	total_borrow_assets::TEXT, total_borrow_shares::TEXT,
	fee::TEXT, fee_recipient, last_update, created_at`

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	params, err := json.Marshal(&m.Params)
	if err != nil {
		return err
	}
	risk, err := json.Marshal(&m.Risk)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO markets (id, params, risk,
		        total_supply_assets, total_supply_shares, total_borrow_assets, total_borrow_shares,
		        fee, fee_recipient, last_update, created_at)
		 VALUES ($1, $2::JSONB, $3::JSONB, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC,
		         $8::NUMERIC, $9, $10, $11)`,
		string(m.ID), string(params), string(risk),
		m.TotalSupplyAssets.Dec(), m.TotalSupplyShares.Dec(),
		m.TotalBorrowAssets.Dec(), m.TotalBorrowShares.Dec(),
		m.Fee.Dec(), m.FeeRecipient, m.LastUpdate, m.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("market %s: %w", m.ID, ErrAlreadyExists)
	}
	return err
}

func (s *PostgresStore) GetMarket(ctx context.Context, id model.MarketID) (*model.Market, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = $1`, string(id))
	m, err := scanMarket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) SaveState(ctx context.Context, m *model.Market, positions []model.Position, entry *model.LedgerEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	risk, err := json.Marshal(&m.Risk)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx,
		`UPDATE markets
		 SET total_supply_assets = $2::NUMERIC, total_supply_shares = $3::NUMERIC,
		     total_borrow_assets = $4::NUMERIC, total_borrow_shares = $5::NUMERIC,
		     risk = $6::JSONB, last_update = $7
		 WHERE id = $1`,
		string(m.ID),
		m.TotalSupplyAssets.Dec(), m.TotalSupplyShares.Dec(),
		m.TotalBorrowAssets.Dec(), m.TotalBorrowShares.Dec(),
		string(risk), m.LastUpdate,
	)
	if err != nil {
		return fmt.Errorf("update market %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("market %s: %w", m.ID, ErrNotFound)
	}

	for _, p := range positions {
		if _, err := tx.Exec(ctx,
			`INSERT INTO positions (market_id, account, supply_shares, borrow_shares, collateral)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC)
			 ON CONFLICT (market_id, account) DO UPDATE
			 SET supply_shares = EXCLUDED.supply_shares,
			     borrow_shares = EXCLUDED.borrow_shares,
			     collateral    = EXCLUDED.collateral`,
			string(m.ID), p.Account,
			p.SupplyShares.Dec(), p.BorrowShares.Dec(), p.Collateral.Dec(),
		); err != nil {
			return fmt.Errorf("upsert position %s: %w", p.Account, err)
		}
	}

	if entry != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledger_entries (id, market_id, account, op, assets, shares, collateral, caller, timestamp)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
			entry.ID, string(entry.MarketID), entry.Account, string(entry.Op),
			entry.Assets.Dec(), entry.Shares.Dec(), entry.Collateral.Dec(),
			entry.Caller, entry.Timestamp,
		); err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetPosition(ctx context.Context, id model.MarketID, account string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT market_id, account, supply_shares::TEXT, borrow_shares::TEXT, collateral::TEXT
		 FROM positions WHERE market_id = $1 AND account = $2`, string(id), account)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s/%s: %w", id, account, ErrNotFound)
	}
	return p, err
}

func (s *PostgresStore) ListPositions(ctx context.Context, id model.MarketID) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market_id, account, supply_shares::TEXT, borrow_shares::TEXT, collateral::TEXT
		 FROM positions WHERE market_id = $1 ORDER BY account`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) GetLedgerEntriesByMarket(ctx context.Context, id model.MarketID) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, market_id, account, op,
		        assets::TEXT, shares::TEXT, collateral::TEXT, caller, timestamp
		 FROM ledger_entries WHERE market_id = $1 ORDER BY timestamp, seq`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) GetLedgerEntriesByAccount(ctx context.Context, account string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, market_id, account, op,
		        assets::TEXT, shares::TEXT, collateral::TEXT, caller, timestamp
		 FROM ledger_entries WHERE account = $1 ORDER BY timestamp, seq`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMarket(row rowScanner) (*model.Market, error) {
	var (
		m                                  model.Market
		id                                 string
		params, risk                       []byte
		supplyA, supplyS, borrowA, borrowS string
		fee                                string
	)
	if err := row.Scan(&id, &params, &risk,
		&supplyA, &supplyS, &borrowA, &borrowS,
		&fee, &m.FeeRecipient, &m.LastUpdate, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.ID = model.MarketID(id)
	if err := json.Unmarshal(params, &m.Params); err != nil {
		return nil, fmt.Errorf("decode params of %s: %w", id, err)
	}
	if err := json.Unmarshal(risk, &m.Risk); err != nil {
		return nil, fmt.Errorf("decode risk of %s: %w", id, err)
	}
	if err := decodeNumerics(
		numeric{&m.TotalSupplyAssets, supplyA},
		numeric{&m.TotalSupplyShares, supplyS},
		numeric{&m.TotalBorrowAssets, borrowA},
		numeric{&m.TotalBorrowShares, borrowS},
		numeric{&m.Fee, fee},
	); err != nil {
		return nil, fmt.Errorf("decode market %s: %w", id, err)
	}
	m.LastUpdate = m.LastUpdate.UTC()
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

func scanPosition(row rowScanner) (*model.Position, error) {
	var (
		p                  model.Position
		id                 string
		supply, borrow, cl string
	)
	if err := row.Scan(&id, &p.Account, &supply, &borrow, &cl); err != nil {
		return nil, err
	}
	p.MarketID = model.MarketID(id)
	if err := decodeNumerics(
		numeric{&p.SupplyShares, supply},
		numeric{&p.BorrowShares, borrow},
		numeric{&p.Collateral, cl},
	); err != nil {
		return nil, fmt.Errorf("decode position %s/%s: %w", id, p.Account, err)
	}
	return &p, nil
}

// scanLedgerEntries reads pgx rows into LedgerEntry slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanLedgerEntries(rows pgxRows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var (
			e                          model.LedgerEntry
			marketID, op               string
			assets, shares, collateral string
		)
		if err := rows.Scan(&e.ID, &marketID, &e.Account, &op,
			&assets, &shares, &collateral, &e.Caller, &e.Timestamp); err != nil {
			return nil, err
		}
		e.MarketID = model.MarketID(marketID)
		e.Op = model.Op(op)
		e.Timestamp = e.Timestamp.UTC()
		if err := decodeNumerics(
			numeric{&e.Assets, assets},
			numeric{&e.Shares, shares},
			numeric{&e.Collateral, collateral},
		); err != nil {
			return nil, fmt.Errorf("decode ledger entry %s: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// numeric pairs a destination with the NUMERIC text scanned for it.
type numeric struct {
	dst  *uint256.Int
	text string
}

func decodeNumerics(fields ...numeric) error {
	for _, f := range fields {
		v, err := uint256.FromDecimal(f.text)
		if err != nil {
			return err
		}
		f.dst.Set(v)
	}
	return nil
}
