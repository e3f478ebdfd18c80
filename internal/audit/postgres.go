package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/credit-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL. All monetary values
// are stored as NUMERIC for exact decimal precision.
//
// Expected schema:
//
//	CREATE TABLE operations (
//	    id               TEXT PRIMARY KEY,
//	    address          TEXT NOT NULL,
//	    kind             TEXT NOT NULL,
//	    amount           NUMERIC NOT NULL,
//	    state            TEXT NOT NULL,
//	    tx_ref           TEXT NOT NULL DEFAULT '',
//	    error            TEXT NOT NULL DEFAULT '',
//	    collateral       NUMERIC NOT NULL,
//	    debt             NUMERIC NOT NULL,
//	    price_usd        NUMERIC NOT NULL,
//	    projected_health NUMERIC NOT NULL,
//	    projected_status TEXT NOT NULL,
//	    created_at       TIMESTAMPTZ NOT NULL,
//	    updated_at       TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX operations_address_idx ON operations (address, created_at DESC);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Record(ctx context.Context, op model.Operation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO operations
		     (id, address, kind, amount, state, tx_ref, error,
		      collateral, debt, price_usd, projected_health, projected_status,
		      created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7,
		         $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12, $13, $14)
		 ON CONFLICT (id) DO UPDATE SET
		     state = EXCLUDED.state,
		     tx_ref = EXCLUDED.tx_ref,
		     error = EXCLUDED.error,
		     updated_at = EXCLUDED.updated_at`,
		op.ID, op.Address, string(op.Kind), op.Amount.String(), string(op.State),
		op.TxRef, op.Error,
		op.Position.Collateral.String(), op.Position.Debt.String(),
		op.Price.PriceUSD.String(),
		op.Projected.HealthFactor.String(), string(op.Projected.Status),
		op.CreatedAt, op.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (model.Operation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, address, kind, amount::TEXT, state, tx_ref, error,
		        collateral::TEXT, debt::TEXT, price_usd::TEXT,
		        projected_health::TEXT, projected_status,
		        created_at, updated_at
		 FROM operations WHERE id = $1`, id)

	op, err := scanOperation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Operation{}, ErrNotFound
	}
	if err != nil {
		return model.Operation{}, fmt.Errorf("get operation %s: %w", id, err)
	}
	return op, nil
}

func (s *PostgresStore) ListByAddress(ctx context.Context, address string) ([]model.Operation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, address, kind, amount::TEXT, state, tx_ref, error,
		        collateral::TEXT, debt::TEXT, price_usd::TEXT,
		        projected_health::TEXT, projected_status,
		        created_at, updated_at
		 FROM operations WHERE address = $1 ORDER BY created_at DESC`, address)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []model.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (model.Operation, error) {
	var op model.Operation
	var kind, state, projStatus string
	var amount, collateral, debt, priceUSD, projHealth string

	err := row.Scan(&op.ID, &op.Address, &kind, &amount, &state, &op.TxRef, &op.Error,
		&collateral, &debt, &priceUSD, &projHealth, &projStatus,
		&op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		return model.Operation{}, err
	}

	op.Kind = model.OperationKind(kind)
	op.State = model.OperationState(state)
	op.Position.Address = op.Address
	op.Projected.Status = model.RiskStatus(projStatus)

	numerics := []struct {
		dst  *decimal.Decimal
		name string
		raw  string
	}{
		{&op.Amount, "amount", amount},
		{&op.Position.Collateral, "collateral", collateral},
		{&op.Position.Debt, "debt", debt},
		{&op.Price.PriceUSD, "price_usd", priceUSD},
		{&op.Projected.HealthFactor, "projected_health", projHealth},
	}
	for _, n := range numerics {
		v, err := decimal.NewFromString(n.raw)
		if err != nil {
			return model.Operation{}, fmt.Errorf("parse %s %q: %w", n.name, n.raw, err)
		}
		*n.dst = v
	}

	return op, nil
}
