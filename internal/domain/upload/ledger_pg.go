package upload

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ledgerPG struct {
	pool *pgxpool.Pool
}

// NewLedgerPG returns a Ledger backed by the data table.
func NewLedgerPG(pool *pgxpool.Pool) Ledger {
	return &ledgerPG{pool: pool}
}

func (l *ledgerPG) Insert(ctx context.Context, id uuid.UUID, path string) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO data (id, path_to_file, converted)
		VALUES ($1, $2, false)
		ON CONFLICT (id) DO UPDATE
		SET path_to_file = EXCLUDED.path_to_file, converted = EXCLUDED.converted`,
		id, path)
	if err != nil {
		return ledgerError("insert", id, err)
	}
	return nil
}

func (l *ledgerPG) Finalize(ctx context.Context, id uuid.UUID, converted bool, errorMsg string) error {
	_, err := l.pool.Exec(ctx,
		`UPDATE data SET converted = $2, error_msg = $3 WHERE id = $1`,
		id, converted, errorMsg)
	if err != nil {
		return ledgerError("finalize", id, err)
	}
	return nil
}

// ledgerError classifies a pgx failure: integrity violations (SQLSTATE class
// 23) are constraint errors, everything else counts as the ledger being
// unreachable.
func ledgerError(op string, id uuid.UUID, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		return fmt.Errorf("%w: %s %s: %v", ErrLedgerConstraint, op, id, err)
	}
	return fmt.Errorf("%w: %s %s: %v", ErrLedgerUnavailable, op, id, err)
}
