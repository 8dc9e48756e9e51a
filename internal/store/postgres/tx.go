package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgconn"
)

// pgxTx is the subset of pgx.Tx used by helper functions that accept an
// in-flight transaction, so helpers don't need to import pgx.Tx directly.
type pgxTx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}
