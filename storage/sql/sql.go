// Package sql implements storage.Storage against Postgres, grounded on
// dexidp/dex's storage/sql package: the same conn wrapper around
// database/sql, the same numbered-migration table, and the same
// serializable-transaction-with-retry pattern for its execTx loop (here
// scoped to Postgres only, since DarkAuth has no MySQL/SQLite deployment
// target). Instrumentation comes from github.com/XSAM/otelsql rather than
// wrapping driver calls by hand.
package sql

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/lib/pq"
)

// conn is the main database connection, implementing storage.Storage.
type conn struct {
	db     *sql.DB
	logger *slog.Logger
}

func (c *conn) Close() error {
	return c.db.Close()
}

// execTx runs fn inside a SERIALIZABLE transaction, retrying on Postgres
// serialization failures. Callers must not wrap driver errors returned from
// queries inside fn, or a retry-worthy failure will be missed.
func (c *conn) execTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	for {
		tx, err := c.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			if isSerializationFailure(err) {
				continue
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			if isSerializationFailure(err) {
				continue
			}
			return err
		}
		return nil
	}
}

func isSerializationFailure(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code.Name() == "serialization_failure"
}

func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == "23505"
}
