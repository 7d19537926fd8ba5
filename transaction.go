package quarry

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// TransactionOptions controls the isolation and access mode of a managed
// transaction.
type TransactionOptions struct {
	Isolation sql.IsolationLevel
	ReadOnly  bool
}

func (o *TransactionOptions) toTxOptions() *sql.TxOptions {
	if o == nil {
		return nil
	}
	return &sql.TxOptions{
		Isolation: o.Isolation,
		ReadOnly:  o.ReadOnly,
	}
}

// WithTransaction runs fn inside a transaction. The transaction commits when
// fn returns nil and rolls back otherwise.
func (q *Quarry) WithTransaction(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return q.WithTransactionOptions(ctx, nil, fn)
}

// WithTransactionOptions is WithTransaction with explicit isolation options.
func (q *Quarry) WithTransactionOptions(ctx context.Context, opts *TransactionOptions, fn func(tx *sqlx.Tx) error) error {
	tx, err := q.db.BeginTxx(ctx, opts.toTxOptions())
	if err != nil {
		return fmt.Errorf("quarry: begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("quarry: commit transaction: %w", err)
	}
	committed = true
	return nil
}
