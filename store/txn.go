package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/copernicus/aox/mlog"
)

var txnlog = mlog.New("txn")

// TxState is the aggregate lifecycle of a Transaction.
type TxState int

const (
	TxActive TxState = iota
	TxCommitting
	TxCommitted
	TxFailed
)

// Transaction serializes a sequence of queries on one checked-out
// connection: callers Enqueue then Execute to flush, and may
// BeginSavepoint/RollbackTo/Commit/Rollback. Queries run in the order
// they were enqueued.
type Transaction struct {
	pool   *Pool
	handle *handle
	tx     pgx.Tx
	ctx    context.Context

	queue []*Query
	state TxState
	err   error

	savepointSeq int
}

// Begin checks out a connection and starts a transaction on it.
func Begin(ctx context.Context, pool *Pool) (*Transaction, error) {
	h, err := pool.checkoutHandle(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := h.conn.Begin(ctx)
	if err != nil {
		pool.releaseHandle(h, true)
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Transaction{pool: pool, handle: h, tx: tx, ctx: ctx}, nil
}

// Enqueue appends q to the transaction's query queue; it does not run
// until Execute is called.
func (t *Transaction) Enqueue(q *Query) {
	q.state = QueryPending
	t.queue = append(t.queue, q)
}

// Execute runs all queued queries against this transaction's connection,
// in order, stopping at the first fatal (non-allow-failure) error.
func (t *Transaction) Execute() {
	for len(t.queue) > 0 {
		q := t.queue[0]
		t.queue = t.queue[1:]
		t.runOne(q)
		if t.state == TxFailed && !q.AllowFailure {
			// Fail the rest of the queue without touching the connection again.
			for _, rest := range t.queue {
				rest.resolve(fmt.Errorf("transaction failed: %w", t.err))
			}
			t.queue = nil
			return
		}
	}
}

func (t *Transaction) runOne(q *Query) {
	rows, err := t.tx.Query(t.ctx, q.SQL, q.Args...)
	if err == nil {
		q.rows = rows
		err = rows.Err()
	}
	q.resolve(err)
	if err != nil && !q.AllowFailure {
		t.state = TxFailed
		if t.err == nil {
			t.err = err
		}
	}
}

// BeginSavepoint issues SAVEPOINT name.
func (t *Transaction) BeginSavepoint(ctx context.Context, name string) error {
	_, err := t.tx.Exec(ctx, "SAVEPOINT "+pgx.Identifier{name}.Sanitize())
	return err
}

// RollbackTo issues ROLLBACK TO SAVEPOINT name, clearing any fatal error
// recorded since that savepoint. Vocabulary-conflict and bodypart-hash
// recovery rely on this to resume after a collision.
func (t *Transaction) RollbackTo(ctx context.Context, name string) error {
	_, err := t.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+pgx.Identifier{name}.Sanitize())
	if err == nil {
		t.state = TxActive
		t.err = nil
	}
	return err
}

// ReleaseSavepoint issues RELEASE SAVEPOINT name.
func (t *Transaction) ReleaseSavepoint(ctx context.Context, name string) error {
	_, err := t.tx.Exec(ctx, "RELEASE SAVEPOINT "+pgx.Identifier{name}.Sanitize())
	return err
}

// NextSavepoint returns the next savepoint name in this transaction's
// per-attempt counter sequence, e.g. "a0", "a1", ... used by the
// vocabulary resolver and bodypart deduper.
func (t *Transaction) NextSavepoint(prefix string) string {
	name := fmt.Sprintf("%s%d", prefix, t.savepointSeq)
	t.savepointSeq++
	return name
}

// CopyFrom streams rows into table via the COPY protocol.
func (t *Transaction) CopyFrom(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	n, err := t.tx.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		t.state = TxFailed
		if t.err == nil {
			t.err = err
		}
	}
	return n, err
}

// QueryRow runs a query directly against the underlying transaction and
// scans a single row, for call sites that need the result inline rather
// than via the async Query/Wait protocol (e.g. currval lookups).
func (t *Transaction) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.tx.QueryRow(ctx, sql, args...)
}

// Exec runs a query directly, for statements with no rows to scan.
func (t *Transaction) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := t.tx.Exec(ctx, sql, args...)
	return err
}

// Query runs a query directly and returns the row iterator, for call
// sites outside package store that need to scan a variable number of
// rows (e.g. the admin package's undelete selector).
func (t *Transaction) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.tx.Query(ctx, sql, args...)
}

// NextSequenceName returns a transaction-unique name for a temporary
// sequence, e.g. "aox_undelete0". Used by the undelete path's
// temporary-sequence UID generation; shares the savepoint counter
// since the two are never both needed for the same name.
func (t *Transaction) NextSequenceName(prefix string) string {
	name := fmt.Sprintf("%s%d", prefix, t.savepointSeq)
	t.savepointSeq++
	return name
}

// Done reports whether the transaction has committed or failed; Rollback
// also leaves it failed. It does not report whether queries enqueued on an
// active transaction have resolved.
func (t *Transaction) Done() bool {
	return t.state == TxCommitted || t.state == TxFailed
}

// Failed reports whether any query failed and was not recovered by a
// savepoint rollback.
func (t *Transaction) Failed() bool { return t.state == TxFailed }

// Error returns the first fatal error recorded on this transaction.
func (t *Transaction) Error() error { return t.err }

// Commit commits the transaction and releases the handle back to the
// pool.
func (t *Transaction) Commit(ctx context.Context) error {
	t.state = TxCommitting
	err := t.tx.Commit(ctx)
	t.pool.releaseHandle(t.handle, err != nil)
	if err != nil {
		t.state = TxFailed
		t.err = err
		return err
	}
	t.state = TxCommitted
	return nil
}

// Rollback rolls back the transaction and releases the handle.
func (t *Transaction) Rollback(ctx context.Context) {
	if err := t.tx.Rollback(ctx); err != nil && !isConnClosed(err) {
		txnlog.Errorx("rolling back transaction", err)
	}
	t.pool.releaseHandle(t.handle, false)
	t.state = TxFailed
}

func isConnClosed(err error) bool {
	return err == pgx.ErrTxClosed || strings.Contains(err.Error(), "closed")
}
