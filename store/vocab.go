package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/copernicus/aox/metrics"
	"github.com/copernicus/aox/mlog"
)

var vocablog = mlog.New("vocab")

// maxVocabBatch bounds how many not-yet-identified items a single SELECT
// disjunction covers.
const maxVocabBatch = 1024

// vocabItem is one freeform name pending resolution to a stable integer
// id. Key is the canonical form used to match SELECTed rows back to
// pending items; Columns holds the actual values to insert, in the
// VocabSpec's column order.
type vocabItem struct {
	Key     string
	Columns []any
	ID      int64
}

// VocabSpec parameterizes the select/copy/rollback-to-savepoint loop
// shared by the address, flag-name, annotation-name and field-name
// resolvers. RowKey rebuilds an item's canonical key from a row
// SELECTed back from the table, so it must apply the same normalization
// (e.g. lower-casing the domain) that the caller used to build Key.
type VocabSpec struct {
	Table             string
	IDColumn          string
	KeyColumns        []string
	ConflictSubstring string
	RowKey            func(keyColumnValues []any) string
}

// ResolveVocabulary resolves every item's ID in place, racing tolerantly
// against concurrent injectors creating the same rows. It mutates tx's
// savepoint counter and may issue several round trips.
func ResolveVocabulary(ctx context.Context, tx *Transaction, spec VocabSpec, items []*vocabItem) error {
	unided := map[string]*vocabItem{}
	for _, it := range items {
		if it.ID == 0 {
			unided[it.Key] = it
		}
	}

	for len(unided) > 0 {
		batch := make([]*vocabItem, 0, maxVocabBatch)
		for _, it := range unided {
			batch = append(batch, it)
			if len(batch) == maxVocabBatch {
				break
			}
		}

		if err := selectKnown(ctx, tx, spec, batch, unided); err != nil {
			return fmt.Errorf("selecting %s: %w", spec.Table, err)
		}
		if len(unided) == 0 {
			return nil
		}

		remaining := make([]*vocabItem, 0, len(unided))
		for _, it := range unided {
			remaining = append(remaining, it)
		}

		sp := tx.NextSavepoint("voc")
		if err := tx.BeginSavepoint(ctx, sp); err != nil {
			return fmt.Errorf("savepoint for %s: %w", spec.Table, err)
		}

		rows := make([][]any, len(remaining))
		for i, it := range remaining {
			rows[i] = it.Columns
		}
		_, err := tx.CopyFrom(ctx, spec.Table, spec.KeyColumns, rows)
		if err == nil {
			if err := tx.ReleaseSavepoint(ctx, sp); err != nil {
				return fmt.Errorf("release savepoint for %s: %w", spec.Table, err)
			}
			// We just inserted these rows; re-select to learn their ids rather
			// than assume insertion order, since a concurrent injector's COPY
			// could have interleaved before the releasing commit is visible to
			// us (it isn't, since it's the same transaction, but we still only
			// trust ids that came back from the database).
			continue
		}

		if !isUniqueViolation(err, spec.ConflictSubstring) {
			return fmt.Errorf("creating %s rows: %w", spec.Table, err)
		}

		// A concurrent injector inserted one of these names meanwhile. Recover
		// and loop: the next SELECT will pick up what it created.
		if rerr := tx.RollbackTo(ctx, sp); rerr != nil {
			return fmt.Errorf("recovering %s conflict: %w", spec.Table, rerr)
		}
		metrics.VocabRetryInc(spec.Table)
		vocablog.Debug("vocabulary resolver retrying after conflict", mlog.Field("table", spec.Table))
	}

	return nil
}

func selectKnown(ctx context.Context, tx *Transaction, spec VocabSpec, batch []*vocabItem, unided map[string]*vocabItem) error {
	if len(batch) == 0 {
		return nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s", spec.IDColumn)
	for _, c := range spec.KeyColumns {
		sb.WriteString(", ")
		sb.WriteString(c)
	}
	sb.WriteString(" FROM ")
	sb.WriteString(spec.Table)
	sb.WriteString(" WHERE ")

	args := make([]any, 0, len(batch)*len(spec.KeyColumns))
	n := 1
	for i, it := range batch {
		if i > 0 {
			sb.WriteString(" OR ")
		}
		sb.WriteByte('(')
		for j, c := range spec.KeyColumns {
			if j > 0 {
				sb.WriteString(" AND ")
			}
			if strings.EqualFold(c, "domain") {
				fmt.Fprintf(&sb, "lower(%s) = lower($%d)", c, n)
			} else {
				fmt.Fprintf(&sb, "%s = $%d", c, n)
			}
			args = append(args, it.Columns[j])
			n++
		}
		sb.WriteByte(')')
	}

	rows, err := tx.tx.Query(ctx, sb.String(), args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return err
		}
		id, ok := vals[0].(int64)
		if !ok {
			return fmt.Errorf("unexpected id type %T for %s", vals[0], spec.Table)
		}
		key := spec.RowKey(vals[1:])
		if it, ok := unided[key]; ok {
			it.ID = id
			delete(unided, key)
		}
	}
	return rows.Err()
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505) naming the given constraint, i.e. one of the expected
// vocabulary or bodypart-hash conflicts this package recovers from by
// rolling back to a savepoint and retrying. Any other error is fatal.
func isUniqueViolation(err error, substring string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && strings.Contains(pgErr.ConstraintName, substring)
	}
	return strings.Contains(err.Error(), substring)
}
