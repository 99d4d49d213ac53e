package store

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsUniqueViolation(t *testing.T) {
	if isUniqueViolation(nil, "bodyparts_hash_key") {
		t.Fatalf("nil error should not be a unique violation")
	}

	pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "bodyparts_hash_key"}
	if !isUniqueViolation(pgErr, "bodyparts_hash_key") {
		t.Fatalf("expected matching constraint to report unique violation")
	}
	if isUniqueViolation(pgErr, "flag_names_name_key") {
		t.Fatalf("expected non-matching constraint name to report false")
	}

	wrongCode := &pgconn.PgError{Code: "23503", ConstraintName: "bodyparts_hash_key"}
	if isUniqueViolation(wrongCode, "bodyparts_hash_key") {
		t.Fatalf("expected non-23505 code to report false")
	}

	wrapped := errors.New("wrapping: " + pgErr.Error())
	if isUniqueViolation(wrapped, "bodyparts_hash_key") {
		t.Fatalf("a non-PgError should only match by substring, and this message does not contain it")
	}

	plain := errors.New(`duplicate key value violates unique constraint "bodyparts_hash_key"`)
	if !isUniqueViolation(plain, "bodyparts_hash_key") {
		t.Fatalf("expected plain-error substring fallback to match")
	}
}

func TestVocabItemKeyRoundtrip(t *testing.T) {
	spec := VocabSpec{
		Table:      "flag_names",
		IDColumn:   "id",
		KeyColumns: []string{"name"},
		RowKey: func(vals []any) string {
			return vals[0].(string)
		},
	}
	item := &vocabItem{Key: "\\Seen", Columns: []any{"\\Seen"}}
	if spec.RowKey(item.Columns) != item.Key {
		t.Fatalf("RowKey(%v) = %q, expected %q", item.Columns, spec.RowKey(item.Columns), item.Key)
	}
}
