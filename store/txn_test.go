package store

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
)

func TestNextSavepointSequence(t *testing.T) {
	tx := &Transaction{}
	if got := tx.NextSavepoint("voc"); got != "voc0" {
		t.Fatalf("got %q, want voc0", got)
	}
	if got := tx.NextSavepoint("voc"); got != "voc1" {
		t.Fatalf("got %q, want voc1", got)
	}
	if got := tx.NextSavepoint("bp"); got != "bp2" {
		t.Fatalf("got %q, want bp2: the counter is shared across prefixes", got)
	}
}

func TestNextSequenceNameSharesCounterWithSavepoints(t *testing.T) {
	tx := &Transaction{}
	tx.NextSavepoint("voc")
	if got := tx.NextSequenceName("aox_undelete"); got != "aox_undelete1" {
		t.Fatalf("got %q, want aox_undelete1", got)
	}
}

func TestDoneAndFailed(t *testing.T) {
	tx := &Transaction{}
	if tx.Done() || tx.Failed() {
		t.Fatalf("a fresh transaction should be neither done nor failed")
	}
	tx.state = TxFailed
	if !tx.Done() || !tx.Failed() {
		t.Fatalf("expected TxFailed to report Done and Failed")
	}
	tx.state = TxCommitted
	if !tx.Done() || tx.Failed() {
		t.Fatalf("expected TxCommitted to report Done but not Failed")
	}
}

func TestIsConnClosed(t *testing.T) {
	if !isConnClosed(pgx.ErrTxClosed) {
		t.Fatalf("expected pgx.ErrTxClosed to report closed")
	}
	if !isConnClosed(errors.New("conn closed")) {
		t.Fatalf("expected a 'closed'-substring error to report closed")
	}
	if isConnClosed(errors.New("connection reset by peer")) {
		t.Fatalf("expected an unrelated error not to report closed")
	}
}
