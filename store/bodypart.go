package store

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/copernicus/aox/message"
	"github.com/copernicus/aox/metrics"
)

const bodypartHashConstraint = "bodyparts_hash_key"

// DedupeBodypart inserts bp's canonical payload into bodyparts if no row
// with that hash exists yet, returning the row's id either way. Nodes
// that store neither text nor data (multipart other than multipart/signed,
// message/rfc822) have no
// bodypart row and this must not be called for them.
func DedupeBodypart(ctx context.Context, tx *Transaction, bp *message.Bodypart) (int64, error) {
	payload, ok := bp.Hashable()
	if !ok {
		return 0, fmt.Errorf("bodypart at %q has nothing to store", bp.Path)
	}
	sum := md5.Sum(payload)
	hash := hex.EncodeToString(sum[:])

	var text *string
	if bp.HasText {
		t := bp.Text
		text = &t
	}
	var data []byte
	if bp.HasData {
		data = bp.Data
	}

	sp := tx.NextSavepoint("bp")
	if err := tx.BeginSavepoint(ctx, sp); err != nil {
		return 0, fmt.Errorf("savepoint for bodypart insert: %w", err)
	}

	err := tx.Exec(ctx,
		"INSERT INTO bodyparts (hash, bytes, text, data) VALUES ($1, $2, $3, $4)",
		hash, len(payload), text, data)
	switch {
	case err == nil:
		if err := tx.ReleaseSavepoint(ctx, sp); err != nil {
			return 0, fmt.Errorf("release savepoint for bodypart insert: %w", err)
		}
	case isUniqueViolation(err, bodypartHashConstraint):
		if rerr := tx.RollbackTo(ctx, sp); rerr != nil {
			return 0, fmt.Errorf("recovering bodypart hash conflict: %w", rerr)
		}
		metrics.BodypartDedupInc()
	default:
		return 0, fmt.Errorf("inserting bodypart: %w", err)
	}

	var id int64
	if err := tx.QueryRow(ctx, "SELECT id FROM bodyparts WHERE hash = $1", hash).Scan(&id); err != nil {
		return 0, fmt.Errorf("selecting bodypart id: %w", err)
	}
	return id, nil
}
