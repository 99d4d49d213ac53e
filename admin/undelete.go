// Package admin implements the administrative CLI surface that sits
// alongside the injector: undelete and, in principle, its siblings. It
// reuses the injector's pool, transaction and announcement machinery
// rather than duplicating any of it.
package admin

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/copernicus/aox/metrics"
	"github.com/copernicus/aox/mlog"
	"github.com/copernicus/aox/store"
)

var adminlog = mlog.New("admin")

// Selector narrows which deleted_messages rows Undelete restores. A zero
// Selector (no UIDs, DeletedBy, Reason) matches every deleted row in the
// mailbox.
type Selector struct {
	UIDs      []store.UID
	DeletedBy string
	Reason    string
}

// DeletedRecord is one matched deleted_messages row, reported back for
// verbose "who deleted / when / reason" output.
type DeletedRecord struct {
	OldUID    store.UID
	Message   int64
	DeletedBy string
	DeletedAt time.Time
	Reason    string
}

// Result is what Undelete restored.
type Result struct {
	Mailbox  *store.Mailbox
	Restored []DeletedRecord
	NewUIDs  []store.UID // parallel to Restored, in old-uid order
}

// Undelete runs the CLI's core operation: it locates rows in
// deleted_messages for mailboxName matching sel, allocates fresh UIDs from a
// transaction-scoped temporary sequence starting at the mailbox's current
// uidnext, and moves them back into mailbox_messages, all within one
// transaction. On success it announces the restored UIDs to live sessions
// exactly as a normal injection would.
func Undelete(ctx context.Context, pool *store.Pool, peer store.PeerBroadcaster, mailboxName string, sel Selector) (*Result, error) {
	tx, err := store.Begin(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("begin undelete transaction: %w", err)
	}

	res, err := undelete(ctx, tx, mailboxName, sel)
	if err != nil {
		tx.Rollback(ctx)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing undelete: %w", err)
	}

	metrics.UndeletedInc(mailboxName, len(res.Restored))
	announceRestored(res, peer)
	return res, nil
}

func undelete(ctx context.Context, tx *store.Transaction, mailboxName string, sel Selector) (*Result, error) {
	mb := &store.Mailbox{}
	err := tx.QueryRow(ctx,
		"SELECT id, name, uidnext, nextmodseq, first_recent FROM mailboxes WHERE name = $1 FOR UPDATE",
		mailboxName,
	).Scan(&mb.ID, &mb.Name, &mb.UIDNext, &mb.NextModSeq, &mb.FirstRecent)
	if err != nil {
		return nil, fmt.Errorf("locking mailbox %q: %w", mailboxName, err)
	}

	rows, err := selectDeleted(ctx, tx, mb.ID, sel)
	if err != nil {
		return nil, fmt.Errorf("selecting deleted messages for mailbox %q: %w", mailboxName, err)
	}
	if len(rows) == 0 {
		return &Result{Mailbox: mb}, nil
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].OldUID < rows[j].OldUID })

	startUID := mb.UIDNext
	modseq := mb.NextModSeq

	seqName := tx.NextSequenceName("aox_undelete")
	quoted := pgx.Identifier{seqName}.Sanitize()
	if err := tx.Exec(ctx, fmt.Sprintf("CREATE TEMPORARY SEQUENCE %s START WITH %d", quoted, int64(startUID))); err != nil {
		return nil, fmt.Errorf("creating temporary undelete sequence: %w", err)
	}
	defer func() {
		if err := tx.Exec(ctx, fmt.Sprintf("DROP SEQUENCE %s", quoted)); err != nil {
			adminlog.Errorx("dropping temporary undelete sequence", err, mlog.Field("sequence", seqName))
		}
	}()

	newUIDs := make([]store.UID, len(rows))
	oldUIDs := make([]int64, len(rows))
	mbmRows := make([][]any, len(rows))
	for i, r := range rows {
		var nextval int64
		if err := tx.QueryRow(ctx, fmt.Sprintf("SELECT nextval('%s')", quoted)).Scan(&nextval); err != nil {
			return nil, fmt.Errorf("drawing undelete uid from temporary sequence: %w", err)
		}
		newUIDs[i] = store.UID(nextval)
		oldUIDs[i] = int64(r.OldUID)
		mbmRows[i] = []any{mb.ID, nextval, r.Message, r.DeletedAt, int64(modseq)}
	}

	if _, err := tx.CopyFrom(ctx, "mailbox_messages", []string{"mailbox", "uid", "message", "idate", "modseq"}, mbmRows); err != nil {
		return nil, fmt.Errorf("restoring mailbox_messages rows: %w", err)
	}

	// oldUIDs is the set of original uids being cleared out of
	// deleted_messages; it binds to the query's second placeholder.
	if err := tx.Exec(ctx, "DELETE FROM deleted_messages WHERE mailbox = $1 AND uid = ANY($2)", mb.ID, oldUIDs); err != nil {
		return nil, fmt.Errorf("clearing restored deleted_messages rows: %w", err)
	}

	newUIDNext := startUID + store.UID(len(rows))
	newModSeq := modseq + 1
	if err := tx.Exec(ctx, "UPDATE mailboxes SET uidnext = $1, nextmodseq = $2 WHERE id = $3",
		int64(newUIDNext), int64(newModSeq), mb.ID); err != nil {
		return nil, fmt.Errorf("advancing mailbox after undelete: %w", err)
	}
	mb.UIDNext = newUIDNext
	mb.NextModSeq = newModSeq

	adminlog.Print("undelete restored messages",
		mlog.Field("mailbox", mailboxName), mlog.Field("count", len(rows)), mlog.Field("uidnext", newUIDNext))

	return &Result{Mailbox: mb, Restored: rows, NewUIDs: newUIDs}, nil
}

func selectDeleted(ctx context.Context, tx *store.Transaction, mailboxID int64, sel Selector) ([]DeletedRecord, error) {
	sql := "SELECT uid, message, deleted_by, deleted_at, reason FROM deleted_messages WHERE mailbox = $1"
	args := []any{mailboxID}

	if len(sel.UIDs) > 0 {
		uids := make([]int64, len(sel.UIDs))
		for i, u := range sel.UIDs {
			uids[i] = int64(u)
		}
		args = append(args, uids)
		sql += fmt.Sprintf(" AND uid = ANY($%d)", len(args))
	}
	if sel.DeletedBy != "" {
		args = append(args, sel.DeletedBy)
		sql += fmt.Sprintf(" AND deleted_by = $%d", len(args))
	}
	if sel.Reason != "" {
		args = append(args, sel.Reason)
		sql += fmt.Sprintf(" AND reason = $%d", len(args))
	}

	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeletedRecord
	for rows.Next() {
		var r DeletedRecord
		var uid, message int64
		if err := rows.Scan(&uid, &message, &r.DeletedBy, &r.DeletedAt, &r.Reason); err != nil {
			return nil, err
		}
		r.OldUID = store.UID(uid)
		r.Message = message
		out = append(out, r)
	}
	return out, rows.Err()
}

// announceRestored publishes each restored UID exactly as a normal
// injection would, so live sessions pick up the re-materialized messages.
func announceRestored(res *Result, peer store.PeerBroadcaster) {
	if len(res.NewUIDs) == 0 {
		return
	}
	recs := make([]*store.UIDRecord, len(res.NewUIDs))
	for i, uid := range res.NewUIDs {
		recs[i] = &store.UIDRecord{Mailbox: res.Mailbox, AssignedUID: uid, AssignedSeq: res.Mailbox.NextModSeq}
	}
	store.Announce(recs, peer)
}
