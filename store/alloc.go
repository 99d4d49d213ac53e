package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/copernicus/aox/metrics"
	"github.com/copernicus/aox/mlog"
)

var alloclog = mlog.New("alloc")

// AllocateUIDs locks and bumps uidnext/nextmodseq for each target mailbox,
// in ascending mailbox-id order, preventing lock-cycle deadlocks between
// concurrent injectors. sessionsOf returns the live Comms currently
// attached to a mailbox, used to pick a recent-in session when uidnext
// equals first_recent.
func AllocateUIDs(ctx context.Context, tx *Transaction, mailboxIDs []int64, sessionsOf func(mailboxID int64) []*Comm) ([]*UIDRecord, error) {
	ids := append([]int64(nil), mailboxIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	recs := make([]*UIDRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := allocateOne(ctx, tx, id, sessionsOf)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func allocateOne(ctx context.Context, tx *Transaction, mailboxID int64, sessionsOf func(int64) []*Comm) (*UIDRecord, error) {
	mb := &Mailbox{ID: mailboxID}
	err := tx.QueryRow(ctx,
		"SELECT name, uidnext, nextmodseq, first_recent FROM mailboxes WHERE id = $1 FOR UPDATE",
		mailboxID,
	).Scan(&mb.Name, &mb.UIDNext, &mb.NextModSeq, &mb.FirstRecent)
	if err != nil {
		return nil, fmt.Errorf("locking mailbox %d: %w", mailboxID, err)
	}

	warnUIDSpace(mb)

	if mb.UIDNext >= uidMax {
		return nil, fmt.Errorf("mailbox %d: uidnext exhausted", mailboxID)
	}

	rec := &UIDRecord{
		Mailbox:     mb,
		AssignedUID: mb.UIDNext,
		AssignedSeq: mb.NextModSeq,
	}

	newUIDNext := mb.UIDNext + 1
	newModSeq := mb.NextModSeq + 1
	newFirstRecent := mb.FirstRecent

	if mb.UIDNext == mb.FirstRecent {
		if sessions := sessionsOf(mailboxID); len(sessions) > 0 {
			rec.RecentIn = sessions[0]
			newFirstRecent = mb.FirstRecent + 1
		}
	}

	if newFirstRecent != mb.FirstRecent {
		err = tx.Exec(ctx,
			"UPDATE mailboxes SET uidnext = $1, nextmodseq = $2, first_recent = $3 WHERE id = $4",
			newUIDNext, newModSeq, newFirstRecent, mailboxID)
	} else {
		err = tx.Exec(ctx,
			"UPDATE mailboxes SET uidnext = $1, nextmodseq = $2 WHERE id = $3",
			newUIDNext, newModSeq, mailboxID)
	}
	if err != nil {
		return nil, fmt.Errorf("advancing mailbox %d: %w", mailboxID, err)
	}

	mb.UIDNext = newUIDNext
	mb.NextModSeq = newModSeq
	mb.FirstRecent = newFirstRecent

	return rec, nil
}

func warnUIDSpace(mb *Mailbox) {
	switch {
	case mb.UIDNext >= uidDisasterThreshold:
		alloclog.Disaster("mailbox uidnext approaching exhaustion", mlog.Field("mailbox", mb.ID), mlog.Field("uidnext", mb.UIDNext))
		metrics.UIDWarningInc("disaster")
	case mb.UIDNext >= uidWarnThreshold:
		alloclog.Error("mailbox uidnext is getting large", mlog.Field("mailbox", mb.ID), mlog.Field("uidnext", mb.UIDNext))
		metrics.UIDWarningInc("warning")
	}
}
