package store

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"

	"github.com/copernicus/aox/metrics"
	"github.com/copernicus/aox/mlog"
)

var statelog = mlog.New("announce")

// Comm is one live IMAP session's view of mailbox state. The injector
// never talks to a session directly; it hands new UIDs to the
// Switchboard, which fans them out to every Comm registered for the
// affected mailbox. ID identifies the session in logs independently of
// the connection it currently holds, since a session can reconnect.
type Comm struct {
	ID        uuid.UUID
	MailboxID int64
	Pending   chan struct{} // buffered 1; non-blocking send wakes an IDLEing session

	sync.Mutex
	unannounced []UID
	recent      []UID
}

// RegisterComm starts tracking a session's interest in mailboxID.
// Unregister must be called when the session goes away.
func RegisterComm(mailboxID int64) *Comm {
	c := &Comm{ID: uuid.New(), MailboxID: mailboxID, Pending: make(chan struct{}, 1)}
	registerc <- c
	statelog.WithSessionID(c.ID).Debug("session registered", mlog.Field("mailbox", mailboxID))
	return c
}

func (c *Comm) Unregister() { unregisterc <- c }

// TakeUnannounced returns and clears the set of UIDs this session hasn't
// yet told its client about.
func (c *Comm) TakeUnannounced() []UID {
	c.Lock()
	defer c.Unlock()
	l := c.unannounced
	c.unannounced = nil
	return l
}

// TakeRecent returns and clears the set of UIDs this session should
// present as \Recent.
func (c *Comm) TakeRecent() []UID {
	c.Lock()
	defer c.Unlock()
	l := c.recent
	c.recent = nil
	return l
}

func (c *Comm) notify(uid UID, recent bool) {
	c.Lock()
	c.unannounced = append(c.unannounced, uid)
	if recent {
		c.recent = append(c.recent, uid)
	}
	c.Unlock()
	select {
	case c.Pending <- struct{}{}:
	default:
	}
}

// PeerBroadcaster publishes a single control-channel line to peer server
// processes, describing what advanced since the last broadcast.
// Implementations must not block the caller for long; the switchboard
// goroutine calls this synchronously between injections.
type PeerBroadcaster interface {
	Broadcast(line string)
}

// NopPeerBroadcaster discards lines; useful for single-process
// deployments and tests.
type NopPeerBroadcaster struct{}

func (NopPeerBroadcaster) Broadcast(string) {}

type announcement struct {
	mailboxID  int64
	uid        UID
	modseq     ModSeq
	recentIn   *Comm
	mailboxMsg string // precomputed peer-broadcast line, empty if nothing advanced
	done       chan struct{}
}

type sessionQuery struct {
	mailboxID int64
	reply     chan []*Comm
}

var (
	registerc   = make(chan *Comm)
	unregisterc = make(chan *Comm)
	announcec   = make(chan announcement)
	queryc      = make(chan sessionQuery)
)

// QuerySessions returns the Comms currently registered for mailboxID. The
// allocator calls this to decide whether a newly assigned UID should be
// marked \Recent for some session.
func QuerySessions(mailboxID int64) []*Comm {
	reply := make(chan []*Comm, 1)
	queryc <- sessionQuery{mailboxID, reply}
	return <-reply
}

var switchboardOnce sync.Once
var switchboardStop chan struct{}
var switchboardDone chan struct{}

// StartSwitchboard launches the goroutine that fans out announcements to
// registered Comms and to peer, returning a stop function. Safe to call
// once per process; a second call panics, matching the single-owner
// model of the rest of the pool.
func StartSwitchboard(peer PeerBroadcaster) (stop func()) {
	first := false
	switchboardOnce.Do(func() { first = true })
	if !first {
		panic("store: StartSwitchboard called more than once")
	}
	stopc := make(chan struct{})
	donec := make(chan struct{})
	go switchboard(stopc, donec, peer)
	return func() {
		close(stopc)
		<-donec
	}
}

func switchboard(stopc, donec chan struct{}, peer PeerBroadcaster) {
	defer func() {
		if x := recover(); x != nil {
			statelog.Error("unhandled panic in switchboard", mlog.Field("panic", x))
			debug.PrintStack()
			metrics.PanicInc(metrics.Injector)
			close(donec)
		}
	}()

	regs := map[int64]map[*Comm]struct{}{}
	for {
		select {
		case c := <-registerc:
			if regs[c.MailboxID] == nil {
				regs[c.MailboxID] = map[*Comm]struct{}{}
			}
			regs[c.MailboxID][c] = struct{}{}

		case c := <-unregisterc:
			delete(regs[c.MailboxID], c)
			if len(regs[c.MailboxID]) == 0 {
				delete(regs, c.MailboxID)
			}

		case a := <-announcec:
			for c := range regs[a.mailboxID] {
				c.notify(a.uid, c == a.recentIn)
			}
			if a.mailboxMsg != "" && peer != nil {
				peer.Broadcast(a.mailboxMsg)
			}
			close(a.done)

		case q := <-queryc:
			regm := regs[q.mailboxID]
			sessions := make([]*Comm, 0, len(regm))
			for c := range regm {
				sessions = append(sessions, c)
			}
			q.reply <- sessions

		case <-stopc:
			close(donec)
			return
		}
	}
}

// Announce publishes one injection's committed UID records: each target
// mailbox's new UID/modseq is handed to that mailbox's live sessions (the
// recent_in session additionally sees it as \Recent), and a single
// peer-broadcast line is sent per mailbox carrying the uidnext/nextmodseq
// held in rec.Mailbox. Announce does not modify any Mailbox object and
// keeps no process-wide copy of a mailbox's uidnext/nextmodseq. Must only
// be called after the owning transaction has committed successfully.
func Announce(recs []*UIDRecord, peer PeerBroadcaster) {
	for _, rec := range recs {
		mb := rec.Mailbox
		line := peerLine(mb)
		done := make(chan struct{})
		announcec <- announcement{
			mailboxID:  mb.ID,
			uid:        rec.AssignedUID,
			modseq:     rec.AssignedSeq,
			recentIn:   rec.RecentIn,
			mailboxMsg: line,
			done:       done,
		}
		<-done
	}
}

func peerLine(mb *Mailbox) string {
	return fmt.Sprintf(`mailbox %q uidnext=%d nextmodseq=%d`, mb.Name, mb.UIDNext, mb.NextModSeq)
}
