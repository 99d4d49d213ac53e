package store

import "testing"

func TestCommNotifyAndTake(t *testing.T) {
	c := &Comm{MailboxID: 1, Pending: make(chan struct{}, 1)}

	c.notify(5, false)
	c.notify(6, true)

	select {
	case <-c.Pending:
	default:
		t.Fatalf("expected Pending to be signaled")
	}

	unannounced := c.TakeUnannounced()
	if len(unannounced) != 2 || unannounced[0] != 5 || unannounced[1] != 6 {
		t.Fatalf("unannounced = %v", unannounced)
	}
	if more := c.TakeUnannounced(); len(more) != 0 {
		t.Fatalf("expected TakeUnannounced to clear, got %v", more)
	}

	recent := c.TakeRecent()
	if len(recent) != 1 || recent[0] != 6 {
		t.Fatalf("recent = %v", recent)
	}
	if more := c.TakeRecent(); len(more) != 0 {
		t.Fatalf("expected TakeRecent to clear, got %v", more)
	}
}

func TestCommNotifyPendingNonBlocking(t *testing.T) {
	c := &Comm{MailboxID: 1, Pending: make(chan struct{}, 1)}
	// Two notifications in a row must not block even though Pending has
	// capacity 1 and nothing is draining it.
	c.notify(1, false)
	c.notify(2, false)
	if len(c.TakeUnannounced()) != 2 {
		t.Fatalf("expected both notifications recorded")
	}
}

func TestPeerLine(t *testing.T) {
	mb := &Mailbox{Name: "INBOX", UIDNext: 42, NextModSeq: 7}
	line := peerLine(mb)
	const want = `mailbox "INBOX" uidnext=42 nextmodseq=7`
	if line != want {
		t.Fatalf("peerLine = %q, want %q", line, want)
	}
}
