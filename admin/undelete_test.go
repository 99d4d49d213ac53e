package admin

import "testing"

func TestAnnounceRestoredNoOp(t *testing.T) {
	// With no restored UIDs, announceRestored must not touch the
	// switchboard at all (no Mailbox is even required), so this must not
	// block or panic even though no switchboard goroutine is running.
	res := &Result{}
	announceRestored(res, nopBroadcaster{})
}

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(string) {}
