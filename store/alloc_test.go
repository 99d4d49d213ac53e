package store

import "testing"

func TestWarnUIDSpaceThresholds(t *testing.T) {
	// warnUIDSpace only logs/increments metrics; it must not panic at the
	// boundaries between normal, warning and disaster ranges.
	cases := []UID{0, 1, uidWarnThreshold - 1, uidWarnThreshold, uidDisasterThreshold - 1, uidDisasterThreshold, uidMax}
	for _, uid := range cases {
		mb := &Mailbox{ID: 1, UIDNext: uid}
		warnUIDSpace(mb)
	}
}

