package main

import (
	"testing"

	"github.com/copernicus/aox/store"
)

func TestParseUIDList(t *testing.T) {
	uids, err := parseUIDList("1,2, 3 ,,4")
	if err != nil {
		t.Fatalf("parseUIDList: %v", err)
	}
	want := []store.UID{1, 2, 3, 4}
	if len(uids) != len(want) {
		t.Fatalf("got %v, want %v", uids, want)
	}
	for i := range want {
		if uids[i] != want[i] {
			t.Fatalf("got %v, want %v", uids, want)
		}
	}
}

func TestParseUIDListEmpty(t *testing.T) {
	uids, err := parseUIDList("")
	if err != nil {
		t.Fatalf("parseUIDList: %v", err)
	}
	if len(uids) != 0 {
		t.Fatalf("expected no uids, got %v", uids)
	}
}

func TestParseUIDListInvalid(t *testing.T) {
	if _, err := parseUIDList("abc"); err == nil {
		t.Fatalf("expected an error for a non-numeric uid")
	}
}
