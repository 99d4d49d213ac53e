package store

import (
	"context"
	"testing"
	"time"

	"github.com/copernicus/aox/message"
)

func TestInjectRejectsNoMailboxes(t *testing.T) {
	_, err := Inject(context.Background(), nil, nil, &Request{Msg: &message.Message{Valid: true}})
	if err == nil {
		t.Fatalf("expected an error when no target mailboxes are given")
	}
}

func TestInjectRejectsNoMessage(t *testing.T) {
	_, err := Inject(context.Background(), nil, nil, &Request{MailboxIDs: []int64{1}})
	if err == nil {
		t.Fatalf("expected an error when no message is given")
	}
}

func TestCollectFieldNames(t *testing.T) {
	root := &message.Bodypart{
		Path: "",
		Header: []message.HeaderField{
			{Field: "Subject", Value: "hi"},
			{Field: "From", Value: "a@b"},
		},
		Children: []*message.Bodypart{
			{
				Path: "1",
				Header: []message.HeaderField{
					{Field: "Content-Type", Value: "text/plain"},
					{Field: "subject", Value: "dup, different case"},
				},
			},
		},
	}
	msg := &message.Message{Root: root}
	names := collectFieldNames(msg)
	want := map[string]bool{"subject": true, "from": true, "content-type": true}
	if len(names) != len(want) {
		t.Fatalf("got %v", names)
	}
	for _, n := range names {
		if !want[n] {
			t.Errorf("unexpected field name %q", n)
		}
	}
}

func TestWalkPartsVisitsEveryNode(t *testing.T) {
	root := &message.Bodypart{
		Path: "",
		Children: []*message.Bodypart{
			{Path: "1"},
			{Path: "2", Children: []*message.Bodypart{{Path: "2.1"}}},
		},
	}
	var seen []string
	walkParts(root, func(bp *message.Bodypart) { seen = append(seen, bp.Path) })
	want := []string{"", "1", "2", "2.1"}
	if len(seen) != len(want) {
		t.Fatalf("got %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("got %v, want %v", seen, want)
		}
	}
}

func TestInternalDatePrefersExplicitOverride(t *testing.T) {
	override := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	headerDate := time.Date(2021, 6, 7, 8, 9, 10, 0, time.UTC)
	msg := &message.Message{InternalDate: &override, Date: headerDate}
	if got := internalDate(msg); !got.Equal(override) {
		t.Fatalf("internalDate = %v, want override %v", got, override)
	}
}

func TestInternalDateFallsBackToHeaderDate(t *testing.T) {
	headerDate := time.Date(2021, 6, 7, 8, 9, 10, 0, time.UTC)
	msg := &message.Message{Date: headerDate}
	if got := internalDate(msg); !got.Equal(headerDate) {
		t.Fatalf("internalDate = %v, want header date %v", got, headerDate)
	}
}

func TestInternalDateFallsBackToNow(t *testing.T) {
	msg := &message.Message{}
	before := time.Now()
	got := internalDate(msg)
	after := time.Now()
	if got.Before(before) || got.After(after) {
		t.Fatalf("internalDate() = %v, expected it to be between %v and %v", got, before, after)
	}
}

func TestVocabIDs(t *testing.T) {
	items := []*vocabItem{
		{Key: "a", ID: 1},
		{Key: "b", ID: 2},
	}
	ids := vocabIDs(items)
	if ids["a"] != 1 || ids["b"] != 2 || len(ids) != 2 {
		t.Fatalf("got %v", ids)
	}
}
