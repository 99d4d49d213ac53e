package message

import (
	"strings"
	"testing"
)

func TestParsePlainText(t *testing.T) {
	raw := "From: alice@example.org\r\n" +
		"To: bob@example.org\r\n" +
		"Subject: hi\r\n" +
		"Date: Mon, 2 Jan 2006 15:04:05 +0000\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"hello there\r\n"

	m := Parse([]byte(raw))
	if !m.Valid {
		t.Fatalf("expected valid message, got err %q", m.Err)
	}
	if len(m.From) != 1 || m.From[0].Localpart != "alice" || !m.From[0].Domain.Equal("example.org") {
		t.Fatalf("From = %#v", m.From)
	}
	if m.Root.Type != "text" || m.Root.Subtype != "plain" {
		t.Fatalf("root part type/subtype = %s/%s", m.Root.Type, m.Root.Subtype)
	}
	if !m.Root.HasText || !strings.Contains(m.Root.Text, "hello there") {
		t.Fatalf("root text = %q", m.Root.Text)
	}
	if m.Root.HasData {
		t.Fatalf("text/plain part should not store raw data")
	}
}

func TestParseTextHTMLStoresBoth(t *testing.T) {
	raw := "From: alice@example.org\r\n" +
		"Content-Type: text/html\r\n" +
		"\r\n" +
		"<p>hello <b>world</b></p>\r\n"

	m := Parse([]byte(raw))
	if !m.Valid {
		t.Fatalf("expected valid message, got err %q", m.Err)
	}
	bp := m.Root
	if !bp.HasText || !bp.HasData {
		t.Fatalf("text/html part should store both text and data, got HasText=%v HasData=%v", bp.HasText, bp.HasData)
	}
	if !strings.Contains(bp.Text, "hello") || !strings.Contains(bp.Text, "world") {
		t.Fatalf("rendered text = %q", bp.Text)
	}
	if !strings.Contains(string(bp.Data), "<b>world</b>") {
		t.Fatalf("raw data not preserved: %q", bp.Data)
	}
}

func TestParseMultipartMixed(t *testing.T) {
	raw := "From: alice@example.org\r\n" +
		"Content-Type: multipart/mixed; boundary=BOUNDARY\r\n" +
		"\r\n" +
		"--BOUNDARY\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"part one\r\n" +
		"--BOUNDARY\r\n" +
		"Content-Type: application/octet-stream\r\n" +
		"\r\n" +
		"binarydata\r\n" +
		"--BOUNDARY--\r\n"

	m := Parse([]byte(raw))
	if !m.Valid {
		t.Fatalf("expected valid message, got err %q", m.Err)
	}
	root := m.Root
	if root.Type != "multipart" || root.Subtype != "mixed" {
		t.Fatalf("root type/subtype = %s/%s", root.Type, root.Subtype)
	}
	if root.HasText || root.HasData {
		t.Fatalf("multipart node should store neither text nor data")
	}
	if len(root.Children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(root.Children))
	}
	if root.Children[0].Path != "1" || root.Children[1].Path != "2" {
		t.Fatalf("children paths = %q, %q", root.Children[0].Path, root.Children[1].Path)
	}
	if !root.Children[0].HasText {
		t.Fatalf("first child should store text")
	}
	if !root.Children[1].HasData || root.Children[1].HasText {
		t.Fatalf("second child should store data only")
	}
}

func TestParseNestedMultipart(t *testing.T) {
	raw := "From: alice@example.org\r\n" +
		"Content-Type: multipart/mixed; boundary=OUTER\r\n" +
		"\r\n" +
		"--OUTER\r\n" +
		"Content-Type: multipart/alternative; boundary=INNER\r\n" +
		"\r\n" +
		"--INNER\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"plain version\r\n" +
		"--INNER\r\n" +
		"Content-Type: text/html\r\n" +
		"\r\n" +
		"<p>html version</p>\r\n" +
		"--INNER--\r\n" +
		"--OUTER--\r\n"

	m := Parse([]byte(raw))
	if !m.Valid {
		t.Fatalf("expected valid message, got err %q", m.Err)
	}
	if len(m.Root.Children) != 1 {
		t.Fatalf("expected 1 child of outer multipart, got %d", len(m.Root.Children))
	}
	inner := m.Root.Children[0]
	if inner.Path != "1" || inner.Type != "multipart" {
		t.Fatalf("inner part = %#v", inner)
	}
	if len(inner.Children) != 2 {
		t.Fatalf("expected 2 children of inner multipart, got %d", len(inner.Children))
	}
	if inner.Children[0].Path != "1.1" || inner.Children[1].Path != "1.2" {
		t.Fatalf("grandchild paths = %q, %q", inner.Children[0].Path, inner.Children[1].Path)
	}
}

func TestParseMultipartSigned(t *testing.T) {
	signed := func(body, sig string) []byte {
		return []byte("From: alice@example.org\r\n" +
			"Content-Type: multipart/signed; boundary=BOUNDARY; protocol=\"application/pgp-signature\"\r\n" +
			"\r\n" +
			"--BOUNDARY\r\n" +
			"Content-Type: text/plain\r\n" +
			"\r\n" +
			body + "\r\n" +
			"--BOUNDARY\r\n" +
			"Content-Type: application/pgp-signature\r\n" +
			"\r\n" +
			sig + "\r\n" +
			"--BOUNDARY--\r\n")
	}

	m := Parse(signed("message one", "sig-aaaa"))
	if !m.Valid {
		t.Fatalf("expected valid message, got err %q", m.Err)
	}
	root := m.Root
	if root.Type != "multipart" || root.Subtype != "signed" {
		t.Fatalf("root type/subtype = %s/%s", root.Type, root.Subtype)
	}
	if root.HasText {
		t.Fatalf("multipart/signed should not store rendered text")
	}
	if !root.HasData || len(root.Data) == 0 {
		t.Fatalf("multipart/signed should store its raw bytes, got HasData=%v len=%d", root.HasData, len(root.Data))
	}
	if len(root.Children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(root.Children))
	}

	// Two distinct signed messages must not collide on Hashable: that was
	// the bug, since an always-nil Data made every multipart/signed part
	// hash to the same empty payload.
	other := Parse(signed("message two", "sig-bbbb"))
	if !other.Valid {
		t.Fatalf("expected valid message, got err %q", other.Err)
	}
	h1, ok1 := root.Hashable()
	h2, ok2 := other.Root.Hashable()
	if !ok1 || !ok2 {
		t.Fatalf("expected both signed parts to be hashable, got %v %v", ok1, ok2)
	}
	if string(h1) == string(h2) {
		t.Fatalf("distinct multipart/signed messages must not hash to the same bytes")
	}
}

func TestParseBase64Transfer(t *testing.T) {
	// "hello" base64-encoded, split across lines the way many MUAs wrap it.
	raw := "From: alice@example.org\r\n" +
		"Content-Type: text/plain\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		"aGVs\r\nbG8=\r\n"

	m := Parse([]byte(raw))
	if !m.Valid {
		t.Fatalf("expected valid message, got err %q", m.Err)
	}
	if m.Root.Text != "hello" {
		t.Fatalf("decoded text = %q", m.Root.Text)
	}
}

func TestParseInvalid(t *testing.T) {
	m := Parse(nil)
	if m.Valid {
		t.Fatalf("expected empty input to be invalid")
	}
	if m.Err == "" {
		t.Fatalf("expected an error message")
	}
}

func TestAddressKey(t *testing.T) {
	a := Address{Name: "Alice", Localpart: "alice", Domain: "Example.ORG"}
	b := Address{Name: "Alice", Localpart: "alice", Domain: "example.org"}
	if a.Key() != b.Key() {
		t.Fatalf("expected keys to match regardless of domain case: %q vs %q", a.Key(), b.Key())
	}
	c := Address{Name: "Alice", Localpart: "Alice", Domain: "example.org"}
	if a.Key() == c.Key() {
		t.Fatalf("expected keys to differ when localpart case differs")
	}
}

func TestBodypartHashable(t *testing.T) {
	textOnly := &Bodypart{HasText: true, Text: "abc"}
	b, ok := textOnly.Hashable()
	if !ok || string(b) != "abc" {
		t.Fatalf("text-only Hashable = %q, %v", b, ok)
	}

	dataOnly := &Bodypart{HasData: true, Data: []byte("xyz")}
	b, ok = dataOnly.Hashable()
	if !ok || string(b) != "xyz" {
		t.Fatalf("data-only Hashable = %q, %v", b, ok)
	}

	// text/html stores both; Hashable prefers Data, since that's what the
	// content-address is defined over for html parts.
	both := &Bodypart{HasText: true, Text: "rendered", HasData: true, Data: []byte("<p>raw</p>")}
	b, ok = both.Hashable()
	if !ok || string(b) != "<p>raw</p>" {
		t.Fatalf("html Hashable = %q, %v", b, ok)
	}

	neither := &Bodypart{}
	if _, ok := neither.Hashable(); ok {
		t.Fatalf("expected neither-case to report not hashable")
	}
}
