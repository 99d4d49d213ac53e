package smtp

import "testing"

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("user@example.org")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr.Localpart != "user" || addr.Domain != "example.org" {
		t.Fatalf("got %#v", addr)
	}
	if addr.String() != "user@example.org" {
		t.Fatalf("String() = %q", addr.String())
	}
}

func TestParseAddressLastAt(t *testing.T) {
	// The last "@" wins, matching source-routed or quoted localparts that
	// happen to contain "@" themselves.
	addr, err := ParseAddress("a@b@example.org")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr.Localpart != "a@b" || addr.Domain != "example.org" {
		t.Fatalf("got %#v", addr)
	}
}

func TestParseAddressBad(t *testing.T) {
	cases := []string{
		"",
		"noatsign",
		"@example.org",
		"user@",
	}
	for _, c := range cases {
		if _, err := ParseAddress(c); err != ErrBadAddress {
			t.Errorf("ParseAddress(%q): got err %v, expected ErrBadAddress", c, err)
		}
	}
}

func TestDomainEqual(t *testing.T) {
	a := Domain("Example.ORG")
	b := Domain("example.org")
	if !a.Equal(b) {
		t.Fatalf("expected %q and %q to be equal", a, b)
	}
	if a.Lower() != "example.org" {
		t.Fatalf("Lower() = %q", a.Lower())
	}
	if Domain("example.com").Equal(b) {
		t.Fatalf("expected different domains to compare unequal")
	}
}

func TestAddressIsZero(t *testing.T) {
	if !(Address{}).IsZero() {
		t.Fatalf("expected zero value Address to be IsZero")
	}
	if (Address{Localpart: "user", Domain: "example.org"}).IsZero() {
		t.Fatalf("expected non-empty Address not to be IsZero")
	}
	if (Address{}).String() != "" {
		t.Fatalf("expected zero value Address to stringify empty")
	}
}
