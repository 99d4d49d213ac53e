// Package smtp holds the small address vocabulary the injector needs:
// localparts, domains and full addresses, with the comparison rules the
// vocabulary resolver relies on (domain compared case-insensitively,
// localpart bytewise). Full SMTP command/response handling lives in the
// front-end server, outside this package's scope.
package smtp

import (
	"errors"
	"strings"
)

// ErrBadAddress is returned by ParseAddress for malformed input.
var ErrBadAddress = errors.New("smtp: invalid email address")

// Localpart is the decoded local part of an address, before the "@". Case
// is significant and preserved.
type Localpart string

// String returns lp unmodified; Localpart carries no escaping of its own
// once decoded.
func (lp Localpart) String() string { return string(lp) }

// Domain is an ASCII domain name. Domains compare case-insensitively, so
// Domain always stores the value as given and callers use Equal/Lower for
// comparison instead of relying on ==.
type Domain string

// Lower returns the domain in lower case, the form used as part of a
// vocabulary resolver's canonical address key.
func (d Domain) Lower() string { return strings.ToLower(string(d)) }

// Equal compares two domains case-insensitively.
func (d Domain) Equal(o Domain) bool { return d.Lower() == o.Lower() }

func (d Domain) String() string { return string(d) }

// Address is a full localpart@domain address as found in message headers,
// SMTP envelopes and delivery recipients.
type Address struct {
	Localpart Localpart
	Domain    Domain
}

func (a Address) String() string {
	if a.Localpart == "" && a.Domain == "" {
		return ""
	}
	return string(a.Localpart) + "@" + string(a.Domain)
}

func (a Address) IsZero() bool { return a.Localpart == "" && a.Domain == "" }

// ParseAddress parses a bare "localpart@domain" address, as used for
// envelope senders and recipients. It does not handle source-routes or
// comments; use the SMTP front-end's parser for wire-level syntax.
func ParseAddress(s string) (Address, error) {
	at := strings.LastIndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return Address{}, ErrBadAddress
	}
	lp := s[:at]
	dom := s[at+1:]
	if dom == "" {
		return Address{}, ErrBadAddress
	}
	return Address{Localpart(lp), Domain(dom)}, nil
}
