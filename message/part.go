// Package message is the injector's view of a parsed internet-mail
// message. Parsing itself is delegated to github.com/emersion/go-message
// and github.com/emersion/go-message/mail; this package turns the result
// into the tree of header fields, address lists and bodyparts that the
// injector's phases walk. The RFC 822 grammar itself is not reimplemented
// here, per the injector's external-parser boundary.
package message

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	emmessage "github.com/emersion/go-message"
	emmail "github.com/emersion/go-message/mail"
	emtextproto "github.com/emersion/go-message/textproto"
	"golang.org/x/net/html"

	"github.com/copernicus/aox/smtp"
)

// Address is a display-name/localpart/domain triple as found in a header
// field. Domain is compared case-insensitively by the vocabulary resolver;
// Name and Localpart are compared bytewise.
type Address struct {
	Name      string
	Localpart smtp.Localpart
	Domain    smtp.Domain
}

// Key returns the canonical vocabulary key for this address: name, NUL,
// localpart, NUL, lower(domain).
func (a Address) Key() string {
	return a.Name + "\x00" + string(a.Localpart) + "\x00" + a.Domain.Lower()
}

// HeaderField is one header line as stored in the header_fields table:
// the field name, its value, and its 0-based position among all header
// fields of the same part.
type HeaderField struct {
	Field    string
	Value    string
	Position int
}

// AddressField is one address extracted from an address-bearing header
// field (From, To, Cc, Bcc, Sender, Reply-To), as stored in address_fields:
// the field it came from, its position among occurrences of that field,
// and the address's ordinal within the field's address list.
type AddressField struct {
	Field    string
	Position int
	Ordinal  int
	Address  Address
}

// Bodypart is one node of the MIME tree. Path is the IMAP-style
// dotted part number ("1", "1.2", "2"); the root part's Path is "".
type Bodypart struct {
	Path    string
	Type    string // lower-case, e.g. "text", "multipart", "message"
	Subtype string // lower-case, e.g. "plain", "html", "mixed", "rfc822"

	// Text holds decoded text for text/* parts; for text/html it is the
	// HTML reduced to plain text. HasText reports whether Text is meaningful
	// (a text/* part with empty content still has HasText true).
	Text    string
	HasText bool

	// Data holds the part's bytes after Content-Transfer-Encoding decoding
	// (for multipart/signed, the undivided multipart body), when the
	// store-decision rules call for storing raw data (see applyStoreRules).
	Data    []byte
	HasData bool

	Header   []HeaderField
	Children []*Bodypart
}

// Hashable returns the bytes this bodypart would be content-addressed by.
// Per the store-decision rules, that's the decoded text for parts that
// store text, the raw data for parts that store data, and for text/html
// specifically the raw HTML (Data), not the derived plain text.
func (b *Bodypart) Hashable() ([]byte, bool) {
	switch {
	case b.HasData:
		return b.Data, true
	case b.HasText:
		return []byte(b.Text), true
	default:
		return nil, false
	}
}

// Message is an immutable parsed internet-mail message.
type Message struct {
	Root   *Bodypart
	Size   int64 // canonical RFC 822 byte length
	Header []HeaderField

	From, Sender, ReplyTo, To, CC, BCC []Address
	Date                               time.Time

	// InternalDate, when non-nil, is a caller-supplied IMAP internal date
	// overriding the header's Date for mailbox_messages.idate.
	InternalDate *time.Time

	Valid bool
	Err   string
}

// Parse reads raw into a Message. Parse never returns a Go error for
// malformed mail; instead it reports the problem via Message.Valid and
// Message.Err, matching the injector's validate-before-transaction phase.
func Parse(raw []byte) *Message {
	m := &Message{Size: int64(len(raw))}
	if len(raw) == 0 {
		m.Err = "empty message"
		return m
	}

	ent, err := emmessage.Read(bytes.NewReader(raw))
	if ent == nil {
		m.Err = fmt.Sprintf("reading message: %v", err)
		return m
	}
	// A non-nil entity with a non-fatal error (e.g. unknown charset) is still
	// usable; only report it if we have nothing to work with.
	hdr := emmail.Header{Header: ent.Header}

	m.Header = headerFields(ent.Header.Header)

	if froms, err := hdr.AddressList("From"); err == nil {
		m.From = toAddresses(froms)
	}
	if s, err := hdr.AddressList("Sender"); err == nil {
		m.Sender = toAddresses(s)
	}
	if rt, err := hdr.AddressList("Reply-To"); err == nil {
		m.ReplyTo = toAddresses(rt)
	}
	if to, err := hdr.AddressList("To"); err == nil {
		m.To = toAddresses(to)
	}
	if cc, err := hdr.AddressList("Cc"); err == nil {
		m.CC = toAddresses(cc)
	}
	if bcc, err := hdr.AddressList("Bcc"); err == nil {
		m.BCC = toAddresses(bcc)
	}
	if d, err := hdr.Date(); err == nil {
		m.Date = d
	}

	root, err := buildPart("", toMIMEHeader(ent.Header.Header), ent.Body)
	if err != nil {
		m.Err = fmt.Sprintf("walking mime tree: %v", err)
		return m
	}
	m.Root = root
	m.Valid = true
	return m
}

func toAddresses(in []*emmail.Address) []Address {
	out := make([]Address, 0, len(in))
	for _, a := range in {
		addr, err := smtp.ParseAddress(a.Address)
		if err != nil {
			continue
		}
		out = append(out, Address{Name: a.Name, Localpart: addr.Localpart, Domain: addr.Domain})
	}
	return out
}

func headerFields(h emtextproto.Header) []HeaderField {
	var fields []HeaderField
	pos := 0
	fs := h.Fields()
	for fs.Next() {
		fields = append(fields, HeaderField{Field: fs.Key(), Value: fs.Value(), Position: pos})
		pos++
	}
	return fields
}

// toMIMEHeader adapts go-message's own header type to the stdlib
// net/textproto representation, so the recursive part walker below has a
// single header type regardless of whether a part came from go-message's
// top-level Read or from stdlib mime/multipart's NextPart.
func toMIMEHeader(h emtextproto.Header) textproto.MIMEHeader {
	out := textproto.MIMEHeader{}
	fs := h.Fields()
	for fs.Next() {
		k := textproto.CanonicalMIMEHeaderKey(fs.Key())
		out[k] = append(out[k], fs.Value())
	}
	return out
}

// buildPart recursively walks a MIME entity body, assigning IMAP-style
// dotted part numbers, and applies the store-decision rules while doing so.
func buildPart(path string, h textproto.MIMEHeader, body io.Reader) (*Bodypart, error) {
	ct := h.Get("Content-Type")
	mediatype, params, err := mime.ParseMediaType(ct)
	if err != nil || mediatype == "" {
		mediatype = "text/plain"
		params = map[string]string{}
	}
	typ, subtype := "text", "plain"
	if i := strings.IndexByte(mediatype, '/'); i >= 0 {
		typ, subtype = mediatype[:i], mediatype[i+1:]
	} else {
		typ = mediatype
	}

	bp := &Bodypart{Path: path, Type: typ, Subtype: subtype, Header: fromMIMEHeader(h)}

	if typ == "multipart" {
		raw, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("reading multipart %s: %w", path, err)
		}
		mr := multipart.NewReader(bytes.NewReader(raw), params["boundary"])
		n := 0
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("next part: %w", err)
			}
			n++
			childPath := pathJoin(path, n)
			childRaw, err := io.ReadAll(part)
			if err != nil {
				return nil, fmt.Errorf("reading part %s: %w", childPath, err)
			}
			decoded := decodeTransferEncoding(part.Header.Get("Content-Transfer-Encoding"), childRaw)
			child, err := buildPart(childPath, part.Header, bytes.NewReader(decoded))
			if err != nil {
				return nil, err
			}
			bp.Children = append(bp.Children, child)
		}
		applyStoreRules(bp, raw)
		return bp, nil
	}

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reading leaf %s: %w", path, err)
	}

	if typ == "message" && subtype == "rfc822" {
		nested, err := emmessage.Read(bytes.NewReader(raw))
		if err == nil && nested != nil {
			childPath := pathJoin(path, 1)
			child, err := buildPart(childPath, toMIMEHeader(nested.Header.Header), nested.Body)
			if err == nil {
				bp.Children = append(bp.Children, child)
			}
		}
		applyStoreRules(bp, nil)
		return bp, nil
	}

	applyStoreRules(bp, raw)
	return bp, nil
}

func fromMIMEHeader(h textproto.MIMEHeader) []HeaderField {
	var fields []HeaderField
	pos := 0
	for k, vs := range h {
		for _, v := range vs {
			fields = append(fields, HeaderField{Field: k, Value: v, Position: pos})
			pos++
		}
	}
	return fields
}

func pathJoin(parent string, n int) string {
	if parent == "" {
		return strconv.Itoa(n)
	}
	return parent + "." + strconv.Itoa(n)
}

func decodeTransferEncoding(cte string, raw []byte) []byte {
	switch strings.ToLower(strings.TrimSpace(cte)) {
	case "quoted-printable":
		out, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(raw)))
		if err == nil {
			return out
		}
	case "base64":
		// Tolerate embedded newlines, which base64.StdEncoding rejects outright.
		clean := make([]byte, 0, len(raw))
		for _, b := range raw {
			if b != '\n' && b != '\r' {
				clean = append(clean, b)
			}
		}
		if out, err := base64.StdEncoding.DecodeString(string(clean)); err == nil {
			return out
		}
	}
	return raw
}

// applyStoreRules fills in Text/HasText/Data/HasData according to the
// part's type/subtype: text/html keeps both a plain-text rendering and the
// raw HTML, other text/* parts keep only decoded text, multipart/signed
// keeps only its raw bytes, multipart/* and message/rfc822 keep neither
// (their payload lives entirely in their children), and everything else
// keeps raw bytes. buildPart passes the full undivided body as raw for
// every multipart node, even though plain multipart discards it here;
// message/rfc822 nodes always receive nil, since their raw bytes are
// fully represented by their single child.
func applyStoreRules(bp *Bodypart, raw []byte) {
	switch {
	case bp.Type == "text" && bp.Subtype == "html":
		bp.Text = htmlToText(raw)
		bp.HasText = true
		bp.Data = raw
		bp.HasData = true
	case bp.Type == "text":
		bp.Text = string(raw)
		bp.HasText = true
	case bp.Type == "multipart" && bp.Subtype == "signed":
		bp.Data = raw
		bp.HasData = true
	case bp.Type == "multipart":
		// store neither text nor data
	case bp.Type == "message" && bp.Subtype == "rfc822":
		// store neither text nor data
	default:
		bp.Data = raw
		bp.HasData = true
	}
}

// htmlToText renders HTML to a plain-text approximation by walking the
// token stream and concatenating text nodes, collapsing whitespace. It is
// not meant to preserve layout, only to provide the text/html part's
// "store text" representation.
func htmlToText(raw []byte) string {
	z := html.NewTokenizer(bytes.NewReader(raw))
	var sb strings.Builder
	skip := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return collapseSpace(sb.String())
		case html.StartTagToken, html.SelfClosingTagToken:
			name := z.Token().Data
			if name == "script" || name == "style" {
				skip++
			}
			if name == "br" || name == "p" || name == "div" {
				sb.WriteByte('\n')
			}
		case html.EndTagToken:
			name := z.Token().Data
			if name == "script" || name == "style" {
				if skip > 0 {
					skip--
				}
			}
		case html.TextToken:
			if skip == 0 {
				sb.Write(z.Text())
			}
		}
	}
}

func collapseSpace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}
