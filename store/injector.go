package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/copernicus/aox/message"
	"github.com/copernicus/aox/metrics"
	"github.com/copernicus/aox/mlog"
	"github.com/copernicus/aox/smtp"
)

var injlog = mlog.New("injector")

// phase names one step of the injector state machine. Inject logs
// its progress through them and tags metrics.InjectErrorInc with whichever
// phase failed, so a log line and a metric always agree on the
// same vocabulary.
type phase string

const (
	phaseFlags      phase = "creating_flags"
	phaseAnnotNames phase = "creating_annotation_names"
	phaseFields     phase = "creating_fields"
	phaseBodyparts  phase = "inserting_bodyparts"
	phaseAddresses  phase = "inserting_addresses"
	phaseUIDs       phase = "selecting_uids"
	phaseMessages   phase = "inserting_messages"
	phaseLinkAddrs  phase = "linking_addresses"
	phaseLinkFlags  phase = "linking_flags"
	phaseLinkAnnots phase = "linking_annotations"
)

// FlagSpec requests that Name be set on the message in MailboxID, once the
// injector has assigned that mailbox's UID.
type FlagSpec struct {
	MailboxID int64
	Name      string
}

// AnnotationSpec requests a private or shared annotation on the message in
// MailboxID. A nil Owner is a shared annotation; otherwise Owner names the
// session owning it.
type AnnotationSpec struct {
	MailboxID int64
	Name      string
	Value     string
	Owner     *int64
}

// DeliverySpec queues a remote delivery for the SMTP relay to pick up,
// expiring deliveryExpiry after injection if never claimed. Sender and
// Recipients are bare envelope addresses; they share the same address
// vocabulary as header addresses, so a recipient that also appears in a
// header field resolves to the same id.
type DeliverySpec struct {
	Sender     smtp.Address
	Recipients []smtp.Address
}

// Request bundles everything one call to Inject needs. Msg must already be
// validated; that is the caller's concern, since an invalid message never
// reaches Inject. Wrapped marks a message synthesized to carry
// content the parser couldn't make sense of as a two-part container, whose
// second part ("2") is the rescued original blob; Inject records that
// part's bodypart id in unparsed_messages.
type Request struct {
	Msg         *message.Message
	MailboxIDs  []int64
	Flags       []FlagSpec
	Annotations []AnnotationSpec
	Delivery    *DeliverySpec
	Wrapped     bool
}

// Result is what Inject returns once the transaction has committed.
type Result struct {
	MessageID int64
	UIDs      []*UIDRecord
}

// Inject runs one message through the injector state machine: it resolves
// every freeform vocabulary the message touches, dedupes its bodyparts,
// allocates a UID in every target mailbox, writes the message and all its
// links in a single transaction, and on successful commit announces the
// new UIDs to live sessions exactly once. On any failure the transaction
// is rolled back and nothing the caller can observe changes.
func Inject(ctx context.Context, pool *Pool, peer PeerBroadcaster, req *Request) (*Result, error) {
	if len(req.MailboxIDs) == 0 {
		return nil, fmt.Errorf("injector: no target mailboxes")
	}
	if req.Msg == nil {
		return nil, fmt.Errorf("injector: no parsed message")
	}

	tx, err := Begin(ctx, pool)
	if err != nil {
		metrics.InjectErrorInc("begin")
		return nil, fmt.Errorf("begin injection transaction: %w", err)
	}

	res, err := inject(ctx, tx, req)
	if err != nil {
		tx.Rollback(ctx)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		metrics.InjectErrorInc("commit")
		return nil, fmt.Errorf("committing injection: %w", err)
	}

	metrics.InjectedInc(len(req.MailboxIDs))
	Announce(res.UIDs, peer)
	return res, nil
}

func inject(ctx context.Context, tx *Transaction, req *Request) (*Result, error) {
	msg := req.Msg

	injlog.Debug("phase", mlog.Field("phase", string(phaseFlags)))
	flagIDs, err := resolveFlagNames(ctx, tx, req.Flags)
	if err != nil {
		metrics.InjectErrorInc(string(phaseFlags))
		return nil, fmt.Errorf("resolving flag names: %w", err)
	}

	injlog.Debug("phase", mlog.Field("phase", string(phaseAnnotNames)))
	annotIDs, err := resolveAnnotationNames(ctx, tx, req.Annotations)
	if err != nil {
		metrics.InjectErrorInc(string(phaseAnnotNames))
		return nil, fmt.Errorf("resolving annotation names: %w", err)
	}

	injlog.Debug("phase", mlog.Field("phase", string(phaseFields)))
	fieldIDs, err := resolveFieldNames(ctx, tx, collectFieldNames(msg))
	if err != nil {
		metrics.InjectErrorInc(string(phaseFields))
		return nil, fmt.Errorf("resolving field names: %w", err)
	}

	injlog.Debug("phase", mlog.Field("phase", string(phaseBodyparts)))
	bodypartIDs, err := insertBodyparts(ctx, tx, msg.Root)
	if err != nil {
		metrics.InjectErrorInc(string(phaseBodyparts))
		return nil, fmt.Errorf("inserting bodyparts: %w", err)
	}

	injlog.Debug("phase", mlog.Field("phase", string(phaseAddresses)))
	addrIDs, err := resolveAddresses(ctx, tx, msg, req.Delivery)
	if err != nil {
		metrics.InjectErrorInc(string(phaseAddresses))
		return nil, fmt.Errorf("resolving addresses: %w", err)
	}

	injlog.Debug("phase", mlog.Field("phase", string(phaseUIDs)))
	uids, err := AllocateUIDs(ctx, tx, req.MailboxIDs, QuerySessions)
	if err != nil {
		metrics.InjectErrorInc(string(phaseUIDs))
		return nil, fmt.Errorf("allocating uids: %w", err)
	}

	injlog.Debug("phase", mlog.Field("phase", string(phaseMessages)))
	messageID, err := insertMessage(ctx, tx, msg)
	if err != nil {
		metrics.InjectErrorInc(string(phaseMessages))
		return nil, fmt.Errorf("inserting message row: %w", err)
	}
	if err := insertMailboxMessages(ctx, tx, messageID, msg, uids); err != nil {
		metrics.InjectErrorInc(string(phaseMessages))
		return nil, fmt.Errorf("linking mailbox messages: %w", err)
	}
	if err := insertPartNumbers(ctx, tx, messageID, msg.Root, bodypartIDs); err != nil {
		metrics.InjectErrorInc(string(phaseMessages))
		return nil, fmt.Errorf("linking part numbers: %w", err)
	}
	if err := insertHeaderFields(ctx, tx, messageID, msg.Root, fieldIDs); err != nil {
		metrics.InjectErrorInc(string(phaseMessages))
		return nil, fmt.Errorf("linking header fields: %w", err)
	}
	if req.Wrapped {
		if err := insertUnparsed(ctx, tx, messageID, bodypartIDs); err != nil {
			metrics.InjectErrorInc(string(phaseMessages))
			return nil, fmt.Errorf("recording unparsed message: %w", err)
		}
	}
	if req.Delivery != nil {
		if err := insertDelivery(ctx, tx, messageID, req.Delivery, addrIDs); err != nil {
			metrics.InjectErrorInc(string(phaseMessages))
			return nil, fmt.Errorf("queueing delivery: %w", err)
		}
	}

	injlog.Debug("phase", mlog.Field("phase", string(phaseLinkAddrs)))
	if err := insertAddressFields(ctx, tx, messageID, msg, addrIDs); err != nil {
		metrics.InjectErrorInc(string(phaseLinkAddrs))
		return nil, fmt.Errorf("linking address fields: %w", err)
	}
	if err := insertDateFields(ctx, tx, messageID, msg); err != nil {
		metrics.InjectErrorInc(string(phaseLinkAddrs))
		return nil, fmt.Errorf("linking date field: %w", err)
	}

	injlog.Debug("phase", mlog.Field("phase", string(phaseLinkFlags)))
	if err := insertFlags(ctx, tx, uids, flagIDs, req.Flags); err != nil {
		metrics.InjectErrorInc(string(phaseLinkFlags))
		return nil, fmt.Errorf("linking flags: %w", err)
	}

	injlog.Debug("phase", mlog.Field("phase", string(phaseLinkAnnots)))
	if err := insertAnnotations(ctx, tx, uids, req.Annotations, annotIDs); err != nil {
		metrics.InjectErrorInc(string(phaseLinkAnnots))
		return nil, fmt.Errorf("linking annotations: %w", err)
	}

	return &Result{MessageID: messageID, UIDs: uids}, nil
}

func resolveFlagNames(ctx context.Context, tx *Transaction, flags []FlagSpec) (map[string]int64, error) {
	seen := map[string]bool{}
	var items []*vocabItem
	for _, f := range flags {
		if seen[f.Name] {
			continue
		}
		seen[f.Name] = true
		items = append(items, &vocabItem{Key: f.Name, Columns: []any{f.Name}})
	}
	if len(items) == 0 {
		return nil, nil
	}
	spec := VocabSpec{
		Table:             "flag_names",
		IDColumn:          "id",
		KeyColumns:        []string{"name"},
		ConflictSubstring: "flag_names_name_key",
		RowKey:            func(vals []any) string { s, _ := vals[0].(string); return s },
	}
	if err := ResolveVocabulary(ctx, tx, spec, items); err != nil {
		return nil, err
	}
	return vocabIDs(items), nil
}

func resolveAnnotationNames(ctx context.Context, tx *Transaction, annotations []AnnotationSpec) (map[string]int64, error) {
	seen := map[string]bool{}
	var items []*vocabItem
	for _, a := range annotations {
		if seen[a.Name] {
			continue
		}
		seen[a.Name] = true
		items = append(items, &vocabItem{Key: a.Name, Columns: []any{a.Name}})
	}
	if len(items) == 0 {
		return nil, nil
	}
	spec := VocabSpec{
		Table:             "annotation_names",
		IDColumn:          "id",
		KeyColumns:        []string{"name"},
		ConflictSubstring: "annotation_names_name_key",
		RowKey:            func(vals []any) string { s, _ := vals[0].(string); return s },
	}
	if err := ResolveVocabulary(ctx, tx, spec, items); err != nil {
		return nil, err
	}
	return vocabIDs(items), nil
}

func resolveFieldNames(ctx context.Context, tx *Transaction, names []string) (map[string]int64, error) {
	items := make([]*vocabItem, len(names))
	for i, n := range names {
		items[i] = &vocabItem{Key: n, Columns: []any{n}}
	}
	if len(items) == 0 {
		return nil, nil
	}
	spec := VocabSpec{
		Table:             "field_names",
		IDColumn:          "id",
		KeyColumns:        []string{"name"},
		ConflictSubstring: "field_names_name_key",
		RowKey:            func(vals []any) string { s, _ := vals[0].(string); return s },
	}
	if err := ResolveVocabulary(ctx, tx, spec, items); err != nil {
		return nil, err
	}
	return vocabIDs(items), nil
}

// resolveAddresses resolves every distinct address this message touches:
// every address in a header address field (From, Sender, Reply-To, To,
// Cc, Bcc) plus, when delivery is non-nil, the delivery's envelope sender
// and every remote recipient. All of them share one vocabulary batch, so
// an envelope recipient that also occurs in a header field collides onto
// the same address id.
func resolveAddresses(ctx context.Context, tx *Transaction, msg *message.Message, delivery *DeliverySpec) (map[string]int64, error) {
	seen := map[string]bool{}
	var items []*vocabItem
	add := func(a message.Address) {
		key := a.Key()
		if seen[key] {
			return
		}
		seen[key] = true
		items = append(items, &vocabItem{Key: key, Columns: []any{a.Name, string(a.Localpart), string(a.Domain)}})
	}
	if msg != nil {
		for _, list := range [][]message.Address{msg.From, msg.Sender, msg.ReplyTo, msg.To, msg.CC, msg.BCC} {
			for _, a := range list {
				add(a)
			}
		}
	}
	if delivery != nil {
		if !delivery.Sender.IsZero() {
			add(message.Address{Localpart: delivery.Sender.Localpart, Domain: delivery.Sender.Domain})
		}
		for _, r := range delivery.Recipients {
			add(message.Address{Localpart: r.Localpart, Domain: r.Domain})
		}
	}
	if len(items) == 0 {
		return nil, nil
	}
	spec := VocabSpec{
		Table:             "addresses",
		IDColumn:          "id",
		KeyColumns:        []string{"name", "localpart", "domain"},
		ConflictSubstring: "addresses_name_localpart_domain_key",
		RowKey: func(vals []any) string {
			name, _ := vals[0].(string)
			lp, _ := vals[1].(string)
			dom, _ := vals[2].(string)
			return name + "\x00" + lp + "\x00" + strings.ToLower(dom)
		},
	}
	if err := ResolveVocabulary(ctx, tx, spec, items); err != nil {
		return nil, err
	}
	return vocabIDs(items), nil
}

func vocabIDs(items []*vocabItem) map[string]int64 {
	out := make(map[string]int64, len(items))
	for _, it := range items {
		out[it.Key] = it.ID
	}
	return out
}

func walkParts(bp *message.Bodypart, visit func(*message.Bodypart)) {
	if bp == nil {
		return
	}
	visit(bp)
	for _, c := range bp.Children {
		walkParts(c, visit)
	}
}

func collectFieldNames(msg *message.Message) []string {
	seen := map[string]bool{}
	var names []string
	walkParts(msg.Root, func(bp *message.Bodypart) {
		for _, h := range bp.Header {
			name := strings.ToLower(h.Field)
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	})
	return names
}

// insertBodyparts dedupes and inserts the payload of every node that
// stores text or data (leaves, and multipart/signed), returning a
// path-to-id map. Other multipart nodes and message/rfc822 nodes never
// have a bodypart row (Hashable reports ok=false for them) and are absent
// from the result.
func insertBodyparts(ctx context.Context, tx *Transaction, root *message.Bodypart) (map[string]int64, error) {
	ids := map[string]int64{}
	var ferr error
	walkParts(root, func(bp *message.Bodypart) {
		if ferr != nil {
			return
		}
		if _, ok := bp.Hashable(); !ok {
			return
		}
		id, err := DedupeBodypart(ctx, tx, bp)
		if err != nil {
			ferr = err
			return
		}
		ids[bp.Path] = id
	})
	if ferr != nil {
		return nil, ferr
	}
	return ids, nil
}

// insertMessage inserts the immutable messages row, identified only by its
// canonical RFC 822 byte length; per-mailbox internal date lives on
// mailbox_messages instead, since the same message can carry a different
// idate in each target mailbox.
func insertMessage(ctx context.Context, tx *Transaction, msg *message.Message) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx,
		"INSERT INTO messages (rfc822size) VALUES ($1) RETURNING id",
		msg.Size,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func internalDate(msg *message.Message) time.Time {
	if msg.InternalDate != nil {
		return *msg.InternalDate
	}
	if !msg.Date.IsZero() {
		return msg.Date
	}
	return time.Now()
}

func insertMailboxMessages(ctx context.Context, tx *Transaction, messageID int64, msg *message.Message, uids []*UIDRecord) error {
	idate := internalDate(msg)
	rows := make([][]any, len(uids))
	for i, r := range uids {
		rows[i] = []any{r.Mailbox.ID, int64(r.AssignedUID), messageID, idate, int64(r.AssignedSeq)}
	}
	_, err := tx.CopyFrom(ctx, "mailbox_messages", []string{"mailbox", "uid", "message", "idate", "modseq"}, rows)
	return err
}

func insertPartNumbers(ctx context.Context, tx *Transaction, messageID int64, root *message.Bodypart, bodypartIDs map[string]int64) error {
	var rows [][]any
	walkParts(root, func(bp *message.Bodypart) {
		id, ok := bodypartIDs[bp.Path]
		if !ok {
			return
		}
		rows = append(rows, []any{messageID, bp.Path, id})
	})
	if len(rows) == 0 {
		return nil
	}
	_, err := tx.CopyFrom(ctx, "part_numbers", []string{"message", "part", "bodypart"}, rows)
	return err
}

func insertHeaderFields(ctx context.Context, tx *Transaction, messageID int64, root *message.Bodypart, fieldIDs map[string]int64) error {
	var rows [][]any
	walkParts(root, func(bp *message.Bodypart) {
		for _, h := range bp.Header {
			id, ok := fieldIDs[strings.ToLower(h.Field)]
			if !ok {
				continue
			}
			rows = append(rows, []any{messageID, bp.Path, h.Position, id, h.Value})
		}
	})
	if len(rows) == 0 {
		return nil
	}
	_, err := tx.CopyFrom(ctx, "header_fields", []string{"message", "part", "position", "field", "value"}, rows)
	return err
}

// insertAddressFields links every resolved header address back to the
// message. All of From/Sender/Reply-To/To/Cc/Bcc are top-level header
// fields, so part is always "" (the root bodypart); number is the
// address's ordinal within its field's list, as stored in address_fields.
func insertAddressFields(ctx context.Context, tx *Transaction, messageID int64, msg *message.Message, addrIDs map[string]int64) error {
	lists := []struct {
		field string
		addrs []message.Address
	}{
		{"from", msg.From}, {"sender", msg.Sender}, {"reply-to", msg.ReplyTo},
		{"to", msg.To}, {"cc", msg.CC}, {"bcc", msg.BCC},
	}
	var rows [][]any
	for _, fl := range lists {
		for i, a := range fl.addrs {
			id, ok := addrIDs[a.Key()]
			if !ok {
				continue
			}
			rows = append(rows, []any{messageID, "", 0, fl.field, i, id})
		}
	}
	if len(rows) == 0 {
		return nil
	}
	_, err := tx.CopyFrom(ctx, "address_fields", []string{"message", "part", "position", "field", "number", "address"}, rows)
	return err
}

func insertDateFields(ctx context.Context, tx *Transaction, messageID int64, msg *message.Message) error {
	if msg.Date.IsZero() {
		return nil
	}
	return tx.Exec(ctx, "INSERT INTO date_fields (message, value) VALUES ($1, $2)", messageID, msg.Date)
}

// insertUnparsed records that this message is a wrapper: part "2" holds
// the original blob the parser couldn't make sense of. Called only after
// insertBodyparts, so bodypartIDs["2"] is
// populated whenever the message was actually built as a two-part wrapper.
func insertUnparsed(ctx context.Context, tx *Transaction, messageID int64, bodypartIDs map[string]int64) error {
	bid, ok := bodypartIDs["2"]
	if !ok {
		return fmt.Errorf("wrapped message has no part \"2\" bodypart")
	}
	return tx.Exec(ctx, "INSERT INTO unparsed_messages (message, bodypart) VALUES ($1, $2)", messageID, bid)
}

// insertDelivery queues a remote delivery, binding sender and recipients
// to the address ids resolveAddresses already resolved for this message.
func insertDelivery(ctx context.Context, tx *Transaction, messageID int64, d *DeliverySpec, addrIDs map[string]int64) error {
	senderKey := message.Address{Localpart: d.Sender.Localpart, Domain: d.Sender.Domain}.Key()
	senderID, ok := addrIDs[senderKey]
	if !ok {
		return fmt.Errorf("delivery sender %s was not resolved to an address id", d.Sender)
	}

	now := time.Now()
	var deliveryID int64
	err := tx.QueryRow(ctx,
		"INSERT INTO deliveries (sender, message, injected_at, expires_at) VALUES ($1, $2, $3, $4) RETURNING id",
		senderID, messageID, now, now.Add(deliveryExpiry),
	).Scan(&deliveryID)
	if err != nil {
		return err
	}
	if len(d.Recipients) == 0 {
		return nil
	}
	rows := make([][]any, len(d.Recipients))
	for i, r := range d.Recipients {
		key := message.Address{Localpart: r.Localpart, Domain: r.Domain}.Key()
		id, ok := addrIDs[key]
		if !ok {
			return fmt.Errorf("delivery recipient %s was not resolved to an address id", r)
		}
		rows[i] = []any{deliveryID, id}
	}
	_, err = tx.CopyFrom(ctx, "delivery_recipients", []string{"delivery", "recipient"}, rows)
	return err
}

func insertFlags(ctx context.Context, tx *Transaction, uids []*UIDRecord, flagIDs map[string]int64, flags []FlagSpec) error {
	if len(flags) == 0 {
		return nil
	}
	byMailbox := make(map[int64]*UIDRecord, len(uids))
	for _, r := range uids {
		byMailbox[r.Mailbox.ID] = r
	}
	var rows [][]any
	for _, f := range flags {
		rec, ok := byMailbox[f.MailboxID]
		if !ok {
			continue
		}
		id, ok := flagIDs[f.Name]
		if !ok {
			continue
		}
		rows = append(rows, []any{f.MailboxID, int64(rec.AssignedUID), id})
	}
	if len(rows) == 0 {
		return nil
	}
	_, err := tx.CopyFrom(ctx, "flags", []string{"mailbox", "uid", "flag"}, rows)
	return err
}

func insertAnnotations(ctx context.Context, tx *Transaction, uids []*UIDRecord, annotations []AnnotationSpec, annotIDs map[string]int64) error {
	if len(annotations) == 0 {
		return nil
	}
	byMailbox := make(map[int64]*UIDRecord, len(uids))
	for _, r := range uids {
		byMailbox[r.Mailbox.ID] = r
	}
	var rows [][]any
	for _, a := range annotations {
		rec, ok := byMailbox[a.MailboxID]
		if !ok {
			continue
		}
		id, ok := annotIDs[a.Name]
		if !ok {
			continue
		}
		rows = append(rows, []any{a.MailboxID, int64(rec.AssignedUID), id, a.Value, a.Owner})
	}
	if len(rows) == 0 {
		return nil
	}
	_, err := tx.CopyFrom(ctx, "annotations", []string{"mailbox", "uid", "name", "value", "owner"}, rows)
	return err
}
