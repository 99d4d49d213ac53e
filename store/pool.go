package store

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/copernicus/aox/metrics"
	"github.com/copernicus/aox/mlog"
)

var poollog = mlog.New("pool")

// QueryState is the lifecycle of one query submitted to the pool.
type QueryState int

const (
	QueryPending QueryState = iota
	QuerySubmitted
	QueryRunning
	QueryDone
	QueryFailed
)

// Query is one unit of work handed to the pool or enqueued on a
// Transaction. Its error and state are set once the query has run; the
// done channel is closed exactly once, after which Err/State are safe to
// read.
type Query struct {
	SQL          string
	Args         []any
	AllowFailure bool

	state QueryState
	rows  pgx.Rows
	err   error
	done  chan struct{}
}

func newQuery(sql string, args ...any) *Query {
	return &Query{SQL: sql, Args: args, done: make(chan struct{})}
}

func (q *Query) State() QueryState { return q.state }
func (q *Query) Err() error        { return q.err }

// Wait blocks until the query has been executed (successfully or not).
func (q *Query) Wait(ctx context.Context) error {
	select {
	case <-q.done:
		return q.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Query) resolve(err error) {
	q.err = err
	if err != nil {
		q.state = QueryFailed
	} else {
		q.state = QueryDone
	}
	close(q.done)
}

// handleState mirrors the handle lifecycle the pool dispatch loop tracks:
// a handle is either idle (eligible for new work), connecting (being
// established), busy running one query/transaction, or gone.
type handleState int

const (
	handleConnecting handleState = iota
	handleIdle
	handleBusy
	handleInTransaction
	handleFailedTransaction
	handleGone
)

// handle wraps one backend connection plus the pool's bookkeeping about
// it. Queries dispatched to a handle run sequentially on that connection.
type handle struct {
	conn  *pgx.Conn
	state handleState

	idleTimer *time.Timer
}

// PoolConfig carries the startup-time choices the grow/shrink policy
// reads. Backend must currently be pg/pgsql/postgres, optionally suffixed
// with "+tsearch2"; anything else is a startup disaster.
type PoolConfig struct {
	Backend       string
	DSN           string
	MaxHandles    int
	HandleInterval time.Duration
	UnixSocket    bool
}

func (c PoolConfig) validate() error {
	backend := strings.TrimSuffix(c.Backend, "+tsearch2")
	switch backend {
	case "pg", "pgsql", "postgres":
		return nil
	default:
		return fmt.Errorf("unsupported database backend %q", c.Backend)
	}
}

// Pool owns a set of backend connections and a single FIFO queue of
// submitted queries. Queries reach the dispatch goroutine started by
// NewPool only over the submit channel. The handle table is shared under
// mu between that goroutine, the per-handle goroutines, and
// checkoutHandle/releaseHandle, which Transactions call directly.
type Pool struct {
	cfg PoolConfig

	submitc chan *Query
	wakec   chan struct{}
	stopc   chan struct{}
	donec   chan struct{}

	mu           sync.Mutex // protects queue, handles, lastHandleAt and idlec
	queue        []*Query
	handles      []*handle
	lastHandleAt time.Time
	idlec        chan struct{} // closed and replaced whenever a handle becomes idle
}

// NewPool validates cfg and starts the pool's dispatch loop. Callers must
// call Close when done.
func NewPool(ctx context.Context, cfg PoolConfig) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		poollog.Disasterx("invalid database backend configuration", err)
		return nil, err
	}
	if cfg.MaxHandles <= 0 {
		cfg.MaxHandles = 10
	}
	if cfg.HandleInterval <= 0 {
		cfg.HandleInterval = 100 * time.Millisecond
	}
	p := &Pool{
		cfg:     cfg,
		submitc: make(chan *Query, 64),
		wakec:   make(chan struct{}, 1),
		stopc:   make(chan struct{}),
		donec:   make(chan struct{}),
		idlec:   make(chan struct{}),
	}
	go p.run(ctx)
	return p, nil
}

// Submit appends q to the FIFO queue and wakes the dispatch loop.
func (p *Pool) Submit(q *Query) {
	q.state = QuerySubmitted
	p.submitc <- q
}

// SubmitBatch submits a list of queries preserving their relative order
// in the queue. It does not guarantee they run on the same connection;
// callers who need that must use a Transaction.
func (p *Pool) SubmitBatch(qs []*Query) {
	for _, q := range qs {
		p.Submit(q)
	}
}

// Close stops the dispatch loop and closes all handles.
func (p *Pool) Close() {
	close(p.stopc)
	<-p.donec
}

func (p *Pool) wake() {
	select {
	case p.wakec <- struct{}{}:
	default:
	}
}

// notifyIdleLocked wakes every goroutine currently blocked in
// checkoutHandle waiting for an idle handle. Caller must hold p.mu.
// Closing idlec broadcasts to all waiters at once, then a fresh channel
// is installed for the next round; a single buffered channel like wakec
// would only wake one of several waiters and lose the rest.
func (p *Pool) notifyIdleLocked() {
	close(p.idlec)
	p.idlec = make(chan struct{})
}

func (p *Pool) run(ctx context.Context) {
	defer close(p.donec)
	defer func() {
		if x := recover(); x != nil {
			poollog.Error("unhandled panic in pool dispatch loop", mlog.Field("panic", x))
			debug.PrintStack()
			metrics.PanicInc(metrics.Injector)
		}
	}()

	for {
		select {
		case q := <-p.submitc:
			p.mu.Lock()
			p.queue = append(p.queue, q)
			p.mu.Unlock()
			p.dispatch(ctx)

		case <-p.wakec:
			p.dispatch(ctx)

		case <-p.stopc:
			p.mu.Lock()
			for _, h := range p.handles {
				if h.conn != nil {
					h.conn.Close(context.Background())
				}
			}
			p.mu.Unlock()
			return
		}
	}
}

// dispatch implements the pool's grow/shrink/fail policy. It is only
// ever invoked from the single dispatch goroutine.
func (p *Pool) dispatch(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	before := len(p.queue)

	for _, h := range p.handles {
		if len(p.queue) == 0 {
			break
		}
		if h.state != handleIdle {
			continue
		}
		q := p.queue[0]
		p.queue = p.queue[1:]
		h.state = handleBusy
		go p.runOnHandle(ctx, h, q)
	}

	metrics.PoolQueueSet(len(p.queue))
	metrics.PoolHandlesSet(len(p.handles))

	if len(p.handles) == 0 {
		// All handles are gone: fail everything outstanding.
		for _, q := range p.queue {
			q.resolve(fmt.Errorf("No available database handles"))
		}
		p.queue = nil
		if p.cfg.UnixSocket {
			poollog.Disaster("all database handles lost")
		}
		return
	}

	connecting := false
	for _, h := range p.handles {
		if h.state == handleConnecting {
			connecting = true
		}
	}

	moved := len(p.queue) != before
	if !moved && len(p.queue) > 0 && !connecting && len(p.handles) < p.cfg.MaxHandles &&
		time.Since(p.lastHandleAt) >= p.cfg.HandleInterval {
		p.growLocked(ctx)
	}

	if len(p.queue) == 0 && !p.cfg.UnixSocket {
		p.shrinkLocked()
	}
}

func (p *Pool) growLocked(ctx context.Context) {
	h := &handle{state: handleConnecting}
	p.handles = append(p.handles, h)
	p.lastHandleAt = time.Now()
	go func() {
		defer func() {
			if x := recover(); x != nil {
				poollog.Error("unhandled panic connecting database handle", mlog.Field("panic", x))
				debug.PrintStack()
				metrics.PanicInc(metrics.Injector)
				p.mu.Lock()
				h.state = handleGone
				p.removeHandleLocked(h)
				p.mu.Unlock()
				p.wake()
			}
		}()

		conn, err := pgx.Connect(ctx, p.cfg.DSN)
		p.mu.Lock()
		if err != nil {
			poollog.Errorx("connecting new database handle", err)
			h.state = handleGone
			p.removeHandleLocked(h)
		} else {
			h.conn = conn
			h.state = handleIdle
			p.notifyIdleLocked()
		}
		p.mu.Unlock()
		p.wake()
	}()
}

// shrinkLocked shortens the idle timeout on one idle handle so it
// retires soon. Only applies to TCP deployments: dispatch skips it when
// UnixSocket is set. The grow path has no UnixSocket-specific check (see
// DESIGN.md).
func (p *Pool) shrinkLocked() {
	for _, h := range p.handles {
		if h.state != handleIdle {
			continue
		}
		if h.idleTimer != nil {
			return // already shrinking one
		}
		h.idleTimer = time.AfterFunc(5*time.Second, func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if h.state == handleIdle {
				if h.conn != nil {
					h.conn.Close(context.Background())
				}
				h.state = handleGone
				p.removeHandleLocked(h)
			}
		})
		return
	}
}

func (p *Pool) removeHandleLocked(h *handle) {
	out := p.handles[:0]
	for _, o := range p.handles {
		if o != h {
			out = append(out, o)
		}
	}
	p.handles = out
}

func (p *Pool) runOnHandle(ctx context.Context, h *handle, q *Query) {
	defer func() {
		if x := recover(); x != nil {
			poollog.Error("unhandled panic running query on handle", mlog.Field("panic", x))
			debug.PrintStack()
			metrics.PanicInc(metrics.Injector)
			if q.state != QueryDone && q.state != QueryFailed {
				q.resolve(fmt.Errorf("internal error running query: %v", x))
			}
			p.mu.Lock()
			h.state = handleIdle
			p.notifyIdleLocked()
			p.mu.Unlock()
			p.wake()
		}
	}()

	rows, err := h.conn.Query(ctx, q.SQL, q.Args...)
	if err == nil {
		// Drain immediately; callers that need rows use the Transaction API
		// instead, which keeps the connection checked out across a query
		// sequence.
		rows.Close()
		err = rows.Err()
	}
	q.resolve(err)

	p.mu.Lock()
	h.state = handleIdle
	p.notifyIdleLocked()
	p.mu.Unlock()
	p.wake()
}

// checkoutHandle removes an idle handle from the pool's rotation for the
// duration of a Transaction, returning it directly to the caller. The
// Transaction returns it via releaseHandle on commit/rollback. A caller
// that finds nothing idle waits on idlec rather than polling; every site
// that transitions a handle to idle closes and replaces idlec, which
// wakes every waiter currently blocked here.
func (p *Pool) checkoutHandle(ctx context.Context) (*handle, error) {
	for {
		p.mu.Lock()
		for _, h := range p.handles {
			if h.state == handleIdle {
				h.state = handleInTransaction
				p.mu.Unlock()
				return h, nil
			}
		}
		needGrow := len(p.handles) < p.cfg.MaxHandles
		wait := p.idlec
		p.mu.Unlock()

		if needGrow {
			p.wake()
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Pool) releaseHandle(h *handle, failed bool) {
	p.mu.Lock()
	if failed {
		h.state = handleFailedTransaction
		if h.conn != nil {
			h.conn.Close(context.Background())
		}
		h.state = handleGone
		p.removeHandleLocked(h)
	} else {
		h.state = handleIdle
		p.notifyIdleLocked()
	}
	p.mu.Unlock()
	p.wake()
}
