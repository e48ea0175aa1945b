// Package dispatch drives queued transactions through the ledger client:
// allocating nonces, submitting, classifying results, and retrying or
// quarantining identities as the outcome demands.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"nhbrelay/core/types"
	"nhbrelay/ledger"
	"nhbrelay/observability"
	"nhbrelay/relay/nonce"
	"nhbrelay/relay/pool"
	"nhbrelay/relay/queue"
	"nhbrelay/storage"
)

var (
	// ErrPaused is returned by RunRound while dispatch is paused.
	ErrPaused = errors.New("dispatch: engine paused")
	// ErrNotFound is returned when a transaction id is neither queued nor archived.
	ErrNotFound = errors.New("dispatch: transaction not found")
)

const (
	defaultRoundInterval = 2 * time.Second
	defaultRateLimit     = 100
	quarantineReason     = "identity quarantined"
)

// Option customises the engine instance.
type Option func(*Engine)

// WithQueue supplies the queue instead of a fresh one.
func WithQueue(q *queue.Queue) Option {
	return func(e *Engine) { e.queue = q }
}

// WithAllocator supplies the nonce allocator instead of one backed by the client.
func WithAllocator(a *nonce.Allocator) Option {
	return func(e *Engine) { e.nonces = a }
}

// WithArchive persists compacted transactions so they remain queryable.
func WithArchive(a storage.Archive) Option {
	return func(e *Engine) { e.archive = a }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.RelayMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer overrides the tracer used for submission spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithClock sets the function used to derive timestamps and backoff windows.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.now = clock
		}
	}
}

// WithRetryPolicy replaces the default retry ceiling and backoff.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithRoundInterval sets the delay between rounds while work remains.
func WithRoundInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.roundInterval = d
		}
	}
}

// WithRateLimit caps submissions per second across all identities. A non-positive
// rate disables limiting.
func WithRateLimit(perSecond float64) Option {
	return func(e *Engine) {
		if perSecond <= 0 {
			e.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithFailQuarantinedPending makes quarantine fail the identity's remaining
// pending transactions immediately instead of on their next dispatch.
func WithFailQuarantinedPending(enabled bool) Option {
	return func(e *Engine) { e.failQuarantinedPending = enabled }
}

// WithIDGenerator overrides transaction id generation (test only).
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		if gen != nil {
			e.newID = gen
		}
	}
}

// Engine owns the dispatch loop. The pool, allocator and queue each serialise
// their own mutations; the engine never holds a lock across a ledger call.
type Engine struct {
	client  ledger.Client
	pool    *pool.Pool
	nonces  *nonce.Allocator
	queue   *queue.Queue
	archive storage.Archive

	logger   *slog.Logger
	metrics  *observability.RelayMetrics
	tracer   trace.Tracer
	attempts metric.Int64Counter

	now                    func() time.Time
	newID                  func() string
	retry                  RetryPolicy
	roundInterval          time.Duration
	limiter                *rate.Limiter
	failQuarantinedPending bool

	wake    chan struct{}
	roundMu sync.Mutex

	mu       sync.Mutex
	paused   bool
	inFlight map[string]string
	waiters  map[string][]chan types.Transaction
}

// New constructs an engine dispatching through client with identities from accounts.
func New(client ledger.Client, accounts *pool.Pool, opts ...Option) *Engine {
	e := &Engine{
		client:        client,
		pool:          accounts,
		logger:        slog.Default(),
		metrics:       observability.Relay(),
		tracer:        otel.Tracer("nhbrelay/relay/dispatch"),
		now:           time.Now,
		newID:         uuid.NewString,
		retry:         DefaultRetryPolicy(),
		roundInterval: defaultRoundInterval,
		limiter:       rate.NewLimiter(rate.Limit(defaultRateLimit), defaultRateLimit),
		wake:          make(chan struct{}, 1),
		inFlight:      make(map[string]string),
		waiters:       make(map[string][]chan types.Transaction),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.queue == nil {
		e.queue = queue.New(queue.WithClock(e.now))
	}
	if e.nonces == nil {
		e.nonces = nonce.NewAllocator(client, e.logger)
	}
	counter, err := otel.Meter("nhbrelay/relay/dispatch").Int64Counter("relay.dispatch.attempts",
		metric.WithDescription("Ledger submission attempts by outcome."))
	if err != nil {
		counter, _ = noop.NewMeterProvider().Meter("nhbrelay").Int64Counter("relay.dispatch.attempts")
	}
	e.attempts = counter
	e.metrics.SetPoolSize(e.pool.Size())
	return e
}

// Pool exposes the account pool.
func (e *Engine) Pool() *pool.Pool { return e.pool }

// Nonces exposes the nonce allocator.
func (e *Engine) Nonces() *nonce.Allocator { return e.nonces }

// Queue exposes the live transaction queue.
func (e *Engine) Queue() *queue.Queue { return e.queue }

// Seed primes the nonce map for every pooled identity.
func (e *Engine) Seed(ctx context.Context) {
	e.nonces.Seed(ctx, e.pool.Addresses())
}

// Submit binds call to the next identity in rotation and enqueues it.
func (e *Engine) Submit(call types.Call) (types.Transaction, error) {
	return e.submit(call, nil)
}

// SubmitAndWait enqueues call and blocks until the transaction is terminal or
// ctx ends. On ctx expiry the latest known state is returned with ctx's error.
func (e *Engine) SubmitAndWait(ctx context.Context, call types.Call) (types.Transaction, error) {
	done := make(chan types.Transaction, 1)
	tx, err := e.submit(call, done)
	if err != nil {
		return types.Transaction{}, err
	}
	select {
	case final := <-done:
		return final, nil
	case <-ctx.Done():
		e.dropWaiter(tx.ID, done)
		if latest, ok := e.queue.Get(tx.ID); ok {
			tx = latest
		}
		return tx, ctx.Err()
	}
}

func (e *Engine) submit(call types.Call, done chan types.Transaction) (types.Transaction, error) {
	identity, err := e.pool.Next()
	if err != nil {
		return types.Transaction{}, err
	}
	now := e.now()
	tx := types.Transaction{
		ID:        e.newID(),
		Identity:  identity,
		Call:      call.Clone(),
		Status:    types.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if done != nil {
		e.mu.Lock()
		e.waiters[tx.ID] = append(e.waiters[tx.ID], done)
		e.mu.Unlock()
	}
	e.queue.Enqueue(tx)
	e.logger.Info("transaction queued",
		slog.String("tx", tx.ID),
		slog.String("account", identity.Address),
		slog.String("call", call.String()))
	e.notify()
	return tx, nil
}

// Lookup returns a transaction from the live queue or, once compacted, from
// the archive.
func (e *Engine) Lookup(ctx context.Context, id string) (types.Transaction, error) {
	if tx, ok := e.queue.Get(id); ok {
		return tx, nil
	}
	if e.archive != nil {
		tx, ok, err := e.archive.Lookup(ctx, id)
		if err != nil {
			return types.Transaction{}, err
		}
		if ok {
			return tx, nil
		}
	}
	return types.Transaction{}, ErrNotFound
}

// Recent lists archived transactions, newest first.
func (e *Engine) Recent(ctx context.Context, limit int) ([]types.Transaction, error) {
	if e.archive == nil {
		return nil, nil
	}
	return e.archive.Recent(ctx, limit)
}

// QueueSnapshot copies the live queue in order.
func (e *Engine) QueueSnapshot() []types.Transaction {
	return e.queue.Snapshot()
}

// Pause halts dispatch. Submissions are still accepted and queued.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	e.metrics.SetPaused(true)
	e.logger.Warn("dispatch paused")
}

// Resume re-enables dispatch and wakes the loop.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	e.metrics.SetPaused(false)
	e.logger.Info("dispatch resumed")
	e.notify()
}

// Paused reports whether dispatch is paused.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Status summarises engine state for operators.
type Status struct {
	Paused      bool              `json:"paused"`
	Accounts    []string          `json:"accounts"`
	Nonces      map[string]uint64 `json:"nonces"`
	QueueLength int               `json:"queueLength"`
	Pending     int               `json:"pending"`
	InFlight    map[string]string `json:"inFlight"`
}

// Status returns a point-in-time snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	inFlight := make(map[string]string, len(e.inFlight))
	for addr, id := range e.inFlight {
		inFlight[addr] = id
	}
	paused := e.paused
	e.mu.Unlock()
	return Status{
		Paused:      paused,
		Accounts:    e.pool.Addresses(),
		Nonces:      e.nonces.Snapshot(),
		QueueLength: e.queue.Len(),
		Pending:     len(e.queue.Pending()),
		InFlight:    inFlight,
	}
}

// Run executes rounds until ctx ends. A round that moved work forward is
// followed by the next one straight away. When pending work remains but none
// of it was eligible, rounds are spaced by the round interval; an idle loop
// sleeps until the next submission or resume.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("dispatch loop started", slog.Duration("round_interval", e.roundInterval))
	defer e.logger.Info("dispatch loop stopped")
	for {
		round, err := e.RunRound(ctx)
		if err != nil && !errors.Is(err, ErrPaused) && ctx.Err() == nil {
			e.logger.Error("dispatch round failed", slog.Any("error", err))
		}
		if ctx.Err() != nil {
			return nil
		}
		if e.Paused() {
			select {
			case <-ctx.Done():
				return nil
			case <-e.wake:
			}
			continue
		}
		if round.progressed() {
			continue
		}
		if e.queue.HasPending() {
			timer := time.NewTimer(e.roundInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-e.wake:
				timer.Stop()
			case <-timer.C:
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-e.wake:
		}
	}
}

func (e *Engine) notify() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// settle delivers the terminal state of id to its waiters.
func (e *Engine) settle(id string) {
	tx, ok := e.queue.Get(id)
	if !ok || !tx.Status.Terminal() {
		return
	}
	e.mu.Lock()
	waiters := e.waiters[id]
	delete(e.waiters, id)
	e.mu.Unlock()
	for _, ch := range waiters {
		ch <- tx
	}
}

func (e *Engine) dropWaiter(id string, done chan types.Transaction) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.waiters[id]
	for i, ch := range list {
		if ch == done {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(e.waiters, id)
		return
	}
	e.waiters[id] = list
}
