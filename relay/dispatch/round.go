package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"nhbrelay/core/types"
	"nhbrelay/ledger"
	"nhbrelay/relay/queue"
)

// Round summarises one processing pass.
type Round struct {
	Attempted   int
	Completed   int
	Failed      int
	Retried     int
	Quarantined []string
	Archived    int
}

type roundTally struct {
	mu sync.Mutex
	Round
}

func (t *roundTally) add(fn func(r *Round)) {
	t.mu.Lock()
	fn(&t.Round)
	t.mu.Unlock()
}

// progressed reports whether the round changed the state of any transaction.
func (r Round) progressed() bool {
	return r.Attempted > 0 || r.Completed > 0 || r.Failed > 0 || r.Retried > 0
}

// RunRound dispatches the next eligible transaction of every account with
// pending work, accounts concurrently. A round therefore takes at most one
// ledger round trip per account, and accounts that gain work during a round
// are picked up by the next one. Terminal transactions are then compacted out
// and archived.
func (e *Engine) RunRound(ctx context.Context) (Round, error) {
	if e.Paused() {
		return Round{}, ErrPaused
	}
	e.roundMu.Lock()
	defer e.roundMu.Unlock()

	tally := &roundTally{}
	var g errgroup.Group
	for _, address := range e.queue.PendingAddresses() {
		g.Go(func() error {
			e.dispatchNext(ctx, address, tally)
			return nil
		})
	}
	_ = g.Wait()

	removed := e.queue.Compact()
	if len(removed) > 0 && e.archive != nil {
		if err := e.archive.Save(context.WithoutCancel(ctx), removed); err != nil {
			e.logger.Error("archive terminal transactions", slog.Int("count", len(removed)), slog.Any("error", err))
		} else {
			tally.Archived = len(removed)
		}
	}
	e.recordQueueMetrics()
	e.metrics.RecordRound()
	return tally.Round, ctx.Err()
}

func (e *Engine) dispatchNext(ctx context.Context, address string, tally *roundTally) {
	if ctx.Err() != nil || e.Paused() {
		return
	}
	tx, ok := e.queue.NextEligible(address, e.now())
	if !ok {
		return
	}
	e.process(ctx, tx, tally)
}

func (e *Engine) process(ctx context.Context, tx types.Transaction, tally *roundTally) {
	address := tx.Identity.Address
	attempt := tx.RetryCount + 1
	log := e.logger.With(
		slog.String("tx", tx.ID),
		slog.String("account", address),
		slog.Int("attempt", attempt))

	ctx, span := e.tracer.Start(ctx, "relay.dispatch",
		trace.WithAttributes(
			attribute.String("relay.tx", tx.ID),
			attribute.String("relay.account", address),
			attribute.String("relay.call", tx.Call.String()),
			attribute.Int("relay.attempt", attempt),
		))
	defer span.End()

	if !e.pool.Contains(address) {
		e.queue.Fail(tx.ID, quarantineReason)
		e.settle(tx.ID)
		tally.add(func(r *Round) { r.Failed++ })
		log.Warn("transaction failed: identity quarantined")
		span.SetStatus(codes.Error, quarantineReason)
		return
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return
	}

	n, err := e.nonces.Allocate(ctx, address)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn("nonce allocation failed", slog.Any("error", err))
		e.retryOrFail(tx, err, log, tally)
		return
	}
	log = log.With(slog.Uint64("nonce", n))
	span.SetAttributes(attribute.Int64("relay.nonce", int64(n)))

	if err := e.queue.AssignNonce(tx.ID, n); err != nil {
		if errors.Is(err, queue.ErrDuplicateNonce) {
			log.Error("allocated nonce already held by another transaction", slog.Any("error", err))
			e.retryOrFail(tx, err, log, tally)
		}
		return
	}
	e.queue.SetStatus(tx.ID, types.StatusSubmitted, "", "")
	e.mu.Lock()
	e.inFlight[address] = tx.ID
	e.mu.Unlock()
	tally.add(func(r *Round) { r.Attempted++ })
	log.Info("submitting transaction")

	started := e.now()
	result, err := e.client.SignAndSubmit(ctx, tx.Identity, tx.Call, n)
	elapsed := e.now().Sub(started)

	e.mu.Lock()
	delete(e.inFlight, address)
	e.mu.Unlock()

	if err != nil && ctx.Err() != nil {
		log.Warn("submission abandoned during shutdown", slog.Any("error", err))
		span.SetStatus(codes.Error, "abandoned")
		return
	}

	outcome := ledger.Classify(err)
	e.metrics.RecordSubmission(outcome.String(), elapsed)
	e.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome.String())))
	span.SetAttributes(attribute.String("relay.outcome", outcome.String()))
	if err != nil {
		span.RecordError(err)
	}

	switch outcome {
	case ledger.OutcomeSuccess:
		e.queue.SetStatus(tx.ID, types.StatusCompleted, result.BlockHash, result.TxHash)
		e.settle(tx.ID)
		tally.add(func(r *Round) { r.Completed++ })
		log.Info("transaction completed",
			slog.String("block_hash", result.BlockHash),
			slog.String("tx_hash", result.TxHash))
	case ledger.OutcomeRejected:
		e.queue.Fail(tx.ID, err.Error())
		e.settle(tx.ID)
		tally.add(func(r *Round) { r.Failed++ })
		span.SetStatus(codes.Error, "rejected")
		log.Warn("transaction rejected by chain logic", slog.Any("error", err))
	case ledger.OutcomeRetryable:
		log.Info("retryable submission failure", slog.Any("error", err))
		if errors.Is(err, ledger.ErrStaleNonce) {
			e.nonces.Resync(address)
		}
		e.retryOrFail(tx, err, log, tally)
	default:
		e.queue.Fail(tx.ID, err.Error())
		e.settle(tx.ID)
		tally.add(func(r *Round) { r.Failed++ })
		span.SetStatus(codes.Error, "transport")
		log.Error("submission failed", slog.Any("error", err))
		e.quarantine(address, err, tally)
	}
}

// retryOrFail reschedules tx with backoff, or fails it and quarantines the
// identity once the retry ceiling is reached.
func (e *Engine) retryOrFail(tx types.Transaction, cause error, log *slog.Logger, tally *roundTally) {
	if tx.RetryCount >= e.retry.Ceiling {
		reason := fmt.Sprintf("retry ceiling %d reached: %v", e.retry.Ceiling, cause)
		e.queue.Fail(tx.ID, reason)
		e.settle(tx.ID)
		tally.add(func(r *Round) { r.Failed++ })
		log.Error("transaction failed after retries", slog.Int("retry_count", tx.RetryCount))
		e.quarantine(tx.Identity.Address, cause, tally)
		return
	}
	next := tx.RetryCount + 1
	delay := e.retry.Delay(next)
	if err := e.queue.Reschedule(tx.ID, next, e.now().Add(delay), cause.Error()); err != nil {
		return
	}
	e.metrics.RecordRetry()
	tally.add(func(r *Round) { r.Retried++ })
	log.Info("transaction rescheduled", slog.Int("retry_count", next), slog.Duration("backoff", delay))
}

func (e *Engine) quarantine(address string, cause error, tally *roundTally) {
	if e.pool.Remove(address) == 0 {
		return
	}
	e.metrics.RecordQuarantine()
	e.metrics.SetPoolSize(e.pool.Size())
	tally.add(func(r *Round) { r.Quarantined = append(r.Quarantined, address) })
	e.logger.Warn("identity quarantined",
		slog.String("account", address),
		slog.Int("pool_size", e.pool.Size()),
		slog.Any("error", cause))
	if !e.failQuarantinedPending {
		return
	}
	ids := e.queue.FailPending(address, quarantineReason)
	for _, id := range ids {
		e.settle(id)
	}
	if len(ids) > 0 {
		tally.add(func(r *Round) { r.Failed += len(ids) })
	}
}

func (e *Engine) recordQueueMetrics() {
	depth := map[string]int{}
	for _, tx := range e.queue.Snapshot() {
		depth[string(tx.Status)]++
	}
	e.metrics.SetQueueDepth(depth)
	e.metrics.SetPoolSize(e.pool.Size())
}
