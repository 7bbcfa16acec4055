package paywall

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

// ProcessRetries claims the queued side effects that are due and re-runs
// them. It returns how many records completed. A record whose transaction
// has since moved on (for example a grant for a transaction that was
// refunded meanwhile) is completed without running. Claimed records are
// leased for RetryLease, so several processes may share one queue.
func (r *Reconciler) ProcessRetries(ctx context.Context) (int, error) {
	now := r.now().UTC()
	due, err := r.storage.ClaimFailures(ctx, now, now.Add(r.config.RetryLease), r.config.MaxRetryAttempts, r.config.RetryBatchSize)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	results := make([]bool, len(due))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.RetryConcurrency)
	for i, f := range due {
		g.Go(func() error {
			ok, err := r.retryOne(gctx, f)
			results[i] = ok
			return err
		})
	}
	err = g.Wait()

	done := 0
	for _, ok := range results {
		if ok {
			done++
		}
	}
	return done, err
}

// retryOne returns an error only when the queue itself cannot be updated.
func (r *Reconciler) retryOne(ctx context.Context, f *ReconcileFailure) (bool, error) {
	tx, err := r.storage.GetTransaction(ctx, f.TransactionID)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			r.logger.Error("dropping retry for missing transaction",
				Field{Key: "failure_id", Value: f.ID},
				Field{Key: "transaction_id", Value: f.TransactionID},
			)
			return false, r.complete(ctx, f)
		}
		return false, r.reschedule(ctx, f, err)
	}

	var cause error
	switch f.Action {
	case FailureActionRevoke:
		if tx.Status != StatusRefunded {
			return true, r.complete(ctx, f)
		}
		cause = r.revoke(ctx, tx)
	default:
		if tx.Status != StatusSucceeded {
			return true, r.complete(ctx, f)
		}
		cause = r.grant(ctx, tx)
	}

	r.metrics.RecordRetry(cause == nil)
	if cause != nil {
		return false, r.reschedule(ctx, f, cause)
	}
	r.logger.Info("retried side effect succeeded",
		txFields(tx, Field{Key: "action", Value: f.Action}, Field{Key: "attempts", Value: f.Attempts + 1})...)
	return true, r.complete(ctx, f)
}

func (r *Reconciler) reschedule(ctx context.Context, f *ReconcileFailure, cause error) error {
	attempts := f.Attempts + 1
	fields := []Field{
		{Key: "failure_id", Value: f.ID},
		{Key: "transaction_id", Value: f.TransactionID},
		{Key: "action", Value: f.Action},
		{Key: "attempts", Value: attempts},
		{Key: "error", Value: cause.Error()},
	}
	if attempts >= r.config.MaxRetryAttempts {
		r.logger.Error("side effect retries exhausted; manual action required", fields...)
	} else {
		r.logger.Warn("side effect retry failed", fields...)
	}
	return r.storage.RescheduleFailure(ctx, f.ID, r.now().UTC().Add(r.backoff(attempts)), cause.Error())
}

func (r *Reconciler) complete(ctx context.Context, f *ReconcileFailure) error {
	err := r.storage.CompleteFailure(ctx, f.ID)
	if errors.Is(err, ErrFailureNotFound) {
		return nil
	}
	return err
}

// backoff returns the delay after the given number of failed attempts.
func (r *Reconciler) backoff(attempts int) time.Duration {
	d := r.config.RetryBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= r.config.MaxRetryBackoff {
			return r.config.MaxRetryBackoff
		}
	}
	return d
}

// Run drains the retry queue every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.ProcessRetries(ctx)
			if err != nil && ctx.Err() == nil {
				r.logger.Error("failed to process retry queue", Field{Key: "error", Value: err.Error()})
				continue
			}
			if n > 0 {
				r.logger.Info("processed retry queue", Field{Key: "completed", Value: n})
			}
		}
	}
}

// Wait blocks until every in-flight observer delivery has returned.
func (r *Reconciler) Wait() {
	r.events.wait()
}
