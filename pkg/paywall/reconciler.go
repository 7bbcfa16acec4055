package paywall

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/paywall/pkg/gateway"
)

// Reconciler applies verified processor events to the ledger and the
// entitlement store. HandleEvent is safe to call concurrently and
// repeatedly for the same event: the status compare-and-swap admits exactly
// one caller per transition, and only that caller runs side effects.
type Reconciler struct {
	storage      Storage
	entitlements *Entitlements
	pricing      *PricingResolver
	events       *dispatcher
	config       Config
	metrics      Metrics
	logger       Logger
	now          func() time.Time
}

func newReconciler(m *Manager) *Reconciler {
	return &Reconciler{
		storage:      m.storage,
		entitlements: m.entitlements,
		pricing:      m.pricing,
		events:       m.events,
		config:       m.config,
		metrics:      m.metrics,
		logger:       m.logger,
		now:          m.now,
	}
}

// HandleEvent dispatches a verified event by type. Errors are returned only
// when the ledger itself could not be read or written; the caller should
// answer the processor with a retryable status in that case.
func (r *Reconciler) HandleEvent(ctx context.Context, ev *gateway.Event) error {
	if ev == nil {
		return &ValidationError{Field: "event", Message: "is required"}
	}

	var err error
	switch ev.Type {
	case gateway.EventPaymentSucceeded, gateway.EventCheckoutCompleted:
		err = r.handleSucceeded(ctx, ev)
	case gateway.EventPaymentFailed:
		err = r.handleFailed(ctx, ev)
	case gateway.EventChargeRefunded:
		err = r.handleRefunded(ctx, ev)
	default:
		r.metrics.RecordWebhookEvent(ev.Type, "ignored")
		r.logger.Debug("ignoring unhandled event type",
			Field{Key: "event_id", Value: ev.ID},
			Field{Key: "event_type", Value: ev.Type},
			Field{Key: "provider", Value: ev.Provider},
		)
		return nil
	}
	if err != nil {
		r.metrics.RecordWebhookEvent(ev.Type, "error")
	}
	return err
}

// TriggerSucceeded marks a pending transaction as paid without a processor
// event. It is the admin and test path; the caller authorizes it.
func (r *Reconciler) TriggerSucceeded(ctx context.Context, txID string) (*Transaction, error) {
	tx, err := r.storage.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Status != StatusPending {
		return tx, fmt.Errorf("%w: transaction %s is %s", ErrInvalidTransition, tx.ID, tx.Status)
	}
	res, err := r.succeed(ctx, tx, "", Meta{MetaTriggeredBy: "manual"}, "manual")
	if err != nil {
		return nil, err
	}
	return res.Transaction, nil
}

func (r *Reconciler) handleSucceeded(ctx context.Context, ev *gateway.Event) error {
	tx, err := r.resolve(ctx, ev)
	if err != nil {
		return err
	}
	if tx == nil {
		return r.synthesize(ctx, ev)
	}

	ref := ev.ObjectID
	if ev.PaymentIntentID != "" {
		ref = ev.PaymentIntentID
	}
	patch := eventPatch(ev)
	patch[MetaProviderRef] = ref
	if ev.Type == gateway.EventCheckoutCompleted {
		patch[MetaCheckoutSessionID] = ev.ObjectID
	}

	_, err = r.succeed(ctx, tx, ref, patch, ev.Type)
	return err
}

// succeed performs the pending -> succeeded transition and, only when this
// caller applied it, the grant side effect and the domain event.
func (r *Reconciler) succeed(ctx context.Context, tx *Transaction, ref string, patch Meta, source string) (*TransitionResult, error) {
	res, err := r.transition(ctx, tx, StatusSucceeded, ref, patch)
	if err != nil {
		return nil, err
	}
	if !res.Applied {
		r.metrics.RecordWebhookEvent(source, "duplicate")
		r.logger.Warn("duplicate or out-of-order success ignored",
			txFields(res.Transaction, Field{Key: "source", Value: source})...)
		return res, nil
	}

	if err := r.grant(ctx, res.Transaction); err != nil {
		r.deferSideEffect(ctx, res.Transaction, FailureActionGrant, err)
	}
	r.metrics.RecordWebhookEvent(source, "applied")
	r.logger.Info("payment succeeded", txFields(res.Transaction, Field{Key: "source", Value: source})...)
	r.events.emit(eventFromTransaction(EventPaymentSucceeded, res.Transaction, r.now()))
	return res, nil
}

func (r *Reconciler) handleFailed(ctx context.Context, ev *gateway.Event) error {
	tx, err := r.resolve(ctx, ev)
	if err != nil {
		return err
	}
	if tx == nil {
		r.metrics.RecordWebhookEvent(ev.Type, "not_found")
		r.logger.Warn("payment failure for unknown transaction",
			Field{Key: "event_id", Value: ev.ID},
			Field{Key: "object_id", Value: ev.ObjectID},
		)
		return nil
	}

	res, err := r.transition(ctx, tx, StatusFailed, "", eventPatch(ev))
	if err != nil {
		return err
	}
	if !res.Applied {
		r.metrics.RecordWebhookEvent(ev.Type, "duplicate")
		r.logger.Warn("payment failure ignored", txFields(res.Transaction, Field{Key: "event_id", Value: ev.ID})...)
		return nil
	}

	r.metrics.RecordWebhookEvent(ev.Type, "applied")
	r.logger.Info("payment failed", txFields(res.Transaction, Field{Key: "event_id", Value: ev.ID})...)
	r.events.emit(eventFromTransaction(EventPaymentFailed, res.Transaction, r.now()))
	return nil
}

func (r *Reconciler) handleRefunded(ctx context.Context, ev *gateway.Event) error {
	tx, err := r.resolve(ctx, ev)
	if err != nil {
		return err
	}
	if tx == nil {
		r.metrics.RecordWebhookEvent(ev.Type, "not_found")
		r.logger.Warn("refund for unknown transaction",
			Field{Key: "event_id", Value: ev.ID},
			Field{Key: "object_id", Value: ev.ObjectID},
		)
		return nil
	}

	res, err := r.transition(ctx, tx, StatusRefunded, "", eventPatch(ev))
	if err != nil {
		return err
	}
	if !res.Applied {
		r.metrics.RecordWebhookEvent(ev.Type, "duplicate")
		r.logger.Warn("refund ignored", txFields(res.Transaction, Field{Key: "event_id", Value: ev.ID})...)
		return nil
	}

	if !r.config.KeepGrantsOnRefund {
		if err := r.revoke(ctx, res.Transaction); err != nil {
			r.deferSideEffect(ctx, res.Transaction, FailureActionRevoke, err)
		}
	}
	r.metrics.RecordWebhookEvent(ev.Type, "applied")
	r.logger.Info("payment refunded", txFields(res.Transaction, Field{Key: "event_id", Value: ev.ID})...)
	r.events.emit(eventFromTransaction(EventPaymentRefunded, res.Transaction, r.now()))
	return nil
}

// resolve finds the transaction an event belongs to, or nil.
func (r *Reconciler) resolve(ctx context.Context, ev *gateway.Event) (*Transaction, error) {
	provider := Provider(ev.Provider)

	if id := ev.Meta(gateway.MetaTransactionID); id != "" {
		tx, err := r.storage.GetTransaction(ctx, id)
		switch {
		case err == nil && tx.Provider == provider:
			return tx, nil
		case err == nil:
			r.logger.Warn("event metadata names a transaction of another provider",
				Field{Key: "transaction_id", Value: id},
				Field{Key: "provider", Value: ev.Provider},
			)
		case !errors.Is(err, ErrTransactionNotFound):
			return nil, err
		}
	}

	for _, ref := range []string{ev.ObjectID, ev.PaymentIntentID} {
		if ref == "" {
			continue
		}
		tx, err := r.storage.FindByProviderRef(ctx, provider, ref)
		if err != nil {
			return nil, err
		}
		if tx != nil {
			return tx, nil
		}
	}
	return nil, nil
}

// synthesize records a paid transaction the ledger never saw. It is kept for
// audit only and never grants anything.
func (r *Reconciler) synthesize(ctx context.Context, ev *gateway.Event) error {
	now := r.now().UTC()
	ref := ev.ObjectID
	if ev.PaymentIntentID != "" {
		ref = ev.PaymentIntentID
	}

	amount, err := gateway.FromMinorUnits(ev.AmountMinor, ev.Currency)
	if err != nil {
		r.logger.Warn("cannot convert synthesized amount", Field{Key: "currency", Value: ev.Currency})
	}

	meta := eventPatch(ev)
	meta[MetaSynthesized] = true
	if msg := ev.Meta(gateway.MetaMessageID); msg != "" {
		meta[MetaMessageID] = msg
	}
	tx := &Transaction{
		ID:          uuid.NewString(),
		UserID:      ev.Meta(gateway.MetaUserID),
		ListingID:   ev.Meta(gateway.MetaListingID),
		Purpose:     Purpose(ev.Meta(gateway.MetaPurpose)),
		Amount:      amount,
		Currency:    ev.Currency,
		Provider:    Provider(ev.Provider),
		ProviderRef: ref,
		Status:      StatusSucceeded,
		Meta:        meta,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := r.storage.CreateTransaction(ctx, tx); err != nil {
		if errors.Is(err, ErrDuplicateProviderRef) {
			// A concurrent delivery of the same event got there first.
			r.metrics.RecordWebhookEvent(ev.Type, "duplicate")
			return nil
		}
		return err
	}

	r.metrics.RecordWebhookEvent(ev.Type, "synthesized")
	r.logger.Warn("synthesized transaction for unmatched payment; no entitlement granted",
		txFields(tx, Field{Key: "provider_ref", Value: ref}, Field{Key: "event_id", Value: ev.ID})...)
	r.events.emit(eventFromTransaction(EventPaymentSucceeded, tx, now))
	return nil
}

func (r *Reconciler) transition(ctx context.Context, tx *Transaction, to Status, ref string, patch Meta) (*TransitionResult, error) {
	res, err := Transition(ctx, r.storage, tx.ID, to, ref, patch, r.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to transition transaction %s to %s: %w", tx.ID, to, err)
	}
	r.metrics.RecordTransition(string(res.Previous), string(to), res.Applied)
	return res, nil
}

// grant applies the entitlement side effect for a succeeded transaction.
// Every step is idempotent so a retry may run it again.
func (r *Reconciler) grant(ctx context.Context, tx *Transaction) error {
	switch tx.Purpose {
	case PurposeRevealContact:
		if _, err := r.entitlements.GrantReveal(ctx, tx.UserID, tx.ListingID, tx.ID); err != nil {
			return err
		}
		if r.config.Listings != nil {
			return r.config.Listings.MarkContactRevealed(ctx, tx.ListingID, tx.UserID)
		}
	case PurposeFeature:
		if _, err := r.entitlements.GrantOrExtendFeature(ctx, tx.UserID, tx.ListingID, r.featureUntil(tx), tx.ID); err != nil {
			return err
		}
	case PurposeMessage:
		msg := tx.MessageID()
		if _, err := r.entitlements.GrantMessage(ctx, tx.UserID, tx.ListingID, msg, tx.ID); err != nil {
			return err
		}
		if r.config.Messages != nil {
			return r.config.Messages.MarkPaid(ctx, msg, tx.UserID)
		}
	case PurposeSubscription:
		if _, err := r.entitlements.GrantSubscription(ctx, tx.UserID, tx.ID); err != nil {
			return err
		}
	default:
		return &InvalidPurposeError{Purpose: string(tx.Purpose)}
	}
	return nil
}

// featureUntil is the end of the window a succeeded feature transaction
// paid for. It is anchored on the transition time so retries and refunds
// compute the same window.
func (r *Reconciler) featureUntil(tx *Transaction) time.Time {
	return tx.UpdatedAt.AddDate(0, 0, r.pricing.FeatureDays())
}

// revoke withdraws what a refunded transaction bought. Grant keys are shared
// between transactions, so when another paid transaction still covers the
// key the grant is handed over to it: a reveal or message stays unlocked and
// a feature window shrinks to the latest window still paid for.
func (r *Reconciler) revoke(ctx context.Context, tx *Transaction) error {
	key := GrantKey(tx.Purpose, tx.UserID, tx.ListingID, tx.MessageID(), tx.ID)
	successor, err := r.successor(ctx, tx, key)
	if err != nil {
		return err
	}
	if successor != nil {
		req := ReassignRequest{
			Key:               key,
			FromTransactionID: tx.ID,
			TransactionID:     successor.ID,
			UserID:            successor.UserID,
		}
		if tx.Purpose == PurposeFeature {
			until := r.featureUntil(successor)
			req.ExpiresAt = &until
		}
		moved, err := r.entitlements.Reassign(ctx, req)
		if err != nil {
			return err
		}
		if moved {
			r.logger.Info("refunded entitlement reassigned",
				txFields(tx, Field{Key: "successor_id", Value: successor.ID})...)
			return nil
		}
	}

	n, err := r.entitlements.Revoke(ctx, RevokeRequest{TransactionID: tx.ID})
	if err != nil {
		return err
	}
	r.logger.Info("revoked refunded entitlements", txFields(tx, Field{Key: "count", Value: n})...)
	return nil
}

// successor finds the succeeded transaction that should hold key once tx is
// refunded: the one with the latest unexpired window for features, the
// oldest for one-off grants. Synthesized transactions never granted
// anything and are skipped.
func (r *Reconciler) successor(ctx context.Context, tx *Transaction, key string) (*Transaction, error) {
	filter := TransactionFilter{ListingID: tx.ListingID, Purpose: tx.Purpose, Status: StatusSucceeded}
	if tx.Purpose != PurposeFeature {
		filter.UserID = tx.UserID
	}
	candidates, err := r.storage.ListTransactions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions sharing %s: %w", key, err)
	}

	now := r.now()
	var best *Transaction
	for _, c := range candidates {
		if c.ID == tx.ID || c.Meta[MetaSynthesized] == true {
			continue
		}
		if GrantKey(c.Purpose, c.UserID, c.ListingID, c.MessageID(), c.ID) != key {
			continue
		}
		if tx.Purpose == PurposeFeature {
			until := r.featureUntil(c)
			if until.After(now) && (best == nil || until.After(r.featureUntil(best))) {
				best = c
			}
			continue
		}
		if best == nil || c.UpdatedAt.Before(best.UpdatedAt) {
			best = c
		}
	}
	return best, nil
}

// deferSideEffect queues a failed side effect for retry. The transition it
// belongs to is already durable and is never rolled back.
func (r *Reconciler) deferSideEffect(ctx context.Context, tx *Transaction, action string, cause error) {
	rerr := &ReconcileError{TransactionID: tx.ID, Purpose: tx.Purpose, Err: cause}
	r.logger.Error("entitlement side effect failed; queued for retry",
		txFields(tx, Field{Key: "action", Value: action}, Field{Key: "error", Value: rerr.Error()})...)

	now := r.now().UTC()
	f := &ReconcileFailure{
		ID:            uuid.NewString(),
		TransactionID: tx.ID,
		Purpose:       tx.Purpose,
		Action:        action,
		Attempts:      1,
		LastError:     cause.Error(),
		NextAttemptAt: now.Add(r.backoff(1)),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	// The queue write must outlive a cancelled request.
	if err := r.storage.EnqueueFailure(context.WithoutCancel(ctx), f); err != nil {
		r.logger.Error("failed to queue reconcile failure; manual action required",
			txFields(tx, Field{Key: "action", Value: action}, Field{Key: "error", Value: err.Error()})...)
	}
}

func eventPatch(ev *gateway.Event) Meta {
	patch := Meta{}
	if ev.ID != "" {
		patch[MetaEventID] = ev.ID
	}
	if len(ev.Object) > 0 {
		patch[MetaRaw] = ev.Object
	}
	return patch
}
