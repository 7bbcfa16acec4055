package paywall

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DomainEventType names an event emitted after a ledger transition.
type DomainEventType string

const (
	EventPaymentSucceeded DomainEventType = "payment_succeeded"
	EventPaymentFailed    DomainEventType = "payment_failed"
	EventPaymentRefunded  DomainEventType = "payment_refunded"
)

// DomainEvent is delivered to observers after a transaction changes state.
type DomainEvent struct {
	Type          DomainEventType
	TransactionID string
	UserID        string
	ListingID     string
	Purpose       Purpose
	Metadata      map[string]string
	OccurredAt    time.Time
}

// Observer receives domain events. Implementations run on their own
// goroutine; they cannot block or fail reconciliation.
type Observer interface {
	OnEvent(ctx context.Context, event DomainEvent)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, event DomainEvent)

func (f ObserverFunc) OnEvent(ctx context.Context, event DomainEvent) {
	f(ctx, event)
}

// ListingNotifier is told when a buyer has revealed a listing's contact details.
type ListingNotifier interface {
	MarkContactRevealed(ctx context.Context, listingID, userID string) error
}

// MessageNotifier is told when a paid message has been unlocked.
type MessageNotifier interface {
	MarkPaid(ctx context.Context, messageID, userID string) error
}

// AccountDirectory validates purchase targets. Both lookups are optional
// collaborators; a nil directory skips the checks.
type AccountDirectory interface {
	UserExists(ctx context.Context, userID string) (bool, error)
	ListingExists(ctx context.Context, listingID string) (bool, error)
}

// dispatcher fans events out to observers without blocking the caller.
type dispatcher struct {
	observers []Observer
	timeout   time.Duration
	logger    Logger
	wg        sync.WaitGroup
}

func newDispatcher(observers []Observer, timeout time.Duration, logger Logger) *dispatcher {
	return &dispatcher{observers: observers, timeout: timeout, logger: logger}
}

func (d *dispatcher) emit(event DomainEvent) {
	for _, obs := range d.observers {
		d.wg.Add(1)
		go d.deliver(obs, event)
	}
}

func (d *dispatcher) deliver(obs Observer, event DomainEvent) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("observer panicked",
				Field{Key: "event", Value: string(event.Type)},
				Field{Key: "transaction_id", Value: event.TransactionID},
				Field{Key: "panic", Value: fmt.Sprint(r)},
			)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	obs.OnEvent(ctx, event)
}

// wait blocks until every in-flight delivery has returned.
func (d *dispatcher) wait() {
	d.wg.Wait()
}

func eventFromTransaction(typ DomainEventType, tx *Transaction, at time.Time) DomainEvent {
	md := make(map[string]string, len(tx.Meta))
	for k, v := range tx.Meta {
		if k == MetaRaw {
			continue
		}
		md[k] = fmt.Sprint(v)
	}
	return DomainEvent{
		Type:          typ,
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		ListingID:     tx.ListingID,
		Purpose:       tx.Purpose,
		Metadata:      md,
		OccurredAt:    at,
	}
}
