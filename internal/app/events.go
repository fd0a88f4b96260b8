package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/swipe/banklink-service/internal/domain"
)

const publishTimeout = 5 * time.Second

// EventPublisher is the subset of the broker producer the services need.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// PublishObserver is notified after every publish attempt.
type PublishObserver func(routingKey string, err error)

// ErrEventQueueFull is reported to the observer when a background emitter
// drops an event because its buffer is full.
var ErrEventQueueFull = errors.New("event queue full")

// EventEmitter publishes bank lifecycle events. Failures are logged and never
// surface to the caller. A nil emitter drops everything.
//
// NewEventEmitter publishes inline. NewAsyncEventEmitter hands events to a
// single background worker so a slow broker never delays a request; Close
// drains it.
type EventEmitter struct {
	publisher EventPublisher
	exchange  string
	logger    *slog.Logger
	observe   PublishObserver
	now       func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan pendingEvent
	done   chan struct{}
}

type pendingEvent struct {
	ctx        context.Context
	routingKey string
	event      domain.BankEvent
}

func NewEventEmitter(publisher EventPublisher, exchange string, logger *slog.Logger, observe PublishObserver) *EventEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventEmitter{
		publisher: publisher,
		exchange:  exchange,
		logger:    logger,
		observe:   observe,
		now:       time.Now,
	}
}

// NewAsyncEventEmitter starts a background worker fed by a queue of size buffer.
func NewAsyncEventEmitter(publisher EventPublisher, exchange string, logger *slog.Logger, observe PublishObserver, buffer int) *EventEmitter {
	e := NewEventEmitter(publisher, exchange, logger, observe)
	if publisher == nil {
		return e
	}
	if buffer <= 0 {
		buffer = 256
	}
	e.queue = make(chan pendingEvent, buffer)
	e.done = make(chan struct{})
	go e.run()
	return e
}

// Emit publishes the current state of bank under routingKey.
func (e *EventEmitter) Emit(ctx context.Context, routingKey, userID string, bank *domain.ConnectedBank) {
	if e == nil || e.publisher == nil || bank == nil {
		return
	}
	// The request may already be finishing; the event should still go out.
	pending := pendingEvent{
		ctx:        context.WithoutCancel(ctx),
		routingKey: routingKey,
		event:      domain.NewBankEvent(userID, bank, e.now()),
	}

	if e.queue == nil {
		e.publish(pending)
		return
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.logger.Warn("bank event dropped after shutdown", "routing_key", routingKey, "user_id", userID, "institution_id", bank.InstitutionID)
		return
	}
	select {
	case e.queue <- pending:
	default:
		e.logger.Warn("bank event dropped", "routing_key", routingKey, "user_id", userID, "institution_id", bank.InstitutionID, "error", ErrEventQueueFull)
		if e.observe != nil {
			e.observe(routingKey, ErrEventQueueFull)
		}
	}
}

// Close stops accepting events and waits for queued ones to be published or
// for ctx to expire.
func (e *EventEmitter) Close(ctx context.Context) error {
	if e == nil || e.queue == nil {
		return nil
	}
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *EventEmitter) run() {
	defer close(e.done)
	for pending := range e.queue {
		e.publish(pending)
	}
}

func (e *EventEmitter) publish(p pendingEvent) {
	pubCtx, cancel := context.WithTimeout(p.ctx, publishTimeout)
	defer cancel()

	err := e.publisher.Publish(pubCtx, e.exchange, p.routingKey, p.event)
	if err != nil {
		e.logger.Warn("failed to publish bank event", "routing_key", p.routingKey, "user_id", p.event.UserID, "institution_id", p.event.InstitutionID, "error", err)
	}
	if e.observe != nil {
		e.observe(p.routingKey, err)
	}
}
