package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/swipe/banklink-service/internal/domain"
)

// gatedPublisher blocks every publish until release is closed.
type gatedPublisher struct {
	release chan struct{}

	mu   sync.Mutex
	keys []string
}

func (p *gatedPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	select {
	case <-p.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.mu.Lock()
	p.keys = append(p.keys, routingKey)
	p.mu.Unlock()
	return nil
}

func (p *gatedPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

func TestAsyncEmitterDoesNotWaitForBroker(t *testing.T) {
	pub := &gatedPublisher{release: make(chan struct{})}
	emitter := NewAsyncEventEmitter(pub, "bank_events", newTestLogger(), nil, 8)
	bank := &domain.ConnectedBank{InstitutionID: "ins_1", ItemID: "item-1"}

	started := time.Now()
	emitter.Emit(context.Background(), domain.RoutingKeyBankConnected, "u1", bank)
	emitter.Emit(context.Background(), domain.RoutingKeyBankUpdated, "u1", bank)
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("Emit blocked on a stalled broker for %s", elapsed)
	}

	close(pub.release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := emitter.Close(ctx); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	keys := pub.published()
	if len(keys) != 2 || keys[0] != domain.RoutingKeyBankConnected || keys[1] != domain.RoutingKeyBankUpdated {
		t.Fatalf("expected both events in order after Close, got %v", keys)
	}

	// Events after Close are dropped rather than panicking on a closed queue.
	emitter.Emit(context.Background(), domain.RoutingKeyBankDisconnected, "u1", bank)
}

func TestAsyncEmitterDropsWhenQueueFull(t *testing.T) {
	pub := &gatedPublisher{release: make(chan struct{})}

	var mu sync.Mutex
	var dropped int
	emitter := NewAsyncEventEmitter(pub, "bank_events", newTestLogger(), func(routingKey string, err error) {
		if errors.Is(err, ErrEventQueueFull) {
			mu.Lock()
			dropped++
			mu.Unlock()
		}
	}, 1)
	bank := &domain.ConnectedBank{InstitutionID: "ins_1"}

	// One event may be held by the worker and one by the queue; the rest overflow.
	for i := 0; i < 5; i++ {
		emitter.Emit(context.Background(), domain.RoutingKeyBankUpdated, "u1", bank)
	}

	close(pub.release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := emitter.Close(ctx); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if dropped < 3 {
		t.Fatalf("expected at least 3 dropped events, got %d", dropped)
	}
	if got := len(pub.published()) + dropped; got != 5 {
		t.Fatalf("every event must be either published or dropped, got %d", got)
	}
}

func TestCloseTimesOutOnStalledBroker(t *testing.T) {
	pub := &gatedPublisher{release: make(chan struct{})}
	defer close(pub.release)
	emitter := NewAsyncEventEmitter(pub, "bank_events", newTestLogger(), nil, 4)
	emitter.Emit(context.Background(), domain.RoutingKeyBankConnected, "u1", &domain.ConnectedBank{InstitutionID: "ins_1"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := emitter.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestSyncEmitterCloseIsNoop(t *testing.T) {
	emitter := NewEventEmitter(&publisherStub{}, "bank_events", newTestLogger(), nil)
	if err := emitter.Close(context.Background()); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
}
