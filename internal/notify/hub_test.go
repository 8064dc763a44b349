package notify

import (
	"context"
	"testing"
	"time"
)

func TestHubWakesSubscriber(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe()
	defer cancel()

	hub.Notify(context.Background())

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected wake delivery")
	}
}

func TestHubCoalescesPendingWakes(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe()
	defer cancel()

	ctx := context.Background()
	hub.Notify(ctx)
	hub.Notify(ctx)
	hub.Notify(ctx)

	<-ch
	select {
	case <-ch:
		t.Fatal("expected coalesced delivery, got a second wake")
	default:
	}
}

func TestHubNotifyNeverBlocks(t *testing.T) {
	hub := NewHub()
	_, cancel := hub.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			hub.Notify(context.Background())
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on an unread subscriber")
	}
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe()
	cancel()

	if hub.SubscriberCount() != 0 {
		t.Fatalf("expected zero subscribers, got %d", hub.SubscriberCount())
	}
	hub.Notify(context.Background())
	select {
	case <-ch:
		t.Fatal("expected no delivery after cancel")
	default:
	}
}

func TestHubMultipleSubscribersAllWake(t *testing.T) {
	hub := NewHub()
	a, cancelA := hub.Subscribe()
	defer cancelA()
	b, cancelB := hub.Subscribe()
	defer cancelB()

	hub.Notify(context.Background())

	for name, ch := range map[string]<-chan struct{}{"a": a, "b": b} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s not woken", name)
		}
	}
}
