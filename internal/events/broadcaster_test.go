package events

import (
	"testing"
	"time"

	"pkt.systems/pickd/api"
	"pkt.systems/pickd/internal/clock"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := New(nil, clock.NewManual(time.Unix(1_700_000_000, 0)), nil)
	first := b.Subscribe(4)
	defer first.Close()
	second := b.Subscribe(4)
	defer second.Close()

	b.Publish(api.EventLockAcquired, map[string]any{"order_id": "1001"})

	for _, sub := range []*Subscription{first, second} {
		select {
		case event := <-sub.Events():
			if event.Type != api.EventLockAcquired {
				t.Fatalf("unexpected type %q", event.Type)
			}
			if event.ID == "" || event.Timestamp != 1_700_000_000 {
				t.Fatalf("unexpected envelope: %+v", event)
			}
			if event.Payload["order_id"] != "1001" {
				t.Fatalf("unexpected payload: %v", event.Payload)
			}
		default:
			t.Fatalf("subscriber did not receive the event")
		}
	}
}

func TestFullBufferDropsInsteadOfBlocking(t *testing.T) {
	b := New(nil, nil, nil)
	sub := b.Subscribe(1)
	defer sub.Close()

	b.Publish(api.EventPickingUpdate, nil)
	b.Publish(api.EventPickingUpdate, nil) // buffer full, must not block

	received := 0
	for {
		select {
		case <-sub.Events():
			received++
			continue
		default:
		}
		break
	}
	if received != 1 {
		t.Fatalf("expected exactly one delivered event, got %d", received)
	}
}

func TestNoBacklogForLateSubscribers(t *testing.T) {
	b := New(nil, nil, nil)
	b.Publish(api.EventLockAcquired, nil)

	sub := b.Subscribe(4)
	defer sub.Close()
	select {
	case event := <-sub.Events():
		t.Fatalf("late subscriber received backlog event %+v", event)
	default:
	}
}

func TestCloseIsIdempotentAndStopsDelivery(t *testing.T) {
	b := New(nil, nil, nil)
	sub := b.Subscribe(4)
	sub.Close()
	sub.Close()

	// Publishing after close must not panic on the closed channel.
	b.Publish(api.EventLockReleased, nil)

	if _, ok := <-sub.Events(); ok {
		t.Fatalf("expected closed events channel")
	}
}
