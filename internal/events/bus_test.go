package events

import (
	"sync"
	"testing"
	"time"
)

func TestSubscribeReceivesMatchingType(t *testing.T) {
	bus := NewBus()
	received := make(chan Event, 1)

	bus.Subscribe(EventBarClosed, func(e Event) {
		received <- e
	})

	bus.PublishBarClosed("BTCUSDT", 1000, 50000)

	select {
	case e := <-received:
		if e.Type != EventBarClosed {
			t.Errorf("type = %s", e.Type)
		}
		if e.Data["close"] != 50000.0 {
			t.Errorf("close = %v", e.Data["close"])
		}
		if e.Timestamp.IsZero() {
			t.Error("timestamp should be stamped on publish")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the event")
	}
}

func TestSubscribeIgnoresOtherTypes(t *testing.T) {
	bus := NewBus()
	received := make(chan Event, 1)

	bus.Subscribe(EventTradeExecuted, func(e Event) {
		received <- e
	})

	bus.PublishPriceUpdate("BTCUSDT", 50000)

	select {
	case <-received:
		t.Fatal("subscriber received an event of the wrong type")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	var seen []EventType
	done := make(chan struct{}, 3)

	bus.SubscribeAll(func(e Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
		done <- struct{}{}
	})

	bus.PublishStateChanged("IDLE", "ABOVE_UPPER", 50000)
	bus.PublishTradeExecuted("BTCUSDT", "SELL", 0.1, 50000, 2.5, 0)
	bus.PublishError("feed", "socket closed", nil)

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("all-subscriber received %d of 3 events", i)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Errorf("seen = %v", seen)
	}
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	bus := NewBus()
	release := make(chan struct{})

	bus.Subscribe(EventPriceUpdate, func(e Event) {
		<-release
	})

	start := time.Now()
	bus.PublishPriceUpdate("BTCUSDT", 50000)
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("publish blocked for %v", elapsed)
	}
	close(release)
}
