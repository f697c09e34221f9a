package events

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeAndPublish(t *testing.T) {
	m := NewManager(zerolog.Nop())

	ch, cancel := m.Subscribe("acme")
	defer cancel()

	m.Publish("acme", AlertRaised{AlertID: "a1", AlertType: "stockout_risk", Severity: "high"})

	select {
	case evt := <-ch:
		assert.Equal(t, "acme", evt.TenantID)
		assert.Equal(t, TypeAlertRaised, evt.Type)
		data, ok := evt.Data.(AlertRaised)
		require.True(t, ok)
		assert.Equal(t, "a1", data.AlertID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishIsTenantScoped(t *testing.T) {
	m := NewManager(zerolog.Nop())

	ch, cancel := m.Subscribe("acme")
	defer cancel()

	m.Publish("other", SyncCompleted{Adapter: "pos", Status: "completed"})

	select {
	case evt := <-ch:
		t.Fatalf("unexpected cross-tenant delivery: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	m := NewManager(zerolog.Nop())

	_, cancel := m.Subscribe("acme")
	defer cancel()

	done := make(chan struct{})
	go func() {
		// Nobody drains the subscriber; publishing past the buffer
		// must drop rather than stall.
		for i := 0; i < subscriberBuffer*2; i++ {
			m.Publish("acme", ForecastReady{Version: "v1", Horizon: 14, Count: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber buffer")
	}
}

func TestCancelUnsubscribes(t *testing.T) {
	m := NewManager(zerolog.Nop())

	ch, cancel := m.Subscribe("acme")
	assert.Equal(t, 1, m.SubscriberCount("acme"))

	cancel()
	assert.Equal(t, 0, m.SubscriberCount("acme"))

	_, open := <-ch
	assert.False(t, open)

	// Cancel is idempotent.
	cancel()
}

func TestMultipleSubscribers(t *testing.T) {
	m := NewManager(zerolog.Nop())

	ch1, cancel1 := m.Subscribe("acme")
	ch2, cancel2 := m.Subscribe("acme")
	defer cancel1()
	defer cancel2()

	m.Publish("acme", POCreated{POID: "po1", Quantity: 40})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			assert.Equal(t, TypePOCreated, evt.Type)
		case <-time.After(time.Second):
			t.Fatal("fan-out missed a subscriber")
		}
	}
}
