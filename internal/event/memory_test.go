package event

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewMemoryBus()

	var hits int64
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Subscribe(TypeMessageReceived, func(Event) error {
			atomic.AddInt64(&hits, 1)
			return nil
		}))
	}
	require.NoError(t, b.Subscribe(TypeOrderCreated, func(Event) error {
		t.Error("handler for a different type must not run")
		return nil
	}))

	require.NoError(t, b.Publish(New(TypeMessageReceived, "ws1")))
	b.Drain()
	assert.EqualValues(t, 3, atomic.LoadInt64(&hits))
}

func TestPublishAfterDelays(t *testing.T) {
	b := NewMemoryBus()

	got := make(chan Event, 1)
	require.NoError(t, b.Subscribe(TypeAutomationResume, func(evt Event) error {
		got <- evt
		return nil
	}))

	evt := New(TypeAutomationResume, "ws1")
	start := time.Now()
	require.NoError(t, b.PublishAfter(evt, 30*time.Millisecond))

	select {
	case received := <-got:
		assert.Equal(t, evt.ID, received.ID)
		assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("delayed event never arrived")
	}
}

func TestPublishAfterZeroDelayIsImmediate(t *testing.T) {
	b := NewMemoryBus()

	got := make(chan Event, 1)
	require.NoError(t, b.Subscribe(TypeSessionStart, func(evt Event) error {
		got <- evt
		return nil
	}))

	require.NoError(t, b.PublishAfter(New(TypeSessionStart, "ws1"), 0))
	b.Drain()
	require.Len(t, got, 1)
}

func TestNewFillsIdentityFields(t *testing.T) {
	a := New(TypeMessageReceived, "ws1")
	b := New(TypeMessageReceived, "ws1")

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "ws1", a.WorkspaceID)
	assert.NotNil(t, a.Payload)
	assert.False(t, a.OccurredAt.IsZero())
}
