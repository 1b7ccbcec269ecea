package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/sessionhub/internal/common/constants"
	"github.com/kandev/sessionhub/internal/common/logger"
)

func newTestBus(t *testing.T) *MemoryEventBus {
	b := NewMemoryEventBus(logger.NewNop())
	t.Cleanup(b.Close)
	return b
}

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern, subject string
		want             bool
	}{
		{"agent.notify.u1", "agent.notify.u1", true},
		{"agent.notify.u1", "agent.notify.u2", false},
		{"agent.notify.*", "agent.notify.u1", true},
		{"agent.notify.*", "agent.notify.u1.extra", false},
		{"agent.*.u1", "agent.notify.u1", true},
		{"agent.>", "agent.notify.u1.extra", true},
		{"agent.>", "agent", false},
		{"session.>", "agent.notify.u1", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Match(tc.pattern, tc.subject), "%s vs %s", tc.pattern, tc.subject)
	}
}

func TestValidateSubject(t *testing.T) {
	assert.NoError(t, validateSubject("agent.>", true))
	assert.Error(t, validateSubject("agent.>", false))
	assert.Error(t, validateSubject("agent.>.u1", true))
	assert.Error(t, validateSubject("agent..u1", true))
	assert.Error(t, validateSubject("", true))
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	b := newTestBus(t)
	received := make(chan *Event, 1)

	sub, err := b.Subscribe("agent.notify.u1", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "agent.notify.u1", sub.Subject())
	defer func() { _ = sub.Unsubscribe() }()

	event := NewEvent("agent.started", "u1", map[string]interface{}{"k": "v"})
	require.NoError(t, b.Publish(context.Background(), "agent.notify.u1", event))

	select {
	case e := <-received:
		assert.Equal(t, event.ID, e.ID)
		assert.Equal(t, "u1", e.UserID)
		assert.Equal(t, constants.EventSource, e.Source)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestMemoryEventBus_Wildcards(t *testing.T) {
	b := newTestBus(t)
	var single, multi atomic.Int32

	_, err := b.Subscribe("agent.notify.*", func(ctx context.Context, e *Event) error {
		single.Add(1)
		return nil
	})
	require.NoError(t, err)
	_, err = b.Subscribe("agent.>", func(ctx context.Context, e *Event) error {
		multi.Add(1)
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "agent.notify.u1", NewEvent("t", "u1", nil)))
	require.NoError(t, b.Publish(ctx, "agent.notify.u1.extra", NewEvent("t", "u1", nil)))
	assert.Error(t, b.Publish(ctx, "agent.*", NewEvent("t", "u1", nil)))

	assert.Eventually(t, func() bool {
		return single.Load() == 1 && multi.Load() == 2
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryEventBus_HandlerPanicIsContained(t *testing.T) {
	b := newTestBus(t)
	var delivered atomic.Int32

	_, err := b.Subscribe("x", func(ctx context.Context, e *Event) error {
		panic("boom")
	})
	require.NoError(t, err)
	_, err = b.Subscribe("x", func(ctx context.Context, e *Event) error {
		delivered.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "x", NewEvent("t", "", nil)))
	assert.Eventually(t, func() bool { return delivered.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestMemoryEventBus_CloseWaitsForHandlers(t *testing.T) {
	b := NewMemoryEventBus(logger.NewNop())
	var finished atomic.Bool

	_, err := b.Subscribe("x", func(ctx context.Context, e *Event) error {
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), "x", NewEvent("t", "", nil)))

	b.Close()
	assert.True(t, finished.Load())
}

func TestMemoryEventBus_UnsubscribeAndClose(t *testing.T) {
	b := NewMemoryEventBus(logger.NewNop())
	var count atomic.Int32

	sub, err := b.Subscribe("x", func(ctx context.Context, e *Event) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "x", NewEvent("t", "", nil)))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), count.Load())

	b.Close()
	b.Close()
	assert.False(t, b.IsConnected())
	assert.ErrorIs(t, b.Publish(context.Background(), "x", NewEvent("t", "", nil)), ErrClosed)
	_, err = b.Subscribe("x", func(ctx context.Context, e *Event) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEventCodec(t *testing.T) {
	in := NewEvent("session.created", "u1", map[string]interface{}{"agents": 2.0})
	raw, err := encodeEvent(in)
	require.NoError(t, err)

	out, err := decodeEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, "u1", out.UserID)
	assert.Equal(t, 2.0, out.Data["agents"])

	_, err = encodeEvent(&Event{})
	assert.Error(t, err)
	_, err = decodeEvent([]byte(`{"id":"x"}`))
	assert.Error(t, err)
}
