package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/missionkit/missiond/internal/core"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	t.Parallel()
	bus := New()
	ctx := context.Background()

	ch1, cancel1 := bus.Subscribe(ctx)
	defer cancel1()
	ch2, cancel2 := bus.Subscribe(ctx)
	defer cancel2()

	bus.Publish(core.NewEvent(core.EventRunStarted).WithRun("r1"))

	for _, ch := range []<-chan core.Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, core.EventRunStarted, ev.Type)
			assert.Equal(t, "r1", ev.RunID)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	t.Parallel()
	bus := New()

	ch, cancel := bus.Subscribe(context.Background())
	defer cancel()

	// Never drain; overflow the mailbox.
	for i := 0; i < mailboxSize+1; i++ {
		bus.Publish(core.NewEvent(core.EventNodeStarted))
	}
	assert.Equal(t, 0, bus.SubscriberCount())

	// Channel closed after the drop; drain the buffered events first.
	received := 0
	for range ch {
		received++
	}
	assert.Equal(t, mailboxSize, received)
}

func TestCanceledSubscriberIsRemoved(t *testing.T) {
	t.Parallel()
	bus := New()
	ctx, cancel := context.WithCancel(context.Background())

	_, subCancel := bus.Subscribe(ctx)
	defer subCancel()
	require.Equal(t, 1, bus.SubscriberCount())

	cancel()
	bus.Publish(core.NewEvent(core.EventRunCompleted))
	assert.Equal(t, 0, bus.SubscriberCount())
}
