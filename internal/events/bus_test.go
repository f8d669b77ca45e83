package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

// TestPublishSubscribe verifies basic publish/subscribe functionality.
func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicStage, 10)
	bus.Publish(TopicStage, StageStartedEvent{Task: intPtr(7), Stage: 2, Name: "Design", Timestamp: time.Now()})

	received := receive(t, ch)
	assert.Equal(t, "7", received.TaskID())
	assert.Equal(t, EventTypeStageStarted, received.EventType())
}

// TestEmit_UsesEventTopic verifies Emit routes by the event's own topic.
func TestEmit_UsesEventTopic(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	stageCh := bus.Subscribe(TopicStage, 10)
	taskCh := bus.Subscribe(TopicTask, 10)
	runCh := bus.Subscribe(TopicRun, 10)

	bus.Emit(StageFinishedEvent{Stage: 1, Success: true})
	bus.Emit(TaskStateEvent{Task: intPtr(3), From: StateSelecting, To: StateResearched})
	bus.Emit(RunFinishedEvent{RunID: "r", Completed: 1})

	assert.Equal(t, EventTypeStageFinished, receive(t, stageCh).EventType())
	assert.Equal(t, EventTypeTaskState, receive(t, taskCh).EventType())
	assert.Equal(t, EventTypeRunFinished, receive(t, runCh).EventType())

	for _, ch := range []<-chan Event{stageCh, taskCh, runCh} {
		select {
		case ev := <-ch:
			t.Errorf("unexpected extra event %s", ev.EventType())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// TestMultipleSubscribers verifies every subscriber receives the same event.
func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch1 := bus.Subscribe(TopicTask, 10)
	ch2 := bus.Subscribe(TopicTask, 10)

	bus.Emit(EvaluatedEvent{Task: 2, Attempt: 1, Score: 75})

	for _, ch := range []<-chan Event{ch1, ch2} {
		ev := receive(t, ch)
		assert.Equal(t, "2", ev.TaskID())
		assert.Equal(t, 75, ev.(EvaluatedEvent).Score)
	}
}

// TestNonBlockingSend verifies a full subscriber never blocks the publisher
// and that missed deliveries are counted.
func TestNonBlockingSend(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicStage, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Emit(StageStartedEvent{Stage: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publisher blocked")
	}

	assert.Equal(t, 0, receive(t, ch).(StageStartedEvent).Stage)
	assert.Equal(t, int64(9), bus.Dropped())
}

// TestCloseSignalsSubscribers verifies that closing the bus closes subscriber
// channels and that late subscribers get a closed channel.
func TestCloseSignalsSubscribers(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TopicTask, 10)
	all := bus.SubscribeAll(10)

	bus.Close()
	bus.Close()

	_, ok := <-ch
	assert.False(t, ok)
	_, ok = <-all
	assert.False(t, ok)

	_, ok = <-bus.Subscribe(TopicRun, 1)
	assert.False(t, ok)
}

// TestPublishAfterClose verifies publishing after close is a no-op.
func TestPublishAfterClose(t *testing.T) {
	bus := NewBus()
	bus.Close()

	assert.NotPanics(t, func() {
		bus.Emit(RunFinishedEvent{RunID: "r"})
	})
	assert.Zero(t, bus.Dropped())
}

// TestSubscribeAll verifies SubscribeAll receives events from all topics.
func TestSubscribeAll(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	allCh := bus.SubscribeAll(0)

	bus.Emit(StageStartedEvent{Stage: 0})
	bus.Emit(TaskStateEvent{To: StateFailed})
	bus.Emit(RunFinishedEvent{RunID: "r"})

	var types []string
	for i := 0; i < 3; i++ {
		types = append(types, receive(t, allCh).EventType())
	}
	assert.Equal(t, []string{EventTypeStageStarted, EventTypeTaskState, EventTypeRunFinished}, types)
}

func TestTaskID_Formatting(t *testing.T) {
	assert.Equal(t, "none", StageStartedEvent{}.TaskID())
	assert.Equal(t, "12", TaskStateEvent{Task: intPtr(12)}.TaskID())
	assert.Empty(t, RunFinishedEvent{}.TaskID())
}
