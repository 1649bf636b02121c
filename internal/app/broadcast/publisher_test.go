package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tle_arena/internal/domain/model"
)

type recorder struct {
	mu     sync.Mutex
	events []model.Event
	err    error
	delay  time.Duration
}

func (r *recorder) Publish(_ context.Context, ev model.Event) error {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recorder) snapshot() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Event(nil), r.events...)
}

func TestSequencerPerTopic(t *testing.T) {
	rec := &recorder{}
	seq := NewSequencer(rec)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, seq.Publish(ctx, model.NewRoomEvent("a", model.EventUserJoined, now, nil)))
	require.NoError(t, seq.Publish(ctx, model.NewRoomEvent("a", model.EventUserLeft, now, nil)))
	require.NoError(t, seq.Publish(ctx, model.NewRoomEvent("b", model.EventUserJoined, now, nil)))
	require.NoError(t, seq.Publish(ctx, model.NewGlobalEvent("a", model.EventRoomCreated, now, nil)))

	got := rec.snapshot()
	require.Len(t, got, 4)
	assert.EqualValues(t, 1, got[0].Seq)
	assert.EqualValues(t, 2, got[1].Seq)
	assert.EqualValues(t, 1, got[2].Seq)
	assert.EqualValues(t, 1, got[3].Seq)

	seq.Forget(model.RoomTopic("a"))
	require.NoError(t, seq.Publish(ctx, model.NewRoomEvent("a", model.EventUserJoined, now, nil)))
	assert.EqualValues(t, 1, rec.snapshot()[4].Seq)
}

// gatedPublisher blocks events of one topic until release is closed.
type gatedPublisher struct {
	topic   string
	blocked chan struct{}
	release chan struct{}
	next    Publisher
}

func (g *gatedPublisher) Publish(ctx context.Context, ev model.Event) error {
	if ev.Topic == g.topic {
		close(g.blocked)
		<-g.release
	}
	return g.next.Publish(ctx, ev)
}

func TestSequencerDoesNotBlockOtherTopics(t *testing.T) {
	rec := &recorder{}
	gate := &gatedPublisher{topic: model.RoomTopic("slow"), blocked: make(chan struct{}), release: make(chan struct{}), next: rec}
	seq := NewSequencer(gate)
	ctx := context.Background()
	now := time.Now()

	stuck := make(chan struct{})
	go func() {
		defer close(stuck)
		assert.NoError(t, seq.Publish(ctx, model.NewRoomEvent("slow", model.EventScoreUpdated, now, nil)))
	}()
	<-gate.blocked

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, seq.Publish(ctx, model.NewRoomEvent("fast", model.EventScoreUpdated, now, nil)))
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish on another room waited for a blocked topic")
	}
	close(gate.release)
	<-stuck

	got := rec.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, model.RoomTopic("fast"), got[0].Topic)
	assert.EqualValues(t, 1, got[1].Seq)
}

func TestFanoutContinuesAfterFailure(t *testing.T) {
	bad := &recorder{err: errors.New("down")}
	good := &recorder{}

	err := Fanout{bad, good}.Publish(context.Background(), model.NewGlobalEvent("r", model.EventRoomDeleted, time.Now(), nil))
	require.Error(t, err)
	assert.Len(t, bad.snapshot(), 1)
	assert.Len(t, good.snapshot(), 1)
}

func TestAsyncPublisherKeepsOrder(t *testing.T) {
	rec := &recorder{delay: time.Millisecond}
	async := NewAsyncPublisher("test", rec, 8)

	ctx := context.Background()
	for i := 1; i <= 20; i++ {
		ev := model.NewRoomEvent("r", model.EventScoreUpdated, time.Now(), nil)
		ev.Seq = uint64(i)
		require.NoError(t, async.Publish(ctx, ev))
	}
	async.Close()

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 20 }, 2*time.Second, 5*time.Millisecond)
	for i, ev := range rec.snapshot() {
		assert.EqualValues(t, i+1, ev.Seq)
	}

	assert.ErrorIs(t, async.Publish(ctx, model.Event{}), ErrClosed)
}
