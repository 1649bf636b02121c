// Package broadcast delivers room and room-list events to subscribers.
//
// Callers publish while holding the room lock, so every Publisher here must
// preserve call order for a topic and must not block on slow consumers for
// long. Slow transports sit behind an AsyncPublisher.
package broadcast

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"tle_arena/internal/domain/model"
	"tle_arena/internal/platform/logger"
	"tle_arena/internal/platform/metrics"
)

var ErrClosed = errors.New("publisher closed")

type Publisher interface {
	Publish(ctx context.Context, ev model.Event) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, model.Event) error { return nil }

// Fanout publishes to every transport in order. One failing transport does not
// stop the others.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev model.Event) error {
	var err error
	for _, p := range f {
		err = multierr.Append(err, p.Publish(ctx, ev))
	}
	return err
}

// Sequencer stamps a per-topic sequence number so subscribers can drop
// duplicates of an at-least-once delivery. Each topic has its own lock held
// across the downstream publish, so seq order is delivery order within a
// topic while different rooms never wait on each other.
type Sequencer struct {
	mu     sync.Mutex // guards topics only
	next   Publisher
	topics map[string]*topicSeq
}

type topicSeq struct {
	mu  sync.Mutex
	seq uint64
}

func NewSequencer(next Publisher) *Sequencer {
	return &Sequencer{next: next, topics: make(map[string]*topicSeq)}
}

func (s *Sequencer) topic(name string) *topicSeq {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topics[name]
	if !ok {
		t = &topicSeq{}
		s.topics[name] = t
	}
	return t
}

func (s *Sequencer) Publish(ctx context.Context, ev model.Event) error {
	t := s.topic(ev.Topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	ev.Seq = t.seq
	return s.next.Publish(ctx, ev)
}

// Forget drops the counter of a topic that will never be used again.
func (s *Sequencer) Forget(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.topics, topic)
}

// AsyncPublisher hands events to a slow transport from a single goroutine,
// keeping FIFO order.
type AsyncPublisher struct {
	name  string
	next  Publisher
	queue chan model.Event
	done  chan struct{}
	once  sync.Once
	log   *zap.SugaredLogger
}

func NewAsyncPublisher(name string, next Publisher, buffer int) *AsyncPublisher {
	if buffer <= 0 {
		buffer = 256
	}
	a := &AsyncPublisher{
		name:  name,
		next:  next,
		queue: make(chan model.Event, buffer),
		done:  make(chan struct{}),
		log:   logger.NewNamedLogger("broadcast." + name),
	}
	go a.loop()
	return a
}

func (a *AsyncPublisher) Publish(ctx context.Context, ev model.Event) error {
	select {
	case <-a.done:
		return ErrClosed
	default:
	}
	select {
	case a.queue <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return ErrClosed
	}
}

func (a *AsyncPublisher) loop() {
	for {
		select {
		case ev := <-a.queue:
			a.forward(ev)
		case <-a.done:
			// drain what was accepted before Close
			for {
				select {
				case ev := <-a.queue:
					a.forward(ev)
				default:
					return
				}
			}
		}
	}
}

func (a *AsyncPublisher) forward(ev model.Event) {
	if err := a.next.Publish(context.Background(), ev); err != nil {
		metrics.BroadcastErrors.WithLabelValues(a.name).Inc()
		a.log.Warnw("publish failed", "topic", ev.Topic, "type", ev.Type, "seq", ev.Seq, "error", err)
	}
}

// Close stops accepting events. Events already queued are still delivered.
func (a *AsyncPublisher) Close() {
	a.once.Do(func() { close(a.done) })
}
