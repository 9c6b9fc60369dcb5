package engine

import (
	"sync"

	"github.com/google/uuid"
)

// Subscription is one consumer's view of a broadcast stream. C is closed
// when the stream completes (engine stop) or the subscription is cancelled.
type Subscription[T any] struct {
	C      <-chan T
	cancel func()
}

// Cancel detaches the subscription and closes C.
func (s *Subscription[T]) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// fanout broadcasts values to any number of subscribers, each with an
// independent bounded queue. Publication never blocks the producer: a full
// queue drops per policy. With a key function, the drop victim is the oldest
// value superseded by a later one with the same key, so the latest value per
// key survives — when every queued key is unique the queue is allowed to run
// past its bound instead, capped by the number of distinct keys. Without a
// key function the plain oldest goes.
type fanout[T any] struct {
	mu     sync.Mutex
	subs   map[string]*busSub[T]
	key    func(T) string
	onDrop func()
	closed bool
}

type busSub[T any] struct {
	mu     sync.Mutex
	queue  []T
	max    int
	notify chan struct{}
	out    chan T
	quit   chan struct{}
	once   sync.Once
}

func newFanout[T any](key func(T) string, onDrop func()) *fanout[T] {
	return &fanout[T]{subs: make(map[string]*busSub[T]), key: key, onDrop: onDrop}
}

// publish enqueues v for every subscriber without blocking.
func (f *fanout[T]) publish(v T) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	subs := make([]*busSub[T], 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, s := range subs {
		s.mu.Lock()
		if len(s.queue) >= s.max {
			f.dropOneLocked(s, v)
		}
		s.queue = append(s.queue, v)
		s.mu.Unlock()
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
}

// dropOneLocked removes one element from a full queue per the drop policy.
// incoming is the value about to be appended. Caller holds s.mu.
func (f *fanout[T]) dropOneLocked(s *busSub[T], incoming T) {
	victim := 0
	if f.key != nil {
		victim = supersededVictim(s.queue, f.key, f.key(incoming))
		if victim < 0 {
			// Every queued entry is its key's only snapshot; dropping any
			// of them would lose a key for good. Let the queue exceed its
			// bound — growth is capped by the number of distinct keys.
			return
		}
	}
	s.queue = append(s.queue[:victim], s.queue[victim+1:]...)
	if f.onDrop != nil {
		f.onDrop()
	}
}

// supersededVictim picks the oldest entry whose key recurs later in the
// queue or matches the incoming value, so the most recent value per key is
// never dropped. Returns -1 when every key is unique and nothing is
// superseded.
func supersededVictim[T any](queue []T, key func(T) string, incomingKey string) int {
	for i := range queue {
		k := key(queue[i])
		if k == incomingKey {
			return i
		}
		for j := i + 1; j < len(queue); j++ {
			if key(queue[j]) == k {
				return i
			}
		}
	}
	return -1
}

// subscribe registers a consumer with the given queue bound.
func (f *fanout[T]) subscribe(buffer int) *Subscription[T] {
	if buffer < 1 {
		buffer = 1
	}
	s := &busSub[T]{
		max:    buffer,
		notify: make(chan struct{}, 1),
		out:    make(chan T),
		quit:   make(chan struct{}),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(s.out)
		return &Subscription[T]{C: s.out, cancel: func() {}}
	}
	id := uuid.NewString()
	f.subs[id] = s
	f.mu.Unlock()

	go s.pump()

	cancel := func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
		s.stop()
	}
	return &Subscription[T]{C: s.out, cancel: cancel}
}

func (s *busSub[T]) stop() {
	s.once.Do(func() { close(s.quit) })
}

// pump moves queued values to the out channel, blocking only on the
// consumer, never on the producer.
func (s *busSub[T]) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.quit:
			return
		case <-s.notify:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			v := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			select {
			case s.out <- v:
			case <-s.quit:
				return
			}
		}
	}
}

// close completes all subscriber streams.
func (f *fanout[T]) close() {
	f.mu.Lock()
	f.closed = true
	subs := f.subs
	f.subs = make(map[string]*busSub[T])
	f.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
}
