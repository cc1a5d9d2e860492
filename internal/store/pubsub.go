package store

import (
	"context"
	"path"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// Subscription delivers messages until closed or until its context ends.
type Subscription interface {
	Channel() <-chan *Message
	Close() error
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan *Message
	once   sync.Once
}

func newRedisSubscription(ctx context.Context, pubsub *redis.PubSub) *redisSubscription {
	s := &redisSubscription{pubsub: pubsub, out: make(chan *Message, 100)}
	go func() {
		defer close(s.out)
		in := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				s.Close()
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case s.out <- &Message{Channel: msg.Channel, Payload: msg.Payload}:
				default:
					// slow consumer, drop
				}
			}
		}
	}()
	return s
}

func (s *redisSubscription) Channel() <-chan *Message {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() { err = s.pubsub.Close() })
	return err
}

// memorySubscription is the in-process counterpart of a Redis PSUBSCRIBE.
type memorySubscription struct {
	patterns []string
	msgChan  chan *Message
	closeCh  chan struct{}
	closed   bool
	mu       sync.RWMutex
}

func newMemorySubscription(patterns []string) *memorySubscription {
	return &memorySubscription{
		patterns: patterns,
		msgChan:  make(chan *Message, 100),
		closeCh:  make(chan struct{}),
	}
}

func (m *memorySubscription) Channel() <-chan *Message {
	return m.msgChan
}

func (m *memorySubscription) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		close(m.closeCh)
		close(m.msgChan)
	}
	return nil
}

// matches uses glob patterns, which cover the Redis pattern syntax used here.
func (m *memorySubscription) matches(channel string) bool {
	for _, p := range m.patterns {
		if ok, _ := path.Match(p, channel); ok {
			return true
		}
	}
	return false
}

// deliver sends without blocking; full buffers drop the message.
func (m *memorySubscription) deliver(msg *Message) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed || !m.matches(msg.Channel) {
		return
	}
	select {
	case m.msgChan <- msg:
	default:
	}
}

// PubSubHub fans in-process publishes out to pattern subscribers.
type PubSubHub struct {
	subscribers map[*memorySubscription]struct{}
	mu          sync.RWMutex
}

func NewPubSubHub() *PubSubHub {
	return &PubSubHub{
		subscribers: make(map[*memorySubscription]struct{}),
	}
}

func (h *PubSubHub) Subscribe(ctx context.Context, patterns ...string) Subscription {
	sub := newMemorySubscription(patterns)

	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.closeCh:
		}

		h.mu.Lock()
		delete(h.subscribers, sub)
		h.mu.Unlock()
	}()

	return sub
}

func (h *PubSubHub) Publish(channel, payload string) {
	h.mu.RLock()
	subs := make([]*memorySubscription, 0, len(h.subscribers))
	for sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	msg := &Message{Channel: channel, Payload: payload}
	for _, sub := range subs {
		sub.deliver(msg)
	}
}
