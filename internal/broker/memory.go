package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type message struct {
	key     string
	payload []byte
	attempt int
}

type memQueue struct {
	mu       sync.Mutex
	items    []message
	ready    chan struct{}
	inflight int
	acked    int
}

func newMemQueue() *memQueue {
	return &memQueue{ready: make(chan struct{}, 1)}
}

func (q *memQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *memQueue) push(m message) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()
	q.signal()
}

// Memory is an in-process broker for mock mode and tests. Unacked messages
// are lost on restart.
type Memory struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	closed chan struct{}
	once   sync.Once
	timers map[*time.Timer]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		queues: make(map[string]*memQueue),
		closed: make(chan struct{}),
		timers: make(map[*time.Timer]struct{}),
	}
}

func (m *Memory) queue(name string) *memQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		q = newMemQueue()
		m.queues[name] = q
	}
	return q
}

func (m *Memory) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

func (m *Memory) Publish(ctx context.Context, queue, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.isClosed() {
		return ErrClosed
	}
	m.queue(queue).push(message{key: key, payload: append([]byte(nil), payload...), attempt: 1})
	return nil
}

func (m *Memory) Consume(_ context.Context, queue string) (Subscription, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	return &memSubscription{broker: m, q: m.queue(queue), done: make(chan struct{})}, nil
}

// Close drops messages still waiting out a requeue delay.
func (m *Memory) Close() error {
	m.once.Do(func() {
		close(m.closed)
		m.mu.Lock()
		for t := range m.timers {
			t.Stop()
		}
		m.timers = nil
		m.mu.Unlock()
	})
	return nil
}

func (m *Memory) after(delay time.Duration, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timers == nil {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, t)
		m.mu.Unlock()
		fn()
	})
	m.timers[t] = struct{}{}
}

// Pending returns the number of messages waiting in queue.
func (m *Memory) Pending(queue string) int {
	q := m.queue(queue)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Inflight returns the number of delivered but unsettled messages.
func (m *Memory) Inflight(queue string) int {
	q := m.queue(queue)
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight
}

// Acked returns how many messages of queue were acked.
func (m *Memory) Acked(queue string) int {
	q := m.queue(queue)
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.acked
}

// Messages returns a snapshot of the payloads waiting in queue.
func (m *Memory) Messages(queue string) [][]byte {
	q := m.queue(queue)
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([][]byte, len(q.items))
	for i, it := range q.items {
		out[i] = append([]byte(nil), it.payload...)
	}
	return out
}

type memSubscription struct {
	broker *Memory
	q      *memQueue
	done   chan struct{}
	once   sync.Once
}

func (s *memSubscription) Next(ctx context.Context) (Delivery, error) {
	for {
		s.q.mu.Lock()
		if len(s.q.items) > 0 {
			msg := s.q.items[0]
			s.q.items = s.q.items[1:]
			s.q.inflight++
			more := len(s.q.items) > 0
			s.q.mu.Unlock()
			if more {
				s.q.signal()
			}
			return &memDelivery{broker: s.broker, q: s.q, msg: msg}, nil
		}
		s.q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, ErrClosed
		case <-s.broker.closed:
			return nil, ErrClosed
		case <-s.q.ready:
		}
	}
}

func (s *memSubscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

type memDelivery struct {
	broker  *Memory
	q       *memQueue
	msg     message
	mu      sync.Mutex
	settled bool
}

func (d *memDelivery) Key() string     { return d.msg.key }
func (d *memDelivery) Payload() []byte { return d.msg.payload }
func (d *memDelivery) Attempt() int    { return d.msg.attempt }

func (d *memDelivery) settle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return fmt.Errorf("delivery of %s already settled", d.msg.key)
	}
	d.settled = true
	return nil
}

func (d *memDelivery) Ack(context.Context) error {
	if err := d.settle(); err != nil {
		return err
	}
	d.q.mu.Lock()
	d.q.inflight--
	d.q.acked++
	d.q.mu.Unlock()
	return nil
}

func (d *memDelivery) Requeue(_ context.Context, delay time.Duration) error {
	if err := d.settle(); err != nil {
		return err
	}
	next := d.msg
	next.attempt++
	d.q.mu.Lock()
	d.q.inflight--
	d.q.mu.Unlock()

	if delay <= 0 {
		d.q.push(next)
		return nil
	}
	d.broker.after(delay, func() { d.q.push(next) })
	return nil
}

func (m *Memory) Ping(context.Context) error {
	if m.isClosed() {
		return ErrClosed
	}
	return nil
}
