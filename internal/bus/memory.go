package bus

import (
	"errors"
	"sync"
)

// Memory is an in-process Bus used by tests and single-process runs.
// Each subscriber gets its own unbounded queue drained by a pump
// goroutine, so a slow consumer never drops or blocks publishers.
type Memory struct {
	mu     sync.Mutex
	subs   map[string][]*memSub
	closed bool
}

type memSub struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Message
	closed bool
	done   chan struct{}
	out    chan Message
}

func NewMemory() *Memory {
	return &Memory{subs: map[string][]*memSub{}}
}

func (m *Memory) Publish(topic string, payload []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("bus closed")
	}
	subs := make([]*memSub, len(m.subs[topic]))
	copy(subs, m.subs[topic])
	m.mu.Unlock()

	body := make([]byte, len(payload))
	copy(body, payload)
	for _, s := range subs {
		s.enqueue(Message{Topic: topic, Payload: body})
	}
	return nil
}

func (m *Memory) Subscribe(topic string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("bus closed")
	}
	s := &memSub{out: make(chan Message, 64), done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	m.subs[topic] = append(m.subs[topic], s)
	go s.pump()

	cancel := func() {
		m.mu.Lock()
		cur := m.subs[topic]
		for i, other := range cur {
			if other == s {
				m.subs[topic] = append(cur[:i], cur[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		s.close()
	}
	return NewSubscription(s.out, cancel), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var all []*memSub
	for _, subs := range m.subs {
		all = append(all, subs...)
	}
	m.subs = map[string][]*memSub{}
	m.mu.Unlock()

	for _, s := range all {
		s.close()
	}
	return nil
}

func (s *memSub) enqueue(msg Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, msg)
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *memSub) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *memSub) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		msg := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- msg:
		case <-s.done:
			return
		}
	}
}
