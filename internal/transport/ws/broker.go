// Package ws carries bus traffic over WebSocket. The manager process
// hosts a Broker wrapping its in-process bus; runner processes dial in
// with a Client that presents the same bus.Bus interface.
package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gridsim.dev/internal/bus"
)

// frame is the wire unit. op is "sub", "unsub" or "pub"; body carries
// the payload for "pub" only.
type frame struct {
	Op    string          `json:"op"`
	Topic string          `json:"topic"`
	Body  json.RawMessage `json:"body,omitempty"`
}

const (
	opSub   = "sub"
	opUnsub = "unsub"
	opPub   = "pub"
)

// Broker bridges remote connections onto a local bus. A publish from
// any side reaches local subscribers and every remote connection
// subscribed to the topic, except the one it arrived on.
type Broker struct {
	inner bus.Bus
	log   *log.Logger

	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*brokerConn]struct{}
	closed bool
}

type brokerConn struct {
	ws  *websocket.Conn
	out chan []byte

	mu     sync.Mutex
	topics map[string]struct{}
}

func NewBroker(inner bus.Bus, logger *log.Logger) *Broker {
	if logger == nil {
		logger = log.Default()
	}
	return &Broker{
		inner: inner,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		conns: map[*brokerConn]struct{}{},
	}
}

func (b *Broker) Publish(topic string, payload []byte) error {
	return b.deliver(topic, payload, nil)
}

func (b *Broker) Subscribe(topic string) (*bus.Subscription, error) {
	return b.inner.Subscribe(topic)
}

func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conns := make([]*brokerConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.conns = map[*brokerConn]struct{}{}
	b.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.Close()
	}
	return b.inner.Close()
}

func (b *Broker) deliver(topic string, payload []byte, origin *brokerConn) error {
	if err := b.inner.Publish(topic, payload); err != nil {
		return err
	}
	wire, err := json.Marshal(frame{Op: opPub, Topic: topic, Body: payload})
	if err != nil {
		return err
	}

	b.mu.Lock()
	conns := make([]*brokerConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		if c == origin || !c.subscribed(topic) {
			continue
		}
		select {
		case c.out <- wire:
		default:
			// Backpressure: a stalled remote drops rather than
			// wedging the manager. Runners resync via the next
			// full snapshot or a retry.
			b.log.Printf("ws: dropping %s frame for slow peer", topic)
		}
	}
	return nil
}

// Handler upgrades HTTP requests into bus bridge connections.
func (b *Broker) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		ws, err := b.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		c := &brokerConn{
			ws:     ws,
			out:    make(chan []byte, 256),
			topics: map[string]struct{}{},
		}
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			_ = ws.Close()
			return
		}
		b.conns[c] = struct{}{}
		b.mu.Unlock()

		done := make(chan struct{})
		go b.writeLoop(c, done)
		b.readLoop(c)
		close(done)

		b.mu.Lock()
		delete(b.conns, c)
		b.mu.Unlock()
		_ = ws.Close()
	}
}

func (b *Broker) writeLoop(c *brokerConn, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (b *Broker) readLoop(c *brokerConn) {
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(msg, &f); err != nil || f.Topic == "" {
			continue
		}
		switch f.Op {
		case opSub:
			c.setSubscribed(f.Topic, true)
		case opUnsub:
			c.setSubscribed(f.Topic, false)
		case opPub:
			if err := b.deliver(f.Topic, f.Body, c); err != nil {
				b.log.Printf("ws: relay %s: %v", f.Topic, err)
			}
		}
	}
}

func (c *brokerConn) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.topics[topic]
	return ok
}

func (c *brokerConn) setSubscribed(topic string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.topics[topic] = struct{}{}
	} else {
		delete(c.topics, topic)
	}
}
