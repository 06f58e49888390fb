package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gridsim.dev/internal/bus"
)

// Client is a bus.Bus backed by a broker connection. Local fan-out goes
// through an in-process bus; the connection only carries topics this
// process subscribed to. The client redials with backoff and replays
// its subscriptions, so a manager restart costs messages (at-least-once
// overall) but not the session.
type Client struct {
	url string
	log *log.Logger

	local *bus.Memory

	mu      sync.Mutex
	ws      *websocket.Conn
	topics  map[string]int // topic -> live local subscription count
	closed  bool
	cancel  context.CancelFunc
	started sync.WaitGroup
}

func Dial(ctx context.Context, url string, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.Default()
	}
	c := &Client{
		url:    url,
		log:    logger,
		local:  bus.NewMemory(),
		topics: map[string]int{},
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	c.ws = ws

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.started.Add(1)
	go c.run(runCtx)
	return c, nil
}

func (c *Client) Publish(topic string, payload []byte) error {
	wire, err := json.Marshal(frame{Op: opPub, Topic: topic, Body: payload})
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("ws client closed")
	}
	if c.ws == nil {
		return errors.New("ws client disconnected")
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, wire)
}

func (c *Client) Subscribe(topic string) (*bus.Subscription, error) {
	inner, err := c.local.Subscribe(topic)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.topics[topic]++
	first := c.topics[topic] == 1
	c.mu.Unlock()
	if first {
		if err := c.sendControl(opSub, topic); err != nil {
			inner.Cancel()
			return nil, err
		}
	}

	cancel := func() {
		inner.Cancel()
		c.mu.Lock()
		c.topics[topic]--
		last := c.topics[topic] <= 0
		if last {
			delete(c.topics, topic)
		}
		c.mu.Unlock()
		if last {
			_ = c.sendControl(opUnsub, topic)
		}
	}
	return bus.NewSubscription(inner.C, cancel), nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	c.cancel()
	if ws != nil {
		_ = ws.Close()
	}
	c.started.Wait()
	return c.local.Close()
}

func (c *Client) sendControl(op, topic string) error {
	wire, err := json.Marshal(frame{Op: op, Topic: topic})
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.ws == nil {
		return errors.New("ws client disconnected")
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, wire)
}

func (c *Client) run(ctx context.Context) {
	defer c.started.Done()
	backoff := 500 * time.Millisecond
	for {
		c.mu.Lock()
		ws := c.ws
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		if ws != nil {
			c.readUntilError(ws)
			backoff = 500 * time.Millisecond
		}

		c.mu.Lock()
		c.ws = nil
		closed = c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 16*time.Second {
			backoff *= 2
		}
		c.redial(ctx)
	}
}

func (c *Client) readUntilError(ws *websocket.Conn) {
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(msg, &f); err != nil || f.Op != opPub {
			continue
		}
		if err := c.local.Publish(f.Topic, f.Body); err != nil {
			return
		}
	}
}

func (c *Client) redial(ctx context.Context) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		c.log.Printf("ws: redial %s: %v", c.url, err)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close()
		return
	}
	c.ws = ws
	topics := make([]string, 0, len(c.topics))
	for topic := range c.topics {
		topics = append(topics, topic)
	}
	c.mu.Unlock()

	// Replay subscriptions so the broker resumes routing to us.
	for _, topic := range topics {
		if err := c.sendControl(opSub, topic); err != nil {
			c.log.Printf("ws: resubscribe %s: %v", topic, err)
			return
		}
	}
	c.log.Printf("ws: reconnected to %s (%d topics)", c.url, len(topics))
}
