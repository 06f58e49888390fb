// Package bus abstracts the topic pub/sub substrate carrying control and
// data plane traffic. Delivery is at-least-once per topic; consumers must
// deduplicate.
package bus

type Message struct {
	Topic   string
	Payload []byte
}

type Bus interface {
	Publish(topic string, payload []byte) error
	// Subscribe delivers every message published to the topic after the
	// call, in publish order, on the returned channel.
	Subscribe(topic string) (*Subscription, error)
	Close() error
}

type Subscription struct {
	C      <-chan Message
	cancel func()
}

func NewSubscription(c <-chan Message, cancel func()) *Subscription {
	return &Subscription{C: c, cancel: cancel}
}

func (s *Subscription) Cancel() {
	if s != nil && s.cancel != nil {
		s.cancel()
	}
}
