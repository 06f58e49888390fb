package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gridsim.dev/internal/bus"
	"gridsim.dev/internal/protocol"
	"gridsim.dev/internal/region"
)

// Register announces a runner to the manager and waits for the welcome
// carrying its assigned ID and the current region map. requestedID may
// be empty for a fresh runner, or a previous ID to reclaim after a
// restart. The request is resent on a timeout until the context ends.
func Register(ctx context.Context, b bus.Bus, requestedID string, caps protocol.Capabilities) (string, region.Map, uint64, error) {
	replyTo := protocol.TopicRegistry + "/" + uuid.NewString()
	sub, err := b.Subscribe(replyTo)
	if err != nil {
		return "", region.Map{}, 0, err
	}
	defer sub.Cancel()

	req := protocol.RegisterMsg{
		Kind:            protocol.KindRegister,
		ProtocolVersion: protocol.Version,
		RunnerID:        requestedID,
		ReplyTo:         replyTo,
		Capabilities:    caps,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", region.Map{}, 0, err
	}

	backoff := 500 * time.Millisecond
	for {
		if err := b.Publish(protocol.TopicRegistry, payload); err != nil {
			return "", region.Map{}, 0, err
		}
		select {
		case <-ctx.Done():
			return "", region.Map{}, 0, ctx.Err()
		case msg, ok := <-sub.C:
			if !ok {
				return "", region.Map{}, 0, fmt.Errorf("registration channel closed")
			}
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg.Payload, &w); err != nil {
				return "", region.Map{}, 0, err
			}
			if w.Code != "" {
				return "", region.Map{}, 0, fmt.Errorf("registration refused: %s: %s", w.Code, w.Message)
			}
			return w.RunnerID, region.FromWire(w.RegionMap), w.CurrentTick, nil
		case <-time.After(backoff):
			if backoff < 8*time.Second {
				backoff *= 2
			}
		}
	}
}
