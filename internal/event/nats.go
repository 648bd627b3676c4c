package event

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	subjectPrefix = "crm.events."
	queueGroup    = "crm-orchestrator"
)

// NATSBus carries events over NATS, one subject per event type. Subscriptions
// join a queue group so multiple engine instances share the work.
type NATSBus struct {
	conn *nats.Conn
}

func NewNATSBus(url string) (*NATSBus, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	log.Printf("Connected to NATS at %s", url)
	return &NATSBus{conn: conn}, nil
}

func (b *NATSBus) Publish(evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", evt.ID, err)
	}
	return b.conn.Publish(subjectPrefix+evt.Type, data)
}

func (b *NATSBus) PublishAfter(evt Event, delay time.Duration) error {
	if delay <= 0 {
		return b.Publish(evt)
	}
	time.AfterFunc(delay, func() {
		if err := b.Publish(evt); err != nil {
			log.Printf("Delayed publish error for %s: %v", evt.Type, err)
		}
	})
	return nil
}

func (b *NATSBus) Subscribe(eventType string, h Handler) error {
	_, err := b.conn.QueueSubscribe(subjectPrefix+eventType, queueGroup, func(msg *nats.Msg) {
		var evt Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			log.Printf("Dropping undecodable event on %s: %v", msg.Subject, err)
			return
		}
		if err := h(evt); err != nil {
			log.Printf("Event handler error for %s (%s): %v", evt.Type, evt.ID, err)
		}
	})
	return err
}

func (b *NATSBus) Close() {
	if b.conn != nil {
		b.conn.Drain()
	}
}
