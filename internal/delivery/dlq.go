package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"
)

const (
	DLQType         = "sync.dlq"
	DefaultDLQTopic = "sync_dlq"
)

type DeadLetter struct {
	Type       string `json:"type"`    // "sync.dlq"
	Version    string `json:"version"` // schema version
	At         string `json:"at"`      // RFC3339 time the dead letter was emitted
	Reason     string `json:"reason"`  // syncerr reason code
	Attempt    int    `json:"attempt"` // attempt count when dropped
	HTTPStatus int    `json:"http_status,omitempty"`
	LastError  string `json:"last_error,omitempty"`
	Task       Task   `json:"task"` // job snapshot
}

func NewDeadLetter(t Task, at time.Time, httpStatus int, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:       DLQType,
		Version:    "v1",
		At:         at.UTC().Format(time.RFC3339Nano),
		Reason:     reason,
		Attempt:    t.Attempt,
		HTTPStatus: httpStatus,
		LastError:  lastErr,
		Task:       t,
	}
}

// Publisher hands dead letters to whatever watches for them.
type Publisher interface {
	PublishDeadLetter(ctx context.Context, dl DeadLetter) error
	Stop()
}

// NopPublisher drops dead letters. Used when no nsqd is configured.
type NopPublisher struct{}

func (NopPublisher) PublishDeadLetter(context.Context, DeadLetter) error { return nil }
func (NopPublisher) Stop()                                               {}

type nsqProducer interface {
	Publish(topic string, body []byte) error
	Stop()
}

// NSQPublisher publishes dead letters to an nsqd topic.
type NSQPublisher struct {
	producer nsqProducer
	topic    string
}

// NewNSQPublisher connects a producer to nsqdAddr.
func NewNSQPublisher(nsqdAddr, topic string) (*NSQPublisher, error) {
	if topic == "" {
		topic = DefaultDLQTopic
	}
	prod, err := nsq.NewProducer(nsqdAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer for %s: %w", nsqdAddr, err)
	}
	return &NSQPublisher{producer: prod, topic: topic}, nil
}

func (p *NSQPublisher) Topic() string { return p.topic }

func (p *NSQPublisher) PublishDeadLetter(ctx context.Context, dl DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := p.producer.Publish(p.topic, b); err != nil {
		return fmt.Errorf("publish to %s: %w", p.topic, err)
	}
	return nil
}

// Ping checks the producer connection.
func (p *NSQPublisher) Ping(ctx context.Context) error {
	if pinger, ok := p.producer.(interface{ Ping() error }); ok {
		return pinger.Ping()
	}
	return nil
}

func (p *NSQPublisher) Stop() { p.producer.Stop() }
