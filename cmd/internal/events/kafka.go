// Package events publishes session lifecycle events to Kafka so other
// services (token issuers, audit pipelines) learn that a device lost its slot.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"devicecap/cmd/internal/session"

	"github.com/segmentio/kafka-go"
)

// TypeSessionEnded is the value of the "type" header and payload field.
const TypeSessionEnded = "session_ended"

// Config selects the Kafka destination.
type Config struct {
	Brokers []string
	Topic   string

	// QueueSize bounds events waiting for the writer. Events beyond it are dropped.
	QueueSize int

	// WriteTimeout bounds one batch write.
	WriteTimeout time.Duration
}

// Enabled reports whether enough is configured to publish.
func (c Config) Enabled() bool {
	return len(c.Brokers) > 0 && strings.TrimSpace(c.Topic) != ""
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// sessionEndedMessage is the JSON value of every published message.
// The message key is the user id, so one user's events stay ordered.
type sessionEndedMessage struct {
	Type      string    `json:"type"`
	UserID    string    `json:"user_id"`
	DeviceID  string    `json:"device_id"`
	SessionID string    `json:"session_id,omitempty"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at,omitzero"`
}

// Publisher forwards session.Event values to a Kafka topic. SessionEnded never
// blocks: events are queued and written by Run.
type Publisher struct {
	log     *slog.Logger
	w       messageWriter
	timeout time.Duration

	queue chan session.Event

	started   atomic.Bool
	stopped   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

var _ session.Notifier = (*Publisher)(nil)

// NewPublisher builds a Publisher backed by a kafka.Writer.
func NewPublisher(log *slog.Logger, cfg Config) (*Publisher, error) {
	if !cfg.Enabled() {
		return nil, errors.New("events: kafka brokers and topic are required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           50 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: false,
	}
	return newPublisher(log, w, cfg), nil
}

func newPublisher(log *slog.Logger, w messageWriter, cfg Config) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Publisher{
		log:     log,
		w:       w,
		timeout: cfg.WriteTimeout,
		queue:   make(chan session.Event, cfg.QueueSize),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// SessionEnded implements session.Notifier.
func (p *Publisher) SessionEnded(ctx context.Context, ev session.Event) {
	select {
	case <-p.done:
		return
	default:
	}

	select {
	case p.queue <- ev:
	default:
		p.log.WarnContext(ctx, "events.drop",
			"reason", "queue_full",
			"user_id", ev.UserID,
			"device_id", ev.DeviceID,
		)
	}
}

// Run writes queued events until ctx is done or Close is called, then flushes
// what is left with a fresh timeout.
func (p *Publisher) Run(ctx context.Context) error {
	p.started.Store(true)
	defer close(p.stopped)

	for {
		select {
		case ev := <-p.queue:
			p.write(ctx, p.batch(ev))
		case <-ctx.Done():
			p.flush()
			return nil
		case <-p.done:
			p.flush()
			return nil
		}
	}
}

// batch collects ev plus whatever is already queued.
func (p *Publisher) batch(ev session.Event) []kafka.Message {
	msgs := []kafka.Message{toMessage(ev)}
	for {
		select {
		case next := <-p.queue:
			msgs = append(msgs, toMessage(next))
		default:
			return msgs
		}
	}
}

func (p *Publisher) flush() {
	for {
		select {
		case ev := <-p.queue:
			p.write(context.Background(), p.batch(ev))
		default:
			return
		}
	}
}

func (p *Publisher) write(ctx context.Context, msgs []kafka.Message) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	if err := p.w.WriteMessages(ctx, msgs...); err != nil {
		p.log.Error("events.write.fail", "count", len(msgs), "err", err)
		return
	}
	p.log.Debug("events.write", "count", len(msgs))
}

// Close stops Run, waits for its final flush, and releases the writer.
// Safe to call more than once.
func (p *Publisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		if p.started.Load() {
			<-p.stopped
		}
		err = p.w.Close()
	})
	return err
}

func toMessage(ev session.Event) kafka.Message {
	// Marshalling a struct of strings and a time cannot fail.
	value, _ := json.Marshal(sessionEndedMessage{
		Type:      TypeSessionEnded,
		UserID:    ev.UserID,
		DeviceID:  ev.DeviceID,
		SessionID: ev.SessionID,
		Status:    string(ev.Status),
		Reason:    string(ev.Reason),
		At:        ev.At.UTC(),
	})
	return kafka.Message{
		Key:     []byte(ev.UserID),
		Value:   value,
		Headers: []kafka.Header{{Key: "type", Value: []byte(TypeSessionEnded)}},
		Time:    ev.At,
	}
}
