package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Envelope is the JSON document published for each event.
type Envelope struct {
	Type  string          `json:"type"`
	Topic string          `json:"topic"`
	RunID string          `json:"run_id"`
	Data  json.RawMessage `json:"data"`
}

// Connect dials the NATS server at url.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("autopilot"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// Forwarder republishes bus events on NATS under
// <subject>.<run id>.<event type>.
type Forwarder struct {
	nc      *nats.Conn
	subject string
	logger  *zap.Logger
}

// NewForwarder creates a forwarder. An empty subject means "autopilot".
func NewForwarder(nc *nats.Conn, subject string, logger *zap.Logger) *Forwarder {
	if subject == "" {
		subject = "autopilot"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{nc: nc, subject: subject, logger: logger.Named("events")}
}

// Subject returns the NATS subject for event.
func (f *Forwarder) Subject(event Event) string {
	run := event.RunID()
	if run == "" {
		run = "_"
	}
	return fmt.Sprintf("%s.%s.%s", f.subject, run, event.EventType())
}

// Forward publishes one event.
func (f *Forwarder) Forward(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.EventType(), err)
	}
	payload, err := json.Marshal(Envelope{
		Type:  event.EventType(),
		Topic: TopicOf(event.EventType()),
		RunID: event.RunID(),
		Data:  data,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := f.nc.Publish(f.Subject(event), payload); err != nil {
		return fmt.Errorf("publish %s event: %w", event.EventType(), err)
	}
	return nil
}

// Run forwards events from ch until it is closed or ctx is done, then
// flushes. Publish failures are logged and skipped.
func (f *Forwarder) Run(ctx context.Context, ch <-chan Event) error {
	defer func() {
		if err := f.nc.FlushTimeout(2 * time.Second); err != nil {
			f.logger.Warn("flushing NATS connection", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			if err := f.Forward(event); err != nil {
				f.logger.Warn("dropping event", zap.String("type", event.EventType()), zap.Error(err))
			}
		}
	}
}
