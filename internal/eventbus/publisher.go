// Package eventbus fans out alerts and block actions onto NATS JetStream
// for downstream consumers. Every publish is best-effort: a broker hiccup
// is logged and swallowed rather than ever blocking the analysis path.
package eventbus

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/atailh4n/sentryd/pkg/models"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	streamAlerts = "SENTRYD_ALERTS"
	streamBlocks = "SENTRYD_BLOCKS"

	subjectAlerts = "sentryd.alerts.>"
	subjectBlocks = "sentryd.blocks.>"
)

// Publisher wraps a NATS connection and JetStream context.
type Publisher struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect dials every URL in order until one succeeds.
func Connect(urls []string) (*Publisher, error) {
	lastErr := nats.ErrNoServers
	for _, url := range urls {
		nc, err := nats.Connect(url, nats.Name("sentryd"), nats.MaxReconnects(5), nats.ReconnectWait(2*time.Second))
		if err != nil {
			lastErr = err
			continue
		}
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, err
		}
		return &Publisher{nc: nc, js: js}, nil
	}
	return nil, lastErr
}

// Close releases the underlying connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

// EnsureStreams creates the alert/block streams if they do not already
// exist. Safe to call repeatedly.
func (p *Publisher) EnsureStreams(ctx context.Context) error {
	if _, err := p.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamAlerts,
		Subjects:  []string{subjectAlerts},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
		MaxAge:    7 * 24 * time.Hour,
	}); err != nil {
		return err
	}
	_, err := p.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamBlocks,
		Subjects:  []string{subjectBlocks},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
		MaxAge:    30 * 24 * time.Hour,
	})
	return err
}

// PublishAlert publishes a, best-effort. Failures are logged, never
// returned to the analysis path.
func (p *Publisher) PublishAlert(ctx context.Context, a models.Alert) {
	p.publish(ctx, "sentryd.alerts."+string(a.Kind), a)
}

// PublishBlock publishes b, best-effort.
func (p *Publisher) PublishBlock(ctx context.Context, b models.BlockAction) {
	p.publish(ctx, "sentryd.blocks."+string(b.Action), b)
}

func (p *Publisher) publish(ctx context.Context, subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("eventbus: marshal failed for %s: %v", subject, err)
		return
	}
	if _, err := p.js.PublishAsync(subject, data); err != nil {
		log.Printf("eventbus: publish failed for %s: %v", subject, err)
	}
}
