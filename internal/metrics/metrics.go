// Package metrics implements the Metrics Surface (spec.md §4.I): a
// periodic publisher reporting queue_length and processing_lag_ms per
// channel, backed by a pluggable Meter so the surface is a no-op when no
// meter is configured.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rat-data/pgpubsub/internal/postgres"
)

// Meter is the pluggable metrics sink a Publisher reports to. Kept as an
// interface (not a direct prometheus dependency in the publisher's
// contract) so a deployment can swap in any sink, or none.
type Meter interface {
	SetQueueLength(channel string, n int)
	SetProcessingLagMS(channel string, ms float64)
}

// NoopMeter discards every measurement — the default when no meter is
// configured (§4.I: "If no meter is configured, the surface is a no-op").
type NoopMeter struct{}

func (NoopMeter) SetQueueLength(string, int)         {}
func (NoopMeter) SetProcessingLagMS(string, float64) {}

// PrometheusMeter reports queue_length and processing_lag_ms as gauge
// vectors labeled by channel.
type PrometheusMeter struct {
	queueLength   *prometheus.GaugeVec
	processingLag *prometheus.GaugeVec
}

// DefaultPrefix is used when NewPrometheusMeter is given an empty prefix.
const DefaultPrefix = "pgpubsub"

// NewPrometheusMeter builds gauge vectors and registers them against reg.
// Taking a Registerer (rather than registering against the global
// prometheus.DefaultRegisterer in an init()) avoids double-registration
// panics when multiple tests in the same process construct a meter. prefix
// is prepended to both gauge names (spec.md §6: "metric-prefix string"),
// defaulting to DefaultPrefix when empty.
func NewPrometheusMeter(reg prometheus.Registerer, prefix string) (*PrometheusMeter, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}

	queueLength := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: prefix + "_queue_length",
		Help: "Count of stored notification rows not yet processed, by channel.",
	}, []string{"channel"})

	processingLag := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: prefix + "_processing_lag_ms",
		Help: "Milliseconds since the oldest unprocessed stored row was created, by channel.",
	}, []string{"channel"})

	if err := reg.Register(queueLength); err != nil {
		return nil, err
	}
	if err := reg.Register(processingLag); err != nil {
		return nil, err
	}

	return &PrometheusMeter{queueLength: queueLength, processingLag: processingLag}, nil
}

// SetQueueLength implements Meter.
func (m *PrometheusMeter) SetQueueLength(channel string, n int) {
	m.queueLength.WithLabelValues(channel).Set(float64(n))
}

// SetProcessingLagMS implements Meter.
func (m *PrometheusMeter) SetProcessingLagMS(channel string, ms float64) {
	m.processingLag.WithLabelValues(channel).Set(ms)
}

// StatsSource reads per-channel queue stats. FromStore builds one from
// *postgres.StoredNotificationStore.StatsByChannel.
type StatsSource func(ctx context.Context, channels []string) (map[string]ChannelStats, error)

// ChannelStats is one channel's queue snapshot.
type ChannelStats struct {
	QueueLength     int
	OldestPendingAt *time.Time
}

// FromStore adapts a *postgres.StoredNotificationStore into a StatsSource.
func FromStore(store *postgres.StoredNotificationStore) StatsSource {
	return func(ctx context.Context, channels []string) (map[string]ChannelStats, error) {
		raw, err := store.StatsByChannel(ctx, channels)
		if err != nil {
			return nil, err
		}
		out := make(map[string]ChannelStats, len(raw))
		for ch, s := range raw {
			out[ch] = ChannelStats{QueueLength: s.QueueLength, OldestPendingAt: s.OldestPendingAt}
		}
		return out, nil
	}
}

const defaultInterval = 15 * time.Second

// Publisher periodically reads queue stats and reports them to a Meter
// (§4.I: "Periodically (fixed interval), publishes..."). The read MUST NOT
// take row locks — StatsSource is expected to be backed by an independent
// read transaction (postgres.StoredNotificationStore.StatsByChannel is).
type Publisher struct {
	source   StatsSource
	meter    Meter
	channels []string
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPublisher builds a Publisher. interval defaults to 15s if zero.
func NewPublisher(source StatsSource, meter Meter, channels []string, interval time.Duration) *Publisher {
	if interval <= 0 {
		interval = defaultInterval
	}
	if meter == nil {
		meter = NoopMeter{}
	}
	return &Publisher{source: source, meter: meter, channels: channels, interval: interval}
}

// Start begins the periodic publish loop in a background goroutine,
// mirroring the teacher's ticker-driven background-goroutine shape.
func (p *Publisher) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.tick(ctx)
			}
		}
	}()
}

// Stop cancels the publish loop and waits for it to finish.
func (p *Publisher) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		<-p.done
	}
}

func (p *Publisher) tick(ctx context.Context) {
	if len(p.channels) == 0 {
		return
	}
	stats, err := p.source(ctx, p.channels)
	if err != nil {
		return
	}
	now := time.Now()
	for _, ch := range p.channels {
		s := stats[ch]
		p.meter.SetQueueLength(ch, s.QueueLength)
		lag := 0.0
		if s.OldestPendingAt != nil {
			lag = float64(now.Sub(*s.OldestPendingAt).Milliseconds())
		}
		p.meter.SetProcessingLagMS(ch, lag)
	}
}
