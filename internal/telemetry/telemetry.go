// Package telemetry holds the OpenTelemetry instruments of the memory bus.
//
// Instruments come from the global meter provider unless one is passed
// explicitly, so nothing is exported until the host installs a provider.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/HendryAvila/membus"

// Metrics groups every instrument the bus records to. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	writes       metric.Int64Counter
	writeLatency metric.Float64Histogram
	reads        metric.Int64Counter
	readLatency  metric.Float64Histogram
	escalations  metric.Int64Counter
	syncJobs     metric.Int64Counter
	syncLag      metric.Float64Histogram
	backpressure metric.Int64Counter
	desyncs      metric.Int64Counter
	rebuilds     metric.Int64Counter
	incidents    metric.Int64Counter
}

var msBuckets = metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 200, 300, 500, 1000, 2500, 5000)

// New creates the instruments on meter. A nil meter uses the global
// provider.
func New(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m := &Metrics{}
	var err error

	if m.writes, err = meter.Int64Counter("membus.writes",
		metric.WithDescription("Write requests by operation and outcome"),
		metric.WithUnit("{write}"),
	); err != nil {
		return nil, err
	}
	if m.writeLatency, err = meter.Float64Histogram("membus.write.duration",
		metric.WithDescription("Write latency until the document store commit"),
		metric.WithUnit("ms"), msBuckets,
	); err != nil {
		return nil, err
	}
	if m.reads, err = meter.Int64Counter("membus.reads",
		metric.WithDescription("Read requests by answering level and outcome"),
		metric.WithUnit("{read}"),
	); err != nil {
		return nil, err
	}
	if m.readLatency, err = meter.Float64Histogram("membus.read.duration",
		metric.WithDescription("Read cascade latency"),
		metric.WithUnit("ms"), msBuckets,
	); err != nil {
		return nil, err
	}
	if m.escalations, err = meter.Int64Counter("membus.read.escalations",
		metric.WithDescription("Read cascade escalations between levels"),
		metric.WithUnit("{escalation}"),
	); err != nil {
		return nil, err
	}
	if m.syncJobs, err = meter.Int64Counter("membus.sync.jobs",
		metric.WithDescription("Finished sync jobs by outcome"),
		metric.WithUnit("{job}"),
	); err != nil {
		return nil, err
	}
	if m.syncLag, err = meter.Float64Histogram("membus.sync.lag",
		metric.WithDescription("Time from enqueue to vector index commit"),
		metric.WithUnit("ms"), msBuckets,
	); err != nil {
		return nil, err
	}
	if m.backpressure, err = meter.Int64Counter("membus.backpressure.rejections",
		metric.WithDescription("Writes rejected because the sync queue is saturated"),
		metric.WithUnit("{write}"),
	); err != nil {
		return nil, err
	}
	if m.desyncs, err = meter.Int64Counter("membus.consistency.desyncs",
		metric.WithDescription("Consistency checks that found divergence"),
		metric.WithUnit("{check}"),
	); err != nil {
		return nil, err
	}
	if m.rebuilds, err = meter.Int64Counter("membus.consistency.rebuilds",
		metric.WithDescription("Vector index rebuilds by outcome"),
		metric.WithUnit("{rebuild}"),
	); err != nil {
		return nil, err
	}
	if m.incidents, err = meter.Int64Counter("membus.incidents",
		metric.WithDescription("Incidents recorded by kind"),
		metric.WithUnit("{incident}"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

// RecordWrite counts a finished write.
func (m *Metrics) RecordWrite(ctx context.Context, op, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("operation", op), attribute.String("status", status))
	m.writes.Add(ctx, 1, attrs)
	m.writeLatency.Record(ctx, ms(d), attrs)
}

// RecordRead counts a finished read. level is 0 when nothing matched.
func (m *Metrics) RecordRead(ctx context.Context, level int, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Int("source_level", level), attribute.String("status", status))
	m.reads.Add(ctx, 1, attrs)
	m.readLatency.Record(ctx, ms(d), attrs)
}

// RecordEscalation counts one step down the read cascade.
func (m *Metrics) RecordEscalation(ctx context.Context, from, to int) {
	if m == nil {
		return
	}
	m.escalations.Add(ctx, 1, metric.WithAttributes(attribute.Int("from", from), attribute.Int("to", to)))
}

// RecordSync counts a finished sync job.
func (m *Metrics) RecordSync(ctx context.Context, outcome string, lag time.Duration) {
	if m == nil {
		return
	}
	m.syncJobs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if outcome == "success" {
		m.syncLag.Record(ctx, ms(lag))
	}
}

// RecordBackpressure counts a rejected write.
func (m *Metrics) RecordBackpressure(ctx context.Context) {
	if m == nil {
		return
	}
	m.backpressure.Add(ctx, 1)
}

// RecordDesync counts a check that found divergence.
func (m *Metrics) RecordDesync(ctx context.Context) {
	if m == nil {
		return
	}
	m.desyncs.Add(ctx, 1)
}

// RecordRebuild counts a finished rebuild.
func (m *Metrics) RecordRebuild(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.rebuilds.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordIncident counts a recorded incident.
func (m *Metrics) RecordIncident(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.incidents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
