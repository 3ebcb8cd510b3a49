package enrichment

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/enrich/internal/enrichment/simulation"
	"github.com/zjrosen/enrich/internal/enrichment/upsert"
	"github.com/zjrosen/enrich/internal/grok"
	"github.com/zjrosen/enrich/internal/metrics"
	"github.com/zjrosen/enrich/internal/notify"
)

// DefaultQueueCapacity is the default buffer size of the event queue.
const DefaultQueueCapacity = 256

// IDGenerator returns a fresh processor id on every call.
type IDGenerator func() string

// UUIDs generates random UUIDs.
func UUIDs() IDGenerator {
	return uuid.NewString
}

// SequentialIDs generates prefix1, prefix2, ... It is safe for concurrent use.
func SequentialIDs(prefix string) IDGenerator {
	var n atomic.Int64
	return func() string {
		return prefix + strconv.FormatInt(n.Add(1), 10)
	}
}

// GrokSetupFunc prepares the shared grok collection before the session becomes
// interactive.
type GrokSetupFunc func(ctx context.Context, c *grok.Collection) error

// DefaultGrokSetup loads the collection's pattern sets.
func DefaultGrokSetup(ctx context.Context, c *grok.Collection) error {
	return c.Setup(ctx)
}

// RefreshFunc asks the definition source to fetch the stream again. The
// source answers with a stream.received event.
type RefreshFunc func(ctx context.Context, stream string)

// Option configures a Machine.
type Option func(*Machine)

// WithQueueCapacity sets the event queue buffer capacity.
func WithQueueCapacity(capacity int) Option {
	return func(m *Machine) {
		m.queueCapacity = capacity
	}
}

// WithIDGenerator sets the processor id generator.
func WithIDGenerator(ids IDGenerator) Option {
	return func(m *Machine) {
		m.ids = ids
	}
}

// WithGrokCollection sets the shared pattern collection.
func WithGrokCollection(c *grok.Collection) Option {
	return func(m *Machine) {
		m.grok = c
	}
}

// WithGrokSetup replaces the pattern setup routine.
func WithGrokSetup(fn GrokSetupFunc) Option {
	return func(m *Machine) {
		m.grokSetup = fn
	}
}

// WithRefresh sets the definition refresh callback used after a successful
// upsert.
func WithRefresh(fn RefreshFunc) Option {
	return func(m *Machine) {
		m.refresh = fn
	}
}

// WithEvaluator enables the simulation region.
func WithEvaluator(e simulation.Evaluator) Option {
	return func(m *Machine) {
		m.evaluator = e
	}
}

// WithSimulationTimeout bounds each simulation run.
func WithSimulationTimeout(d time.Duration) Option {
	return func(m *Machine) {
		m.simTimeout = d
	}
}

// WithUpsertClient enables updates through client.
func WithUpsertClient(client upsert.Client) Option {
	return func(m *Machine) {
		m.upsertClient = client
	}
}

// WithUpsertTimeout bounds each upsert call.
func WithUpsertTimeout(d time.Duration) Option {
	return func(m *Machine) {
		m.upsertTimeout = d
	}
}

// WithNotifier sets the notification sink for upsert outcomes.
func WithNotifier(s notify.Sink) Option {
	return func(m *Machine) {
		m.notifier = s
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Machine) {
		m.metrics = mx
	}
}

// WithTracer enables tracing of dispatch, upserts and simulation runs.
func WithTracer(t trace.Tracer) Option {
	return func(m *Machine) {
		m.tracer = t
	}
}
