// Package upsert wraps the single outstanding call that persists a session's
// staged processors.
package upsert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/enrich/internal/enrichment/event"
	"github.com/zjrosen/enrich/internal/log"
	"github.com/zjrosen/enrich/internal/metrics"
	"github.com/zjrosen/enrich/internal/notify"
	"github.com/zjrosen/enrich/internal/streams"
	"github.com/zjrosen/enrich/internal/tracing"
)

// ErrInFlight is returned by Start while a previous upsert is outstanding.
var ErrInFlight = errors.New("upsert already in flight")

// Client is the upsert endpoint.
type Client interface {
	Upsert(ctx context.Context, req streams.UpsertRequest) (streams.Definition, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req streams.UpsertRequest) (streams.Definition, error)

func (f ClientFunc) Upsert(ctx context.Context, req streams.UpsertRequest) (streams.Definition, error) {
	return f(ctx, req)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout bounds each upsert call.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// WithNotifier sets the notification sink.
func WithNotifier(s notify.Sink) Option {
	return func(c *Coordinator) { c.sink = s }
}

// WithMetrics records upsert outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithTracer traces upsert calls.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) { c.tracer = t }
}

// Coordinator runs upserts and reports their outcome. It never retries.
type Coordinator struct {
	client  Client
	sink    notify.Sink
	metrics *metrics.Metrics
	tracer  trace.Tracer
	timeout time.Duration

	mu      sync.Mutex
	nextID  uint64
	current uint64 // id of the outstanding call, 0 when none
}

// NewCoordinator creates a coordinator for client.
func NewCoordinator(client Client, opts ...Option) *Coordinator {
	c := &Coordinator{client: client, sink: notify.Discard}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start issues req on a new goroutine and delivers UpsertSucceeded or
// UpsertFailed through post. The returned function cancels the call and
// frees the slot immediately, so a new upsert may start before the cancelled
// one has returned.
func (c *Coordinator) Start(ctx context.Context, req streams.UpsertRequest, post func(event.Event) error) (context.CancelFunc, error) {
	id, ok := c.acquire()
	if !ok {
		return nil, ErrInFlight
	}

	var cancel context.CancelFunc
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	name := req.Definition.Stream.Name
	log.Info(log.CatUpsert, "upsert started", "stream", name, "processors", len(req.Processors), "fields", len(req.Fields))

	go func() {
		defer cancel()
		ctx, span := tracing.Start(ctx, c.tracer, tracing.SpanUpsert,
			attribute.String(tracing.AttrStreamName, name),
			attribute.Int(tracing.AttrProcessorCount, len(req.Processors)),
		)
		def, err := c.client.Upsert(ctx, req)
		tracing.End(span, err)
		c.release(id)

		var ev event.Event
		if err != nil {
			c.metrics.UpsertFinished(metrics.OutcomeFailure)
			log.ErrorErr(log.CatUpsert, "upsert failed", err, "stream", name)
			ev = event.UpsertFailed{Err: fmt.Errorf("upserting %s: %w", name, err)}
		} else {
			c.metrics.UpsertFinished(metrics.OutcomeSuccess)
			log.Info(log.CatUpsert, "upsert succeeded", "stream", name)
			ev = event.UpsertSucceeded{Definition: def}
		}
		if perr := post(ev); perr != nil {
			log.Warn(log.CatUpsert, "upsert outcome dropped", "stream", name, "error", perr)
		}
	}()

	return func() {
		cancel()
		if c.release(id) {
			log.Debug(log.CatUpsert, "upsert cancelled", "stream", name)
		}
	}, nil
}

func (c *Coordinator) acquire() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != 0 {
		return 0, false
	}
	c.nextID++
	c.current = c.nextID
	return c.current, true
}

// release frees the slot if call id still holds it.
func (c *Coordinator) release(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != id {
		return false
	}
	c.current = 0
	return true
}

// InFlight reports whether an upsert is outstanding.
func (c *Coordinator) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != 0
}

// NotifySuccess posts the success notification for stream.
func (c *Coordinator) NotifySuccess(stream string) {
	c.sink.Notify(notify.Notification{
		Level:  notify.LevelSuccess,
		Title:  "Stream's processors updated",
		Stream: stream,
	})
}

// NotifyFailure posts the failure notification for stream.
func (c *Coordinator) NotifyFailure(stream string, err error) {
	n := notify.Notification{
		Level:  notify.LevelDanger,
		Title:  "An issue occurred saving processors.",
		Stream: stream,
	}
	if err != nil {
		n.Text = err.Error()
	}
	c.sink.Notify(n)
}
