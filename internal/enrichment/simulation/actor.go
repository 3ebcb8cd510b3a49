// Package simulation implements the simulation actor: the dry-run preview of
// an enrichment session's staged processors.
package simulation

import (
	"context"
	"maps"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/enrich/internal/enrichment/event"
	"github.com/zjrosen/enrich/internal/ingest"
	"github.com/zjrosen/enrich/internal/log"
	"github.com/zjrosen/enrich/internal/metrics"
	"github.com/zjrosen/enrich/internal/streams"
	"github.com/zjrosen/enrich/internal/tracing"
)

// State is the simulation run state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateReady   State = "ready"
	StateFailed  State = "failed"
)

// TypeRunCompleted is posted back to the owner when a run finishes.
const TypeRunCompleted event.Type = "simulator.runCompleted"

// RunCompleted reports the outcome of one run. The owner must hand it back to
// the actor that started the run through Send.
type RunCompleted struct {
	owner  *Actor
	seq    uint64
	result ingest.Result
	err    error
	took   time.Duration
}

func (RunCompleted) Type() event.Type { return TypeRunCompleted }

// DetectedField is a field produced by the simulation, with the user's
// mapping when one was chosen.
type DetectedField struct {
	Name     string            `json:"name" yaml:"name"`
	Inferred streams.FieldType `json:"inferred" yaml:"inferred"`
	Mapped   streams.FieldType `json:"mapped,omitempty" yaml:"mapped,omitempty"`
}

// Snapshot is a read-only view of the actor.
type Snapshot struct {
	State           State                        `json:"state" yaml:"state"`
	StreamName      string                       `json:"stream_name" yaml:"stream_name"`
	Processors      []streams.UIProcessor        `json:"processors" yaml:"processors"`
	Filter          event.PreviewDocsFilter      `json:"filter" yaml:"filter"`
	Documents       []ingest.DocumentResult      `json:"documents,omitempty" yaml:"documents,omitempty"`
	Metrics         ingest.Metrics               `json:"metrics" yaml:"metrics"`
	DetectedFields  []DetectedField              `json:"detected_fields,omitempty" yaml:"detected_fields,omitempty"`
	Mappings        map[string]streams.FieldType `json:"mappings,omitempty" yaml:"mappings,omitempty"`
	EnabledColumns  []string                     `json:"enabled_columns,omitempty" yaml:"enabled_columns,omitempty"`
	DisabledColumns []string                     `json:"disabled_columns,omitempty" yaml:"disabled_columns,omitempty"`
	ColumnOrder     []string                     `json:"column_order,omitempty" yaml:"column_order,omitempty"`
	Error           string                       `json:"error,omitempty" yaml:"error,omitempty"`
	Runs            uint64                       `json:"runs" yaml:"runs"`
	Received        []event.Type                 `json:"received,omitempty" yaml:"received,omitempty"`
}

// Option configures an Actor.
type Option func(*Actor)

// WithTimeout bounds each run.
func WithTimeout(d time.Duration) Option {
	return func(a *Actor) {
		a.timeout = d
	}
}

// WithMetrics records run outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Actor) {
		a.metrics = m
	}
}

// WithTracer traces runs.
func WithTracer(t trace.Tracer) Option {
	return func(a *Actor) {
		a.tracer = t
	}
}

// maxReceived bounds the received-event history kept for snapshots. Processor
// list updates are recorded under the type of the event that caused them.
const maxReceived = 64

// Actor owns one outstanding dry run at a time. Methods must be called from
// the owner's event loop; runs execute on their own goroutines and report
// back through post.
type Actor struct {
	streamName string
	processors []streams.UIProcessor
	state      State
	result     ingest.Result
	hasResult  bool
	err        error

	filter   event.PreviewDocsFilter
	mappings map[string]streams.FieldType
	enabled  []string
	disabled []string
	order    []string
	received []event.Type

	seq     uint64
	cancel  context.CancelFunc
	stopped bool

	eval    Evaluator
	post    func(event.Event) error
	timeout time.Duration
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// Spawn creates an actor and starts the first run over processors.
// post delivers RunCompleted events back to the owner's loop.
func Spawn(streamName string, processors []streams.UIProcessor, eval Evaluator, post func(event.Event) error, opts ...Option) *Actor {
	a := &Actor{
		streamName: streamName,
		processors: cloneUI(processors),
		state:      StateIdle,
		filter:     event.FilterAll,
		mappings:   make(map[string]streams.FieldType),
		eval:       eval,
		post:       post,
	}
	for _, opt := range opts {
		opt(a)
	}
	log.Debug(log.CatSim, "simulator spawned", "stream", streamName, "processors", len(processors))
	a.run()
	return a
}

// State returns the run state.
func (a *Actor) State() State { return a.state }

// Stopped reports whether Stop was called.
func (a *Actor) Stopped() bool { return a.stopped }

// Processors returns a copy of the processors the actor simulates.
func (a *Actor) Processors() []streams.UIProcessor { return cloneUI(a.processors) }

// Mappings returns the user's detected-field mappings as field definitions.
func (a *Actor) Mappings() map[string]streams.FieldDefinition {
	out := make(map[string]streams.FieldDefinition, len(a.mappings))
	for name, t := range a.mappings {
		out[name] = streams.FieldDefinition{Type: t}
	}
	return out
}

// Stop cancels any in-flight run. Later events and completions are ignored.
func (a *Actor) Stop() {
	if a.stopped {
		return
	}
	a.stopped = true
	a.cancelRun()
	log.Debug(log.CatSim, "simulator stopped", "stream", a.streamName)
}

// Send handles one event. It reports whether the event was accepted.
func (a *Actor) Send(ev event.Event) bool {
	if a.stopped || ev == nil {
		return false
	}

	if done, ok := ev.(RunCompleted); ok {
		return a.complete(done)
	}
	received := ev.Type()
	if sp, ok := ev.(event.SimulatorProcessors); ok && sp.Cause != "" {
		received = sp.Cause
	}
	a.remember(received)

	switch e := ev.(type) {
	case event.SimulatorProcessors:
		a.processors = cloneUI(e.Processors)
		a.run()
	case event.ResetSimulation:
		a.cancelRun()
		a.result, a.hasResult, a.err = ingest.Result{}, false, nil
		a.mappings = make(map[string]streams.FieldType)
		a.state = StateIdle
		a.run()
	case event.ChangePreviewDocsFilter:
		if !e.Filter.Valid() {
			return false
		}
		a.filter = e.Filter
	case event.MapField:
		if e.Name == "" || !e.FieldType.Valid() {
			return false
		}
		a.mappings[e.Name] = e.FieldType
	case event.UnmapField:
		if _, ok := a.mappings[e.Name]; !ok {
			return false
		}
		delete(a.mappings, e.Name)
	case event.UpdateEnabledColumns:
		a.enabled = slices.Clone(e.Columns)
		a.disabled = without(a.disabled, e.Columns)
	case event.UpdateDisabledColumns:
		a.disabled = slices.Clone(e.Columns)
		a.enabled = without(a.enabled, e.Columns)
	case event.OrderColumns:
		a.order = slices.Clone(e.Columns)
	default:
		return false
	}
	return true
}

func (a *Actor) remember(t event.Type) {
	a.received = append(a.received, t)
	if len(a.received) > maxReceived {
		a.received = a.received[len(a.received)-maxReceived:]
	}
}

func (a *Actor) run() {
	a.cancelRun()
	a.seq++
	a.state = StateRunning

	seq := a.seq
	req := Request{StreamName: a.streamName, Processors: fromUI(a.processors)}
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if a.timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), a.timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	a.cancel = cancel

	go func() {
		defer cancel()
		ctx, span := tracing.Start(ctx, a.tracer, tracing.SpanSimulation,
			attribute.String(tracing.AttrStreamName, req.StreamName),
			attribute.Int64(tracing.AttrSimulationSeq, int64(seq)), //nolint:gosec // sequence numbers stay small
			attribute.Int(tracing.AttrProcessorCount, len(req.Processors)),
		)
		start := time.Now()
		res, err := a.eval.Simulate(ctx, req)
		if err == nil {
			span.SetAttributes(
				attribute.Int(tracing.AttrDocumentCount, res.Metrics.Total),
				attribute.Float64(tracing.AttrParsedRate, res.Metrics.ParsedRate),
			)
		}
		tracing.End(span, err)

		done := RunCompleted{owner: a, seq: seq, result: res, err: err, took: time.Since(start)}
		if a.post != nil {
			if perr := a.post(done); perr != nil {
				log.Debug(log.CatSim, "run completion dropped", "seq", seq, "error", perr)
			}
		}
	}()
}

func (a *Actor) complete(done RunCompleted) bool {
	if done.owner != a || done.seq != a.seq {
		a.metrics.SimulationFinished(metrics.OutcomeCanceled, done.took)
		log.Debug(log.CatSim, "stale run ignored", "seq", done.seq, "current", a.seq)
		return false
	}
	a.cancel = nil
	if done.err != nil {
		a.state = StateFailed
		a.err = done.err
		a.metrics.SimulationFinished(metrics.OutcomeFailure, done.took)
		log.Warn(log.CatSim, "simulation failed", "stream", a.streamName, "error", done.err)
		return true
	}
	a.state = StateReady
	a.err = nil
	a.result = done.result
	a.hasResult = true
	a.metrics.SimulationFinished(metrics.OutcomeSuccess, done.took)
	return true
}

func (a *Actor) cancelRun() {
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
}

// Snapshot returns a read-only view with documents filtered by the preview
// filter.
func (a *Actor) Snapshot() Snapshot {
	s := Snapshot{
		State:           a.state,
		StreamName:      a.streamName,
		Processors:      cloneUI(a.processors),
		Filter:          a.filter,
		EnabledColumns:  slices.Clone(a.enabled),
		DisabledColumns: slices.Clone(a.disabled),
		ColumnOrder:     slices.Clone(a.order),
		Runs:            a.seq,
		Received:        slices.Clone(a.received),
		Mappings:        maps.Clone(a.mappings),
	}
	if a.err != nil {
		s.Error = a.err.Error()
	}
	if !a.hasResult {
		return s
	}

	s.Metrics = a.result.Metrics
	for _, d := range a.result.Documents {
		if matchesFilter(a.filter, d.Status) {
			s.Documents = append(s.Documents, d)
		}
	}
	for _, f := range a.result.DetectedFields {
		s.DetectedFields = append(s.DetectedFields, DetectedField{
			Name:     f.Name,
			Inferred: f.Type,
			Mapped:   a.mappings[f.Name],
		})
	}
	return s
}

func matchesFilter(f event.PreviewDocsFilter, s ingest.Status) bool {
	switch f {
	case event.FilterParsed:
		return s == ingest.StatusParsed
	case event.FilterPartiallyParsed:
		return s == ingest.StatusPartiallyParsed
	case event.FilterFailed:
		return s == ingest.StatusFailed
	case event.FilterSkipped:
		return s == ingest.StatusSkipped
	default:
		return true
	}
}

func without(list, remove []string) []string {
	return slices.DeleteFunc(slices.Clone(list), func(s string) bool {
		return slices.Contains(remove, s)
	})
}

func cloneUI(in []streams.UIProcessor) []streams.UIProcessor {
	out := make([]streams.UIProcessor, len(in))
	for i, p := range in {
		out[i] = p.Clone()
	}
	return out
}

func fromUI(in []streams.UIProcessor) []streams.ProcessorDefinition {
	out := make([]streams.ProcessorDefinition, len(in))
	for i, p := range in {
		out[i] = streams.FromUI(p)
	}
	return out
}
