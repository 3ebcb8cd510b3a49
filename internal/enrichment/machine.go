// Package enrichment implements the enrichment session machine: the single
// coordinator of one stream's processor editing session.
//
// The machine is a single-threaded loop that handles events in strict FIFO
// order. Every event runs to completion, including the events raised by child
// actors while it is handled, before the next one is dequeued. Asynchronous
// work (grok setup, upserts, simulation runs) executes on its own goroutines
// and reports back by posting completion events to the same queue.
package enrichment

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/enrich/internal/enrichment/event"
	"github.com/zjrosen/enrich/internal/enrichment/processor"
	"github.com/zjrosen/enrich/internal/enrichment/simulation"
	"github.com/zjrosen/enrich/internal/enrichment/upsert"
	"github.com/zjrosen/enrich/internal/grok"
	"github.com/zjrosen/enrich/internal/log"
	"github.com/zjrosen/enrich/internal/metrics"
	"github.com/zjrosen/enrich/internal/notify"
	"github.com/zjrosen/enrich/internal/pubsub"
	"github.com/zjrosen/enrich/internal/streams"
	"github.com/zjrosen/enrich/internal/tracing"
)

// snapshotBuffer is the per-subscriber buffer of the snapshot broker.
const snapshotBuffer = 256

// Machine coordinates one stream's enrichment session.
type Machine struct {
	// Event queue (buffered channel)
	queue         chan queueItem
	queueCapacity int

	// Collaborators (dependency injection)
	ids           IDGenerator
	grok          *grok.Collection
	grokSetup     GrokSetupFunc
	refresh       RefreshFunc
	evaluator     simulation.Evaluator
	simTimeout    time.Duration
	upsertClient  upsert.Client
	upsertTimeout time.Duration
	upserter      *upsert.Coordinator
	notifier      notify.Sink
	metrics       *metrics.Metrics
	tracer        trace.Tracer

	// Loop-owned state. Only the loop goroutine touches these.
	top          TopState
	stream       StreamState
	simActive    bool
	view         View
	definition   streams.Definition
	processors   []*processor.Actor
	initial      []string
	sim          *simulation.Actor
	raised       []event.Event
	upsertSeq    uint64
	cancelUpsert context.CancelFunc // nil when no upsert is outstanding
	lastErr      error
	span         trace.Span

	// Snapshot publishing
	snapshot atomic.Pointer[Snapshot]
	broker   *pubsub.Broker[Snapshot]

	// Lifecycle management
	ctx      context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{} // Closed when the loop has exited
	readyCh  chan struct{} // Closed when the loop accepts events
	running  atomic.Bool
	started  atomic.Bool

	processedCount atomic.Int64
}

// queueItem wraps an event with an optional result channel for SendAndWait.
type queueItem struct {
	ev       event.Event
	resultCh chan Snapshot // nil for fire-and-forget Send
}

// grokSetupDone is posted by the grok setup goroutine.
type grokSetupDone struct {
	err error
}

func (grokSetupDone) Type() event.Type { return "machine.grokSetupDone" }

// upsertDone tags an upsert outcome with the update that started it.
type upsertDone struct {
	seq     uint64
	outcome event.Event
}

func (upsertDone) Type() event.Type { return "machine.upsertDone" }

// New creates a machine for def. The machine does nothing until Run is called.
func New(def streams.Definition, opts ...Option) *Machine {
	m := &Machine{
		queueCapacity: DefaultQueueCapacity,
		ids:           UUIDs(),
		grokSetup:     DefaultGrokSetup,
		notifier:      notify.Discard,
		top:           StateInitializing,
		definition:    def.Clone(),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		readyCh:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.grok == nil {
		m.grok = grok.NewCollection()
	}
	if m.queueCapacity < 1 {
		m.queueCapacity = 1
	}
	m.queue = make(chan queueItem, m.queueCapacity)
	m.broker = pubsub.NewBrokerWithBuffer[Snapshot](snapshotBuffer)

	if m.upsertClient != nil {
		m.upserter = upsert.NewCoordinator(m.upsertClient,
			upsert.WithTimeout(m.upsertTimeout),
			upsert.WithNotifier(m.notifier),
			upsert.WithMetrics(m.metrics),
			upsert.WithTracer(m.tracer),
		)
	}

	snap := m.buildSnapshot()
	m.snapshot.Store(&snap)
	return m
}

// Run starts the event loop. It blocks until ctx is cancelled or Stop is
// called. Run can only be called once; later calls return immediately.
func (m *Machine) Run(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.running.Store(true)

	defer func() {
		m.shutdown()
		m.running.Store(false)
		close(m.doneCh)
	}()

	m.initialize()
	m.publish("", false)
	close(m.readyCh)

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.stopCh:
			return
		case item := <-m.queue:
			m.processItem(item)
		}
	}
}

// WaitForReady blocks until the loop accepts events.
func (m *Machine) WaitForReady(ctx context.Context) error {
	select {
	case <-m.readyCh:
		return nil
	case <-m.doneCh:
		return event.ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send queues ev for asynchronous handling. It never blocks and returns
// ErrQueueFull when the queue is at capacity.
func (m *Machine) Send(ev event.Event) error {
	if ev == nil {
		return event.ErrNilEvent
	}
	if m.isStopped() {
		return event.ErrStopped
	}

	select {
	case m.queue <- queueItem{ev: ev}:
		return nil
	default:
		return event.ErrQueueFull
	}
}

// SendAndWait queues ev and waits until it has been handled. It returns the
// snapshot published right after ev.
func (m *Machine) SendAndWait(ctx context.Context, ev event.Event) (Snapshot, error) {
	if ev == nil {
		return Snapshot{}, event.ErrNilEvent
	}
	if m.isStopped() {
		return Snapshot{}, event.ErrStopped
	}

	resultCh := make(chan Snapshot, 1)
	select {
	case m.queue <- queueItem{ev: ev, resultCh: resultCh}:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	default:
		return Snapshot{}, event.ErrQueueFull
	}

	select {
	case snap := <-resultCh:
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-m.doneCh:
		return m.Snapshot(), event.ErrStopped
	}
}

// Snapshot returns the latest published snapshot.
func (m *Machine) Snapshot() Snapshot {
	return *m.snapshot.Load()
}

// Subscribe returns a channel of snapshots published after every handled
// queue item. The channel is closed when ctx is done or the machine stops.
// Slow subscribers miss snapshots rather than block the loop.
func (m *Machine) Subscribe(ctx context.Context) <-chan pubsub.Event[Snapshot] {
	return m.broker.Subscribe(ctx)
}

// WaitFor blocks until pred holds for the current snapshot.
func (m *Machine) WaitFor(ctx context.Context, pred func(Snapshot) bool) (Snapshot, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := m.broker.Subscribe(ctx)
	if snap := m.Snapshot(); pred(snap) {
		return snap, nil
	}
	for {
		select {
		case _, ok := <-ch:
			snap := m.Snapshot()
			if pred(snap) {
				return snap, nil
			}
			if !ok {
				if err := ctx.Err(); err != nil {
					return snap, err
				}
				return snap, event.ErrStopped
			}
		case <-ctx.Done():
			return m.Snapshot(), ctx.Err()
		}
	}
}

// Stop ends the loop and waits for it to exit. Queued events are dropped,
// child actors are stopped and in-flight calls are cancelled.
func (m *Machine) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	if m.started.CompareAndSwap(false, true) {
		m.broker.Close()
		close(m.doneCh)
		return
	}
	<-m.doneCh
}

// IsRunning reports whether the loop is running.
func (m *Machine) IsRunning() bool {
	return m.running.Load()
}

// ProcessedCount returns the number of queue items handled.
func (m *Machine) ProcessedCount() int64 {
	return m.processedCount.Load()
}

// QueueLength returns the number of pending events.
func (m *Machine) QueueLength() int {
	return len(m.queue)
}

func (m *Machine) isStopped() bool {
	select {
	case <-m.stopCh:
		return true
	case <-m.doneCh:
		return true
	default:
		return false
	}
}

// post delivers an event from a background goroutine. It blocks while the
// queue is full so completions are never lost, and fails once the loop exits.
func (m *Machine) post(ev event.Event) error {
	select {
	case m.queue <- queueItem{ev: ev}:
		return nil
	case <-m.stopCh:
		return event.ErrStopped
	case <-m.doneCh:
		return event.ErrStopped
	}
}

// raise queues an event for handling before the current queue item completes.
// Child actors notify the machine through raise.
func (m *Machine) raise(ev event.Event) {
	m.raised = append(m.raised, ev)
}

// processItem handles one queue item and everything it raises.
func (m *Machine) processItem(item queueItem) {
	handled := m.dispatch(item.ev)
	for len(m.raised) > 0 {
		ev := m.raised[0]
		m.raised = m.raised[1:]
		m.dispatch(ev)
	}

	m.processedCount.Add(1)
	snap := m.publish(item.ev.Type(), handled)

	if item.resultCh != nil {
		item.resultCh <- snap
		close(item.resultCh)
	}
}

// dispatch routes one event inside its own span and records the outcome.
func (m *Machine) dispatch(ev event.Event) bool {
	t := ev.Type()
	_, span := tracing.Start(m.ctx, m.tracer, tracing.SpanPrefixDispatch+string(t),
		attribute.String(tracing.AttrStreamName, m.definition.Stream.Name),
		attribute.String(tracing.AttrEventType, string(t)),
	)
	m.span = span

	handled := m.handle(ev)

	span.SetAttributes(
		attribute.Bool(tracing.AttrEventHandled, handled),
		attribute.String(tracing.AttrStreamState, string(m.stream)),
	)
	tracing.End(span, nil)
	m.span = nil

	if handled {
		m.metrics.EventHandled(string(t))
		log.Debug(log.CatStream, "event handled", "event", t, "state", m.top, "stream", m.stream)
	} else {
		m.metrics.EventIgnored(string(t))
		log.Debug(log.CatStream, "event ignored", "event", t, "state", m.top, "stream", m.stream)
	}
	return handled
}

// spanEvent annotates the span of the event being dispatched.
func (m *Machine) spanEvent(name string, attrs ...attribute.KeyValue) {
	if m.span != nil {
		m.span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// publish stores and broadcasts a fresh snapshot.
func (m *Machine) publish(last event.Type, handled bool) Snapshot {
	snap := m.buildSnapshot()
	snap.LastEvent = last
	snap.LastHandled = handled
	m.snapshot.Store(&snap)
	m.broker.Publish(pubsub.UpdatedEvent, snap)
	m.metrics.SetProcessors(len(m.processors))
	return snap
}

func (m *Machine) buildSnapshot() Snapshot {
	snap := Snapshot{
		State:      m.top,
		Definition: m.definition.Clone(),
		Processors: make([]processor.Snapshot, len(m.processors)),
		InitialIDs: append(make([]string, 0, len(m.initial)), m.initial...),
		Processed:  m.processedCount.Load(),
	}
	for i, a := range m.processors {
		snap.Processors[i] = a.Snapshot()
	}
	if m.top == StateReady {
		snap.Stream = m.stream
		snap.SimulationActive = m.simActive
		if m.simActive {
			snap.View = m.view
		}
		snap.HasStagedChanges = m.hasStagedChanges()
		snap.HasPendingDraft = m.hasPendingDraft()
		snap.CanUpdate = m.canUpdateStream()
	}
	if m.sim != nil {
		sim := m.sim.Snapshot()
		snap.Simulation = &sim
	}
	if m.lastErr != nil {
		snap.Error = m.lastErr.Error()
	}
	return snap
}

// shutdown runs on the loop goroutine as it exits.
func (m *Machine) shutdown() {
	m.teardown()
	m.cancel()
	m.broker.Close()
	log.Debug(log.CatStream, "machine stopped", "stream", m.definition.Stream.Name, "processed", m.processedCount.Load())
}
