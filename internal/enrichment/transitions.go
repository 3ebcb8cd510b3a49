package enrichment

import (
	"maps"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zjrosen/enrich/internal/enrichment/event"
	"github.com/zjrosen/enrich/internal/enrichment/processor"
	"github.com/zjrosen/enrich/internal/enrichment/simulation"
	"github.com/zjrosen/enrich/internal/log"
	"github.com/zjrosen/enrich/internal/metrics"
	"github.com/zjrosen/enrich/internal/streams"
	"github.com/zjrosen/enrich/internal/tracing"
)

// handle applies ev to the current state. It reports whether ev caused a
// transition or was delivered to a child actor.
func (m *Machine) handle(ev event.Event) bool {
	switch m.top {
	case StateSetupGrokCollection:
		switch e := ev.(type) {
		case grokSetupDone:
			return m.grokSetupFinished(e.err)
		case event.Received:
			// Kept for when ready is entered.
			m.definition = e.Definition.Clone()
			return true
		}
		return false
	case StateReady:
		return m.handleReady(ev)
	default:
		return false
	}
}

// initialize leaves initializing. Root streams stop here; everything else
// sets up the grok collection in the background.
func (m *Machine) initialize() {
	name := m.definition.Stream.Name
	if m.definition.IsRoot() {
		m.top = StateResolvedRootStream
		log.Info(log.CatStream, "root stream, enrichment disabled", "stream", name)
		return
	}

	m.top = StateSetupGrokCollection
	ctx, setup, tracer, coll := m.ctx, m.grokSetup, m.tracer, m.grok
	go func() {
		ctx, span := tracing.Start(ctx, tracer, tracing.SpanGrokSetup,
			attribute.String(tracing.AttrStreamName, name),
		)
		err := setup(ctx, coll)
		tracing.End(span, err)
		if perr := m.post(grokSetupDone{err: err}); perr != nil {
			log.Debug(log.CatGrok, "grok setup outcome dropped", "stream", name, "error", perr)
		}
	}()
}

func (m *Machine) grokSetupFinished(err error) bool {
	if err != nil {
		m.top = StateGrokCollectionFailure
		m.lastErr = err
		m.metrics.GrokSetupFinished(metrics.OutcomeFailure)
		log.ErrorErr(log.CatGrok, "grok collection setup failed", err, "stream", m.definition.Stream.Name)
		return true
	}
	m.metrics.GrokSetupFinished(metrics.OutcomeSuccess)
	m.enterReady()
	return true
}

// enterReady (re-)enters ready from scratch: every child actor is stopped and
// one processor actor is spawned per processor of the current definition.
func (m *Machine) enterReady() {
	m.teardown()

	procs := m.definition.Stream.Ingest.Processing
	m.processors = make([]*processor.Actor, 0, len(procs))
	for _, p := range procs {
		m.processors = append(m.processors, m.spawnProcessor(p, false))
	}
	m.initial = m.liveIDs()
	m.stream = StreamIdle
	m.top = StateReady
	m.lastErr = nil

	m.spanEvent(tracing.EventReadyEntered, attribute.Int(tracing.AttrProcessorCount, len(m.processors)))
	log.Debug(log.CatStream, "ready entered", "stream", m.definition.Stream.Name, "processors", len(m.processors))
}

// teardown stops every child actor and cancels an outstanding upsert. A
// cancelled upsert's outcome no longer matches a pending update and is dropped.
func (m *Machine) teardown() {
	m.stopUpsert()
	for _, a := range m.processors {
		a.Stop()
	}
	m.processors = nil
	m.initial = nil
	m.raised = nil

	if m.sim != nil {
		m.sim.Stop()
		m.sim = nil
	}
	m.simActive = false
	m.view = ""
}

func (m *Machine) spawnProcessor(p streams.ProcessorDefinition, isNew bool) *processor.Actor {
	return processor.New(streams.ToUI(p, m.ids()), isNew, m.raise, processor.WithGrokCollection(m.grok))
}

func (m *Machine) handleReady(ev event.Event) bool {
	switch e := ev.(type) {
	case event.Received:
		m.definition = e.Definition.Clone()
		m.enterReady()
		return true
	case event.Reset:
		return m.resetStream(ev)
	case event.Update:
		return m.updateStream(ev)
	case upsertDone:
		return m.upsertFinished(e)
	case event.AddProcessor:
		return m.addProcessor(e)
	case event.ReorderProcessors:
		return m.reorderProcessors(e)
	case event.DeleteProcessor:
		return m.deleteProcessor(e)
	case event.StageProcessor:
		return m.processorConfirmed(ev, e.ID)
	case event.UpdateProcessor:
		return m.processorConfirmed(ev, e.ID)
	case event.ChangeProcessor:
		return m.changeProcessor(e)
	case event.SendToProcessor:
		a := m.find(e.ID)
		if a == nil {
			return false
		}
		return a.Send(e.Input)
	case simulation.RunCompleted:
		if m.sim == nil {
			return false
		}
		return m.sim.Send(e)
	}

	if t := ev.Type(); t.IsSimulation() || t.IsPreviewColumns() {
		return m.handleSimulation(ev)
	}
	return false
}

// ---------------------------------------------------------------------------
// Stream region
// ---------------------------------------------------------------------------

func (m *Machine) resetStream(ev event.Event) bool {
	if m.stream != StreamIdle || !m.hasStagedChanges() {
		m.rejected(ev, "hasStagedChanges")
		return false
	}
	if m.sim != nil {
		m.sim.Send(event.ResetSimulation{})
	}
	m.enterReady()
	return true
}

func (m *Machine) updateStream(ev event.Event) bool {
	if m.upserter == nil {
		return false
	}
	if m.stream != StreamIdle || !m.canUpdateStream() {
		m.rejected(ev, "canUpdateStream")
		return false
	}

	name := m.definition.Stream.Name
	req := streams.UpsertRequest{
		Definition: m.definition.Clone(),
		Processors: m.configuredProcessors(),
		Fields:     m.upsertFields(),
	}

	m.upsertSeq++
	seq := m.upsertSeq
	cancel, err := m.upserter.Start(m.ctx, req, func(outcome event.Event) error {
		return m.post(upsertDone{seq: seq, outcome: outcome})
	})
	if err != nil {
		m.lastErr = err
		m.upserter.NotifyFailure(name, err)
		m.spanEvent(tracing.EventNotificationOut, attribute.String("level", "danger"))
		return true
	}
	m.cancelUpsert = cancel

	if m.sim != nil {
		m.sim.Send(event.ResetSimulation{})
	}
	if m.simActive {
		m.view = ViewDataPreview
	}

	m.stream = StreamUpdating
	m.lastErr = nil
	log.Info(log.CatStream, "updating stream", "stream", name, "processors", len(req.Processors))
	return true
}

func (m *Machine) upsertFinished(done upsertDone) bool {
	if m.stream != StreamUpdating || done.seq != m.upsertSeq {
		log.Debug(log.CatUpsert, "stale upsert outcome dropped", "seq", done.seq, "current", m.upsertSeq)
		return false
	}

	name := m.definition.Stream.Name
	m.stream = StreamIdle
	m.cancelUpsert = nil

	switch out := done.outcome.(type) {
	case event.UpsertSucceeded:
		m.upserter.NotifySuccess(name)
		m.spanEvent(tracing.EventNotificationOut, attribute.String("level", "success"))
		m.requestRefresh(name)
		m.definition = out.Definition.Clone()
		m.enterReady()
	case event.UpsertFailed:
		m.lastErr = out.Err
		m.upserter.NotifyFailure(name, out.Err)
		m.spanEvent(tracing.EventNotificationOut, attribute.String("level", "danger"))
	}
	return true
}

// stopUpsert cancels the outstanding upsert, if any.
func (m *Machine) stopUpsert() {
	if m.cancelUpsert == nil {
		return
	}
	m.cancelUpsert()
	m.cancelUpsert = nil
	log.Debug(log.CatUpsert, "outstanding upsert cancelled", "stream", m.definition.Stream.Name)
}

func (m *Machine) requestRefresh(name string) {
	if m.refresh == nil {
		return
	}
	ctx, refresh := m.ctx, m.refresh
	go refresh(ctx, name)
}

// ---------------------------------------------------------------------------
// Processors region
// ---------------------------------------------------------------------------

func (m *Machine) addProcessor(e event.AddProcessor) bool {
	if m.hasPendingDraft() {
		m.rejected(e, "!hasPendingDraft")
		return false
	}
	if e.Processor.Type() == "" {
		return false
	}

	a := m.spawnProcessor(e.Processor, true)
	m.processors = append(m.processors, a)
	m.forwardProcessors(e)
	return true
}

func (m *Machine) reorderProcessors(e event.ReorderProcessors) bool {
	if !m.hasMultipleProcessors() {
		m.rejected(e, "hasMultipleProcessors")
		return false
	}
	reordered, ok := m.permute(e.IDs)
	if !ok {
		return false
	}
	m.processors = reordered
	m.forwardProcessors(e)
	return true
}

func (m *Machine) deleteProcessor(e event.DeleteProcessor) bool {
	i := m.index(e.ID)
	if i < 0 {
		return false
	}
	m.processors[i].Stop()
	m.processors = append(m.processors[:i:i], m.processors[i+1:]...)
	m.forwardProcessors(e)
	return true
}

// processorConfirmed handles stage and update notifications. The derived
// staged-changes view is recomputed from the live list on every snapshot.
func (m *Machine) processorConfirmed(ev event.Event, id string) bool {
	if m.find(id) == nil {
		return false
	}
	m.forwardProcessors(ev)
	return true
}

func (m *Machine) changeProcessor(e event.ChangeProcessor) bool {
	a := m.find(e.ID)
	if a == nil {
		return false
	}
	if m.isDraftProcessor(a) {
		if p := a.Processor(); p.IsGrok() {
			m.grok.SetCustomPatterns(p.Grok.PatternDefinitions)
		}
	}
	if !a.IsNew() {
		m.forwardProcessors(e)
	}
	return true
}

// forwardProcessors sends the full staged list to an active simulator.
func (m *Machine) forwardProcessors(cause event.Event) {
	if m.sim == nil {
		return
	}
	staged := m.stagedProcessors()
	m.sim.Send(event.SimulatorProcessors{Cause: cause.Type(), Processors: staged})
	m.spanEvent(tracing.EventForwarded,
		attribute.String(tracing.AttrEventType, string(cause.Type())),
		attribute.Int(tracing.AttrProcessorCount, len(staged)),
	)
}

// ---------------------------------------------------------------------------
// Simulation region
// ---------------------------------------------------------------------------

func (m *Machine) handleSimulation(ev event.Event) bool {
	if m.evaluator == nil {
		return false
	}
	activated := m.activateSimulation()

	switch ev.(type) {
	case event.ViewDetectedFields:
		if m.view == ViewDetectedFields {
			return activated
		}
		m.view = ViewDetectedFields
		return true
	case event.ViewDataPreview:
		if m.view == ViewDataPreview {
			return activated
		}
		m.view = ViewDataPreview
		return true
	case event.ResetSimulation:
		return m.sim.Send(ev) || activated
	}

	t := ev.Type()
	switch {
	case t == event.TypeSimulationChangePreviewDocsFilter || t.IsPreviewColumns():
		if m.view != ViewDataPreview {
			m.rejected(ev, string(ViewDataPreview))
			return activated
		}
	case t.IsSimulationFields():
		if m.view != ViewDetectedFields {
			m.rejected(ev, string(ViewDetectedFields))
			return activated
		}
	default:
		return activated
	}
	return m.sim.Send(ev) || activated
}

// activateSimulation spawns the simulator on the first simulation event.
func (m *Machine) activateSimulation() bool {
	if m.simActive {
		return false
	}
	staged := m.stagedProcessors()
	m.sim = simulation.Spawn(m.definition.Stream.Name, staged, m.evaluator, m.post,
		simulation.WithTimeout(m.simTimeout),
		simulation.WithMetrics(m.metrics),
		simulation.WithTracer(m.tracer),
	)
	m.simActive = true
	m.view = ViewDataPreview
	m.spanEvent(tracing.EventSimulatorSpawn, attribute.Int(tracing.AttrProcessorCount, len(staged)))
	return true
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (m *Machine) rejected(ev event.Event, guard string) {
	m.spanEvent(tracing.EventGuardRejected, attribute.String("guard", guard))
	log.Debug(log.CatStream, "guard rejected event", "event", ev.Type(), "guard", guard)
}

func (m *Machine) index(id string) int {
	for i, a := range m.processors {
		if a.ID() == id {
			return i
		}
	}
	return -1
}

func (m *Machine) find(id string) *processor.Actor {
	if i := m.index(id); i >= 0 {
		return m.processors[i]
	}
	return nil
}

func (m *Machine) liveIDs() []string {
	ids := make([]string, len(m.processors))
	for i, a := range m.processors {
		ids[i] = a.ID()
	}
	return ids
}

// permute returns the live actors in the order of ids. ids must name every
// live actor exactly once.
func (m *Machine) permute(ids []string) ([]*processor.Actor, bool) {
	if len(ids) != len(m.processors) {
		return nil, false
	}
	out := make([]*processor.Actor, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return nil, false
		}
		seen[id] = struct{}{}
		a := m.find(id)
		if a == nil {
			return nil, false
		}
		out = append(out, a)
	}
	return out, true
}

// stagedProcessors returns every live processor, drafts included, as the
// simulator sees them.
func (m *Machine) stagedProcessors() []streams.UIProcessor {
	out := make([]streams.UIProcessor, len(m.processors))
	for i, a := range m.processors {
		out[i] = a.Processor()
	}
	return out
}

// configuredProcessors returns the persisted form of every configured
// processor, in order.
func (m *Machine) configuredProcessors() []streams.ProcessorDefinition {
	out := make([]streams.ProcessorDefinition, 0, len(m.processors))
	for _, a := range m.processors {
		if a.State().IsConfigured() {
			out = append(out, streams.FromUI(a.Processor()))
		}
	}
	return out
}

// upsertFields returns the wired field mappings to persist: the stream's own
// mappings overlaid with the fields mapped in the simulation. Unwired streams
// send none.
func (m *Machine) upsertFields() map[string]streams.FieldDefinition {
	if !m.definition.IsWired() {
		return nil
	}
	fields := maps.Clone(m.definition.Stream.Ingest.Wired.Fields)
	if fields == nil {
		fields = make(map[string]streams.FieldDefinition)
	}
	if m.sim != nil {
		maps.Copy(fields, m.sim.Mappings())
	}
	return fields
}
