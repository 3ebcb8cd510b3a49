package enrichment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/enrich/internal/enrichment/event"
	"github.com/zjrosen/enrich/internal/enrichment/processor"
	"github.com/zjrosen/enrich/internal/enrichment/simulation"
	"github.com/zjrosen/enrich/internal/grok"
	"github.com/zjrosen/enrich/internal/ingest"
	"github.com/zjrosen/enrich/internal/notify"
	"github.com/zjrosen/enrich/internal/streams"
)

const waitTimeout = 2 * time.Second

func grokProcessor(pattern string) streams.ProcessorDefinition {
	return streams.ProcessorDefinition{
		Grok: &streams.GrokProcessor{Field: "message", Patterns: []string{pattern}},
	}
}

func dissectProcessor(pattern string) streams.ProcessorDefinition {
	return streams.ProcessorDefinition{
		Dissect: &streams.DissectProcessor{Field: "message", Pattern: pattern},
	}
}

func definition(name string, procs ...streams.ProcessorDefinition) streams.Definition {
	return streams.Definition{Stream: streams.Stream{
		Name:   name,
		Ingest: streams.Ingest{Processing: procs},
	}}
}

// gatedClient blocks each upsert until the test replies.
type gatedClient struct {
	requests chan streams.UpsertRequest
	replies  chan error
}

func newGatedClient() *gatedClient {
	return &gatedClient{
		requests: make(chan streams.UpsertRequest, 8),
		replies:  make(chan error, 8),
	}
}

func (c *gatedClient) Upsert(ctx context.Context, req streams.UpsertRequest) (streams.Definition, error) {
	c.requests <- req
	select {
	case err := <-c.replies:
		if err != nil {
			return streams.Definition{}, err
		}
		return req.Apply(), nil
	case <-ctx.Done():
		return streams.Definition{}, ctx.Err()
	}
}

func (c *gatedClient) next(t *testing.T) streams.UpsertRequest {
	t.Helper()
	select {
	case req := <-c.requests:
		return req
	case <-time.After(waitTimeout):
		t.Fatal("no upsert request")
		return streams.UpsertRequest{}
	}
}

// recordingEvaluator answers every simulation immediately and keeps the
// requests it saw.
type recordingEvaluator struct {
	mu       sync.Mutex
	requests []simulation.Request
}

func (e *recordingEvaluator) Simulate(_ context.Context, req simulation.Request) (ingest.Result, error) {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	e.mu.Unlock()
	return ingest.Result{
		DetectedFields: []ingest.DetectedField{{Name: "w", Type: streams.FieldKeyword}},
		Metrics:        ingest.Metrics{Total: 1, ParsedRate: 1},
	}, nil
}

func (e *recordingEvaluator) last() simulation.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.requests) == 0 {
		return simulation.Request{}
	}
	return e.requests[len(e.requests)-1]
}

func noopGrokSetup(context.Context, *grok.Collection) error { return nil }

func startMachine(t *testing.T, def streams.Definition, opts ...Option) *Machine {
	t.Helper()
	base := []Option{WithIDGenerator(SequentialIDs("p"))}
	m := New(def, append(base, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	t.Cleanup(func() {
		m.Stop()
		cancel()
	})
	require.NoError(t, m.WaitForReady(ctx))
	return m
}

func waitFor(t *testing.T, m *Machine, pred func(Snapshot) bool) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	snap, err := m.WaitFor(ctx, pred)
	require.NoError(t, err, "last snapshot: %+v", snap.Value())
	return snap
}

func waitReady(t *testing.T, m *Machine) Snapshot {
	t.Helper()
	return waitFor(t, m, func(s Snapshot) bool { return s.State == StateReady })
}

func send(t *testing.T, m *Machine, ev event.Event) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	snap, err := m.SendAndWait(ctx, ev)
	require.NoError(t, err)
	return snap
}

func toProcessor(id string, kind event.InputKind) event.SendToProcessor {
	return event.SendToProcessor{ID: id, Input: event.ProcessorInput{Kind: kind}}
}

// ===========================================================================
// Initialization
// ===========================================================================

func TestMachine_RootStreamIsFinal(t *testing.T) {
	m := startMachine(t, definition("logs", grokProcessor("%{WORD:w}")))

	snap := waitFor(t, m, func(s Snapshot) bool { return s.State == StateResolvedRootStream })
	require.True(t, snap.State.Final())
	require.Empty(t, snap.Processors)

	snap = send(t, m, event.AddProcessor{Processor: grokProcessor("%{WORD:w}")})
	require.False(t, snap.LastHandled)
	require.Equal(t, StateResolvedRootStream, snap.State)
}

func TestMachine_GrokSetupFailureIsTerminal(t *testing.T) {
	boom := errors.New("patterns unavailable")
	m := startMachine(t, definition("logs.app"),
		WithGrokSetup(func(context.Context, *grok.Collection) error { return boom }))

	snap := waitFor(t, m, func(s Snapshot) bool { return s.State == StateGrokCollectionFailure })
	require.Equal(t, boom.Error(), snap.Error)

	snap = send(t, m, event.Received{Definition: definition("logs.app", grokProcessor("%{WORD:w}"))})
	require.False(t, snap.LastHandled)
	require.Equal(t, StateGrokCollectionFailure, snap.State)
	require.Equal(t, []string{"grokCollectionFailure"}, snap.Value())
}

func TestMachine_RefreshDuringGrokSetupIsKept(t *testing.T) {
	gate := make(chan struct{})
	m := startMachine(t, definition("logs.app", grokProcessor("%{WORD:w}")),
		WithGrokSetup(func(ctx context.Context, _ *grok.Collection) error {
			select {
			case <-gate:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}),
	)

	fresh := definition("logs.app", dissectProcessor("%{a} %{b}"), grokProcessor("%{NUMBER:n}"))
	snap := send(t, m, event.Received{Definition: fresh})
	require.True(t, snap.LastHandled)
	require.Equal(t, StateSetupGrokCollection, snap.State)
	require.Empty(t, snap.Processors)

	close(gate)
	snap = waitReady(t, m)
	require.Equal(t, []string{"p1", "p2"}, snap.ProcessorIDs())
	require.Len(t, snap.Definition.Stream.Ingest.Processing, 2)
	require.False(t, snap.HasStagedChanges)
}

func TestMachine_EntersReadyWithOneActorPerProcessor(t *testing.T) {
	coll := grok.NewCollection()
	m := startMachine(t, definition("logs.app", grokProcessor("%{WORD:w}"), dissectProcessor("%{a} %{b}")),
		WithGrokCollection(coll))

	snap := waitReady(t, m)
	require.True(t, coll.IsReady())
	require.Equal(t, []string{"p1", "p2"}, snap.ProcessorIDs())
	require.Equal(t, snap.ProcessorIDs(), snap.InitialIDs)
	require.False(t, snap.HasStagedChanges)
	require.False(t, snap.CanUpdate)
	require.True(t, snap.Matches("ready.stream.idle"))
	require.True(t, snap.Matches("ready.enrichment.displayingProcessors"))
	require.False(t, snap.Matches("ready.enrichment.displayingSimulation"))
	for _, p := range snap.Processors {
		require.Equal(t, processor.StateConfiguredIdle, p.State)
		require.False(t, p.IsNew)
	}
}

// ===========================================================================
// Stream region
// ===========================================================================

func TestMachine_ResetWithoutStagedChangesIsNoop(t *testing.T) {
	m := startMachine(t, definition("logs.app", grokProcessor("%{WORD:w}")))
	before := waitReady(t, m)

	after := send(t, m, event.Reset{})
	require.False(t, after.LastHandled)
	require.Equal(t, before.ProcessorIDs(), after.ProcessorIDs())
	require.Equal(t, before.InitialIDs, after.InitialIDs)
}

func TestMachine_ResetDiscardsStagedChanges(t *testing.T) {
	m := startMachine(t, definition("logs.app", grokProcessor("%{WORD:w}")))
	waitReady(t, m)

	snap := send(t, m, event.AddProcessor{Processor: dissectProcessor("%{a} %{b}")})
	require.Equal(t, []string{"p1", "p2"}, snap.ProcessorIDs())
	require.True(t, snap.HasStagedChanges)

	snap = send(t, m, event.Reset{})
	require.True(t, snap.LastHandled)
	require.Len(t, snap.Processors, 1)
	require.Equal(t, []string{"p3"}, snap.ProcessorIDs())
	require.False(t, snap.HasStagedChanges)
}

func TestMachine_AddThenCommit(t *testing.T) {
	client := newGatedClient()
	rec := &notify.Recorder{}
	refreshed := make(chan string, 1)
	m := startMachine(t, definition("logs.app", grokProcessor("%{WORD:w}")),
		WithUpsertClient(client),
		WithNotifier(rec),
		WithRefresh(func(_ context.Context, name string) { refreshed <- name }),
	)
	waitReady(t, m)

	snap := send(t, m, event.AddProcessor{Processor: grokProcessor("%{IP:client.ip}")})
	require.Equal(t, []string{"p1", "p2"}, snap.ProcessorIDs())
	draft, ok := snap.Processor("p2")
	require.True(t, ok)
	require.Equal(t, processor.StateDraft, draft.State)
	require.True(t, snap.HasPendingDraft)

	snap = send(t, m, event.Update{})
	require.False(t, snap.LastHandled, "update must be rejected while a draft exists")
	require.Equal(t, StreamIdle, snap.Stream)

	snap = send(t, m, toProcessor("p2", event.InputStage))
	require.True(t, snap.LastHandled)
	require.False(t, snap.HasPendingDraft)
	require.True(t, snap.CanUpdate)

	snap = send(t, m, event.Update{})
	require.True(t, snap.LastHandled)
	require.Equal(t, StreamUpdating, snap.Stream)
	require.True(t, snap.Matches("ready.stream.updating"))

	req := client.next(t)
	require.Len(t, req.Processors, 2)
	require.Equal(t, []string{"%{IP:client.ip}"}, req.Processors[1].Grok.Patterns)
	require.Nil(t, req.Fields)
	client.replies <- nil

	snap = waitFor(t, m, func(s Snapshot) bool {
		return s.Stream == StreamIdle && s.LastEvent == "machine.upsertDone"
	})
	require.Equal(t, []string{"p3", "p4"}, snap.ProcessorIDs())
	require.Equal(t, snap.ProcessorIDs(), snap.InitialIDs)
	require.False(t, snap.HasStagedChanges)
	require.Len(t, snap.Definition.Stream.Ingest.Processing, 2)

	all := rec.All()
	require.Len(t, all, 1)
	require.Equal(t, notify.LevelSuccess, all[0].Level)

	select {
	case name := <-refreshed:
		require.Equal(t, "logs.app", name)
	case <-time.After(waitTimeout):
		t.Fatal("definition refresh not requested")
	}
}

func TestMachine_FailedCommitPreservesEdits(t *testing.T) {
	client := newGatedClient()
	rec := &notify.Recorder{}
	m := startMachine(t, definition("logs.app", grokProcessor("%{WORD:w}")),
		WithUpsertClient(client), WithNotifier(rec))
	waitReady(t, m)

	snap := send(t, m, toProcessor("p1", event.InputDelete))
	require.Empty(t, snap.Processors)
	require.True(t, snap.CanUpdate)

	send(t, m, event.Update{})
	require.Empty(t, client.next(t).Processors)
	client.replies <- errors.New("version conflict")

	snap = waitFor(t, m, func(s Snapshot) bool {
		return s.Stream == StreamIdle && s.LastEvent == "machine.upsertDone"
	})
	require.Empty(t, snap.Processors)
	require.Equal(t, []string{"p1"}, snap.InitialIDs)
	require.True(t, snap.HasStagedChanges)
	require.Contains(t, snap.Error, "version conflict")

	all := rec.All()
	require.Len(t, all, 1)
	require.Equal(t, notify.LevelDanger, all[0].Level)
	require.Contains(t, all[0].Text, "version conflict")

	snap = send(t, m, event.Update{})
	require.True(t, snap.LastHandled)
	require.Empty(t, client.next(t).Processors)
	client.replies <- nil
	snap = waitFor(t, m, func(s Snapshot) bool {
		return s.Stream == StreamIdle && s.LastEvent == "machine.upsertDone"
	})
	require.Empty(t, snap.Processors)
	require.False(t, snap.HasStagedChanges)
}

func TestMachine_RefreshWinsWhileUpdating(t *testing.T) {
	client := newGatedClient()
	rec := &notify.Recorder{}
	m := startMachine(t, definition("logs.app", grokProcessor("%{WORD:w}")),
		WithUpsertClient(client), WithNotifier(rec))
	waitReady(t, m)

	send(t, m, toProcessor("p1", event.InputDelete))
	snap := send(t, m, event.Update{})
	require.Equal(t, StreamUpdating, snap.Stream)
	client.next(t)

	fresh := definition("logs.app", dissectProcessor("%{a} %{b}"), grokProcessor("%{NUMBER:n}"))
	snap = send(t, m, event.Received{Definition: fresh})
	require.True(t, snap.LastHandled)
	require.Equal(t, StreamIdle, snap.Stream)
	require.Equal(t, []string{"p2", "p3"}, snap.ProcessorIDs())
	require.False(t, snap.HasStagedChanges)

	// The superseded call is cancelled and its outcome dropped.
	snap = waitFor(t, m, func(s Snapshot) bool { return s.LastEvent == "machine.upsertDone" })
	require.False(t, snap.LastHandled)
	require.Equal(t, []string{"p2", "p3"}, snap.ProcessorIDs())
	require.Len(t, snap.Definition.Stream.Ingest.Processing, 2)
	require.Empty(t, rec.All())
}

func TestMachine_UpdateAfterRefreshDuringUpdating(t *testing.T) {
	client := newGatedClient()
	rec := &notify.Recorder{}
	m := startMachine(t, definition("logs.app", grokProcessor("%{WORD:w}")),
		WithUpsertClient(client), WithNotifier(rec))
	waitReady(t, m)

	send(t, m, toProcessor("p1", event.InputDelete))
	send(t, m, event.Update{})
	client.next(t)

	fresh := definition("logs.app", dissectProcessor("%{a} %{b}"), grokProcessor("%{NUMBER:n}"))
	send(t, m, event.Received{Definition: fresh})
	snap := send(t, m, event.ReorderProcessors{IDs: []string{"p3", "p2"}})
	require.True(t, snap.CanUpdate)

	snap = send(t, m, event.Update{})
	require.True(t, snap.LastHandled)
	require.Equal(t, StreamUpdating, snap.Stream)
	require.Empty(t, snap.Error)

	req := client.next(t)
	require.Len(t, req.Processors, 2)
	require.Equal(t, streams.ProcessorGrok, req.Processors[0].Type())
	require.Equal(t, streams.ProcessorDissect, req.Processors[1].Type())
	client.replies <- nil

	snap = waitFor(t, m, func(s Snapshot) bool {
		return s.LastEvent == "machine.upsertDone" && s.LastHandled
	})
	require.Equal(t, StreamIdle, snap.Stream)
	require.False(t, snap.HasStagedChanges)

	all := rec.All()
	require.Len(t, all, 1, "only the second update notifies")
	require.Equal(t, notify.LevelSuccess, all[0].Level)
}

func TestMachine_UpdateRejectedWithAnyDraft(t *testing.T) {
	client := newGatedClient()
	m := startMachine(t, definition("logs.app", grokProcessor("%{WORD:a}"), grokProcessor("%{WORD:b}")),
		WithUpsertClient(client))
	waitReady(t, m)

	snap := send(t, m, event.ReorderProcessors{IDs: []string{"p2", "p1"}})
	require.True(t, snap.HasStagedChanges)
	require.True(t, snap.CanUpdate)

	snap = send(t, m, event.AddProcessor{Processor: dissectProcessor("%{a}")})
	require.True(t, snap.HasStagedChanges)
	require.True(t, snap.HasPendingDraft)
	require.False(t, snap.CanUpdate)

	snap = send(t, m, event.Update{})
	require.False(t, snap.LastHandled)
	require.Equal(t, StreamIdle, snap.Stream)
	require.Empty(t, client.requests)
}

func TestMachine_UpdateWhileUpdatingIsRejected(t *testing.T) {
	client := newGatedClient()
	m := startMachine(t, definition("logs.app", grokProcessor("%{WORD:w}")), WithUpsertClient(client))
	waitReady(t, m)

	send(t, m, toProcessor("p1", event.InputDelete))
	send(t, m, event.Update{})
	client.next(t)

	snap := send(t, m, event.Update{})
	require.False(t, snap.LastHandled)
	snap = send(t, m, event.Reset{})
	require.False(t, snap.LastHandled)
	require.Equal(t, StreamUpdating, snap.Stream)
	client.replies <- nil
}

func TestMachine_UpdateWithoutClientIsIgnored(t *testing.T) {
	m := startMachine(t, definition("logs.app", grokProcessor("%{WORD:w}")))
	waitReady(t, m)

	send(t, m, toProcessor("p1", event.InputDelete))
	snap := send(t, m, event.Update{})
	require.False(t, snap.LastHandled)
	require.Equal(t, StreamIdle, snap.Stream)
}

// ===========================================================================
// Processors region
// ===========================================================================

func TestMachine_AddBlockedWhileDraftPending(t *testing.T) {
	m := startMachine(t, definition("logs.app"))
	waitReady(t, m)

	snap := send(t, m, event.AddProcessor{Processor: dissectProcessor("%{a}")})
	require.True(t, snap.LastHandled)

	snap = send(t, m, event.AddProcessor{Processor: dissectProcessor("%{b}")})
	require.False(t, snap.LastHandled)
	require.Len(t, snap.Processors, 1)

	snap = send(t, m, event.AddProcessor{})
	require.False(t, snap.LastHandled)

	snap = send(t, m, toProcessor("p1", event.InputCancel))
	require.True(t, snap.LastHandled)
	require.Empty(t, snap.Processors)
	require.False(t, snap.HasStagedChanges)
}

func TestMachine_ReorderGuards(t *testing.T) {
	m := startMachine(t, definition("logs.app", grokProcessor("%{WORD:a}")))
	waitReady(t, m)

	snap := send(t, m, event.ReorderProcessors{IDs: []string{"p1"}})
	require.False(t, snap.LastHandled, "reorder needs two processors")

	snap = send(t, m, event.AddProcessor{Processor: dissectProcessor("%{a}")})
	require.Equal(t, []string{"p1", "p2"}, snap.ProcessorIDs())

	for _, ids := range [][]string{{"p2"}, {"p2", "p2"}, {"p2", "p9"}, {"p1", "p2", "p3"}} {
		snap = send(t, m, event.ReorderProcessors{IDs: ids})
		require.False(t, snap.LastHandled, "ids %v", ids)
		require.Equal(t, []string{"p1", "p2"}, snap.ProcessorIDs())
	}

	snap = send(t, m, event.ReorderProcessors{IDs: []string{"p2", "p1"}})
	require.True(t, snap.LastHandled)
	require.Equal(t, []string{"p2", "p1"}, snap.ProcessorIDs())
}

func TestMachine_ReorderBackClearsStagedChanges(t *testing.T) {
	m := startMachine(t, definition("logs.app", grokProcessor("%{WORD:a}"), grokProcessor("%{WORD:b}")))
	waitReady(t, m)

	snap := send(t, m, event.ReorderProcessors{IDs: []string{"p2", "p1"}})
	require.True(t, snap.HasStagedChanges)
	snap = send(t, m, event.ReorderProcessors{IDs: []string{"p1", "p2"}})
	require.False(t, snap.HasStagedChanges)
}

func TestMachine_EditAndUpdateMarksStaged(t *testing.T) {
	m := startMachine(t, definition("logs.app", grokProcessor("%{WORD:a}")))
	waitReady(t, m)

	send(t, m, toProcessor("p1", event.InputEdit))
	snap := send(t, m, event.SendToProcessor{ID: "p1", Input: event.ProcessorInput{
		Kind:      event.InputChange,
		Processor: grokProcessor("%{NUMBER:n}"),
	}})
	require.False(t, snap.HasStagedChanges, "editing alone is not staged")

	snap = send(t, m, toProcessor("p1", event.InputUpdate))
	require.True(t, snap.HasStagedChanges)
	p, _ := snap.Processor("p1")
	require.True(t, p.IsUpdated)
	require.Equal(t, []string{"%{NUMBER:n}"}, p.Processor.Grok.Patterns)

	snap = send(t, m, toProcessor("missing", event.InputEdit))
	require.False(t, snap.LastHandled)
}

func TestMachine_DraftGrokChangeAbsorbsCustomPatterns(t *testing.T) {
	coll := grok.NewCollection()
	m := startMachine(t, definition("logs.app"), WithGrokCollection(coll))
	waitReady(t, m)

	send(t, m, event.AddProcessor{Processor: grokProcessor("%{WORD:w}")})
	changed := grokProcessor("%{SERVICE:svc}")
	changed.Grok.PatternDefinitions = map[string]string{"SERVICE": "[a-z]+-svc"}
	snap := send(t, m, event.SendToProcessor{ID: "p1", Input: event.ProcessorInput{
		Kind:      event.InputChange,
		Processor: changed,
	}})
	require.True(t, snap.LastHandled)
	require.Equal(t, map[string]string{"SERVICE": "[a-z]+-svc"}, coll.CustomPatterns())

	snap = send(t, m, toProcessor("p1", event.InputStage))
	p, _ := snap.Processor("p1")
	require.Equal(t, processor.StateConfiguredIdle, p.State)
}

// ===========================================================================
// Simulation region
// ===========================================================================

func TestMachine_SimulationSpawnsLazily(t *testing.T) {
	eval := &recordingEvaluator{}
	m := startMachine(t, definition("logs.app", grokProcessor("%{WORD:w}")), WithEvaluator(eval))
	snap := waitReady(t, m)
	require.Nil(t, snap.Simulation)

	snap = send(t, m, event.ViewDetectedFields{})
	require.True(t, snap.LastHandled)
	require.True(t, snap.Matches("ready.enrichment.displayingSimulation.viewDetectedFields"))
	require.NotNil(t, snap.Simulation)

	snap = waitFor(t, m, func(s Snapshot) bool {
		return s.Simulation != nil && s.Simulation.State == simulation.StateReady
	})
	require.Equal(t, "logs.app", eval.last().StreamName)
	require.Len(t, eval.last().Processors, 1)
}

func TestMachine_SimulationIgnoredWithoutEvaluator(t *testing.T) {
	m := startMachine(t, definition("logs.app"))
	waitReady(t, m)

	snap := send(t, m, event.ViewDataPreview{})
	require.False(t, snap.LastHandled)
	require.False(t, snap.SimulationActive)
}

func TestMachine_SimulationSyncSendsFullStagedList(t *testing.T) {
	eval := &recordingEvaluator{}
	m := startMachine(t, definition("logs.app", grokProcessor("%{WORD:a}"), dissectProcessor("%{x} %{y}")),
		WithEvaluator(eval))
	waitReady(t, m)
	send(t, m, event.ViewDataPreview{})

	send(t, m, toProcessor("p1", event.InputEdit))
	send(t, m, event.SendToProcessor{ID: "p1", Input: event.ProcessorInput{
		Kind:      event.InputChange,
		Processor: grokProcessor("%{NUMBER:n}"),
	}})
	snap := send(t, m, toProcessor("p1", event.InputUpdate))

	require.NotNil(t, snap.Simulation)
	require.Contains(t, snap.Simulation.Received, event.TypeProcessorChange)
	require.Contains(t, snap.Simulation.Received, event.TypeProcessorUpdate)
	require.Len(t, snap.Simulation.Processors, 2)
	require.Equal(t, []string{"%{NUMBER:n}"}, snap.Simulation.Processors[0].Grok.Patterns)
	require.NotNil(t, snap.Simulation.Processors[1].Dissect)

	waitFor(t, m, func(s Snapshot) bool {
		return s.Simulation.State == simulation.StateReady && len(eval.last().Processors) == 2 &&
			eval.last().Processors[0].Grok.Patterns[0] == "%{NUMBER:n}"
	})
}

func TestMachine_ChangeOnNewProcessorNotForwarded(t *testing.T) {
	eval := &recordingEvaluator{}
	m := startMachine(t, definition("logs.app"), WithEvaluator(eval))
	waitReady(t, m)
	send(t, m, event.ViewDataPreview{})

	snap := send(t, m, event.AddProcessor{Processor: dissectProcessor("%{a}")})
	require.Contains(t, snap.Simulation.Received, event.TypeProcessorsAdd)
	require.Len(t, snap.Simulation.Processors, 1)

	snap = send(t, m, event.SendToProcessor{ID: "p1", Input: event.ProcessorInput{
		Kind:      event.InputChange,
		Processor: dissectProcessor("%{a} %{b}"),
	}})
	require.True(t, snap.LastHandled)
	require.NotContains(t, snap.Simulation.Received, event.TypeProcessorChange)
	require.Equal(t, "%{a}", snap.Simulation.Processors[0].Dissect.Pattern)

	snap = send(t, m, toProcessor("p1", event.InputStage))
	require.Contains(t, snap.Simulation.Received, event.TypeProcessorStage)
	require.Equal(t, "%{a} %{b}", snap.Simulation.Processors[0].Dissect.Pattern)
}

func TestMachine_SimulationEventsGatedByView(t *testing.T) {
	eval := &recordingEvaluator{}
	m := startMachine(t, definition("logs.app"), WithEvaluator(eval))
	waitReady(t, m)

	snap := send(t, m, event.ChangePreviewDocsFilter{Filter: event.FilterFailed})
	require.True(t, snap.LastHandled)
	require.Equal(t, ViewDataPreview, snap.View)
	require.Equal(t, event.FilterFailed, snap.Simulation.Filter)

	snap = send(t, m, event.MapField{Name: "w", FieldType: streams.FieldKeyword})
	require.False(t, snap.LastHandled, "fields events need the detected fields view")
	require.Empty(t, snap.Simulation.Mappings)

	send(t, m, event.ViewDetectedFields{})
	snap = send(t, m, event.MapField{Name: "w", FieldType: streams.FieldKeyword})
	require.True(t, snap.LastHandled)
	require.Equal(t, streams.FieldKeyword, snap.Simulation.Mappings["w"])

	snap = send(t, m, event.UpdateEnabledColumns{Columns: []string{"w"}})
	require.False(t, snap.LastHandled, "column events need the data preview view")

	snap = send(t, m, event.ViewDetectedFields{})
	require.False(t, snap.LastHandled)

	send(t, m, event.ViewDataPreview{})
	snap = send(t, m, event.UpdateEnabledColumns{Columns: []string{"w"}})
	require.True(t, snap.LastHandled)
	require.Equal(t, []string{"w"}, snap.Simulation.EnabledColumns)
}

func TestMachine_UpdateSendsMappedFieldsForWiredStreams(t *testing.T) {
	client := newGatedClient()
	eval := &recordingEvaluator{}
	def := definition("logs.app", grokProcessor("%{WORD:w}"))
	def.Stream.Ingest.Wired = &streams.Wired{Fields: map[string]streams.FieldDefinition{
		"host.name": {Type: streams.FieldKeyword},
	}}
	m := startMachine(t, def, WithUpsertClient(client), WithEvaluator(eval))
	waitReady(t, m)

	send(t, m, event.ViewDetectedFields{})
	send(t, m, event.MapField{Name: "w", FieldType: streams.FieldLong})
	send(t, m, toProcessor("p1", event.InputDelete))

	snap := send(t, m, event.Update{})
	require.True(t, snap.LastHandled)
	require.Equal(t, ViewDataPreview, snap.View)
	require.Contains(t, snap.Simulation.Received, event.TypeSimulationReset)

	req := client.next(t)
	require.Equal(t, map[string]streams.FieldDefinition{
		"host.name": {Type: streams.FieldKeyword},
		"w":         {Type: streams.FieldLong},
	}, req.Fields)
	client.replies <- nil

	snap = waitFor(t, m, func(s Snapshot) bool { return s.LastEvent == "machine.upsertDone" })
	require.False(t, snap.SimulationActive, "re-entering ready stops the simulator")
	require.Equal(t, streams.FieldLong, snap.Definition.Stream.Ingest.Wired.Fields["w"].Type)
}

func TestMachine_ReceivedStopsSimulator(t *testing.T) {
	eval := &recordingEvaluator{}
	m := startMachine(t, definition("logs.app"), WithEvaluator(eval))
	waitReady(t, m)

	snap := send(t, m, event.ViewDataPreview{})
	require.True(t, snap.SimulationActive)

	snap = send(t, m, event.Received{Definition: definition("logs.app", grokProcessor("%{WORD:w}"))})
	require.False(t, snap.SimulationActive)
	require.Nil(t, snap.Simulation)
	require.Equal(t, []string{"p1"}, snap.ProcessorIDs())
}

// ===========================================================================
// Dispatch
// ===========================================================================

func TestMachine_SendErrors(t *testing.T) {
	m := New(definition("logs.app"), WithQueueCapacity(1))
	require.ErrorIs(t, m.Send(nil), event.ErrNilEvent)
	require.NoError(t, m.Send(event.Reset{}))
	require.ErrorIs(t, m.Send(event.Reset{}), event.ErrQueueFull)
	require.Equal(t, 1, m.QueueLength())

	m.Stop()
	require.ErrorIs(t, m.Send(event.Reset{}), event.ErrStopped)
	_, err := m.SendAndWait(context.Background(), event.Reset{})
	require.ErrorIs(t, err, event.ErrStopped)
	require.ErrorIs(t, m.WaitForReady(context.Background()), event.ErrStopped)
}

func TestMachine_StopEndsSubscriptions(t *testing.T) {
	m := startMachine(t, definition("logs.app"), WithGrokSetup(noopGrokSetup))
	waitReady(t, m)

	ch := m.Subscribe(context.Background())
	m.Stop()
	require.False(t, m.IsRunning())

	for range ch {
	}
	_, err := m.WaitFor(context.Background(), func(Snapshot) bool { return false })
	require.ErrorIs(t, err, event.ErrStopped)
}

func TestMachine_ProcessedCount(t *testing.T) {
	m := startMachine(t, definition("logs.app"), WithGrokSetup(noopGrokSetup))
	waitReady(t, m)
	before := m.ProcessedCount()

	snap := send(t, m, event.Reset{})
	require.Equal(t, before+1, m.ProcessedCount())
	require.Equal(t, before+1, snap.Processed)
	require.Equal(t, event.TypeStreamReset, snap.LastEvent)
}
