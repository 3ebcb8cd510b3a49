package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/enrich/internal/enrichment"
	"github.com/zjrosen/enrich/internal/enrichment/event"
	"github.com/zjrosen/enrich/internal/enrichment/simulation"
	"github.com/zjrosen/enrich/internal/grok"
	"github.com/zjrosen/enrich/internal/infrastructure/sqlite"
	"github.com/zjrosen/enrich/internal/notify"
	"github.com/zjrosen/enrich/internal/streams"
)

func setupRepo(t *testing.T) streams.Repository {
	t.Helper()
	db, err := sqlite.NewDB(filepath.Join(t.TempDir(), "streams.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo := db.StreamRepository()

	ctx := context.Background()
	_, err = repo.Put(ctx, streams.Definition{Stream: streams.Stream{
		Name: "logs.app",
		Ingest: streams.Ingest{Processing: []streams.ProcessorDefinition{{
			Grok: &streams.GrokProcessor{Field: "message", Patterns: []string{"%{WORD:verb} %{NOTSPACE:target}"}},
		}}},
	}})
	require.NoError(t, err)
	_, err = repo.Put(ctx, streams.Definition{Stream: streams.Stream{Name: "logs"}})
	require.NoError(t, err)
	require.NoError(t, repo.AddSamples(ctx, "logs.app", []streams.Document{
		{"message": "GET /index.html"},
		{"message": "POST /login"},
	}))
	return repo
}

func mustDecode(t *testing.T, src string) Script {
	t.Helper()
	s, err := DecodeScript([]byte(src))
	require.NoError(t, err)
	return s
}

func TestRunner_AddStageAndCommit(t *testing.T) {
	repo := setupRepo(t)
	var toasts []notify.Notification
	var mu sync.Mutex
	r := NewRunner(repo, Options{
		IDs:      enrichment.SequentialIDs("p"),
		Notifier: notify.SinkFunc(func(n notify.Notification) { mu.Lock(); toasts = append(toasts, n); mu.Unlock() }),
	})

	res, err := r.Run(context.Background(), "logs.app", mustDecode(t, `
steps:
  - event: processors.add
    processor:
      dissect:
        field: message
        pattern: "%{method} %{path}"
  - event: processor.send
    index: -1
    input: stage
  - event: stream.update
    wait: ready.stream.idle
`))
	require.NoError(t, err)

	require.Len(t, res.Notifications, 1)
	require.Equal(t, notify.LevelSuccess, res.Notifications[0].Level)
	mu.Lock()
	require.Len(t, toasts, 1, "external notifier sees the same notifications")
	mu.Unlock()

	require.Len(t, res.Snapshot.Definition.Stream.Ingest.Processing, 2)
	require.False(t, res.Snapshot.HasStagedChanges)
	require.Empty(t, res.Diff)

	stored, err := repo.Get(context.Background(), "logs.app")
	require.NoError(t, err)
	require.Len(t, stored.Stream.Ingest.Processing, 2)
	require.Equal(t, streams.ProcessorDissect, stored.Stream.Ingest.Processing[1].Type())
}

func TestRunner_StagedEditsProduceDiff(t *testing.T) {
	repo := setupRepo(t)
	r := NewRunner(repo, Options{})

	res, err := r.Run(context.Background(), "logs.app", mustDecode(t, `
steps:
  - event: processors.add
    processor:
      grok:
        field: message
        patterns: ["%{WORD:verb}"]
  - event: processor.send
    index: 1
    input: stage
  - event: processors.reorder
    order: [1, 0]
`))
	require.NoError(t, err)
	require.True(t, res.Snapshot.HasStagedChanges)
	require.True(t, res.Snapshot.CanUpdate)
	require.Contains(t, res.Diff, "+ ")
	require.Empty(t, res.Notifications)

	stored, err := repo.Get(context.Background(), "logs.app")
	require.NoError(t, err)
	require.Len(t, stored.Stream.Ingest.Processing, 1, "nothing is committed without stream.update")
}

func TestRunner_Simulation(t *testing.T) {
	repo := setupRepo(t)
	r := NewRunner(repo, Options{SampleSize: 10})

	res, err := r.Run(context.Background(), "logs.app", mustDecode(t, `
steps:
  - event: simulation.viewDataPreview
    wait: simulation.ready
`))
	require.NoError(t, err)
	require.True(t, res.Snapshot.SimulationActive)
	require.Equal(t, enrichment.ViewDataPreview, res.Snapshot.View)
	require.NotNil(t, res.Snapshot.Simulation)
	require.Equal(t, simulation.StateReady, res.Snapshot.Simulation.State)
	require.Equal(t, 2, res.Snapshot.Simulation.Metrics.Total)
	require.InDelta(t, 1.0, res.Snapshot.Simulation.Metrics.ParsedRate, 0.0001)
}

func TestRunner_ReceivedStepReloadsDefinition(t *testing.T) {
	repo := setupRepo(t)
	r := NewRunner(repo, Options{})

	// The refreshed definition replaces staged edits.
	res, err := r.Run(context.Background(), "logs.app", mustDecode(t, `
steps:
  - event: processors.add
    processor:
      dissect:
        field: message
        pattern: "%{a} %{b}"
  - event: stream.received
`))
	require.NoError(t, err)
	require.Len(t, res.Snapshot.Processors, 1)
	require.False(t, res.Snapshot.HasPendingDraft)
}

func TestRunner_RootStreamIsNotEditable(t *testing.T) {
	repo := setupRepo(t)
	r := NewRunner(repo, Options{})

	res, err := r.Run(context.Background(), "logs", Script{})
	require.ErrorIs(t, err, ErrNotEditable)
	require.Equal(t, enrichment.StateResolvedRootStream, res.Snapshot.State)
}

func TestRunner_GrokSetupFailure(t *testing.T) {
	repo := setupRepo(t)
	r := NewRunner(repo, Options{
		GrokSetup: func(context.Context, *grok.Collection) error { return errors.New("no patterns") },
	})

	res, err := r.Run(context.Background(), "logs.app", Script{})
	require.ErrorIs(t, err, ErrNotEditable)
	require.Equal(t, enrichment.StateGrokCollectionFailure, res.Snapshot.State)
}

func TestRunner_MissingStream(t *testing.T) {
	repo := setupRepo(t)
	r := NewRunner(repo, Options{})

	_, err := r.Run(context.Background(), "logs.none", Script{})
	require.ErrorIs(t, err, streams.ErrStreamNotFound)
}

func TestRunner_WaitTimeout(t *testing.T) {
	repo := setupRepo(t)
	r := NewRunner(repo, Options{WaitTimeout: 50 * time.Millisecond})

	_, err := r.Run(context.Background(), "logs.app", mustDecode(t, `
steps:
  - event: stream.reset
    wait: ready.stream.updating
`))
	require.ErrorIs(t, err, ErrWaitTimeout)
	require.ErrorContains(t, err, "step 0 (stream.reset)")
}

func TestRunner_StepResolveError(t *testing.T) {
	repo := setupRepo(t)
	r := NewRunner(repo, Options{})

	_, err := r.Run(context.Background(), "logs.app", mustDecode(t, `
steps:
  - event: processor.delete
    index: 5
`))
	require.ErrorIs(t, err, event.ErrInvalidEvent)
}

type recordingSender struct {
	mu     sync.Mutex
	events []event.Event
}

func (s *recordingSender) Send(ev event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSender) all() []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event.Event(nil), s.events...)
}

func TestRefresher_Refresh(t *testing.T) {
	repo := setupRepo(t)
	ref := NewRefresher(repo)

	// Unbound refreshers drop the request.
	ref.Refresh(context.Background(), "logs.app")

	sender := &recordingSender{}
	ref.Bind(sender)
	ref.Refresh(context.Background(), "logs.app")
	ref.Refresh(context.Background(), "logs.none")

	got := sender.all()
	require.Len(t, got, 1, "missing streams are not delivered")
	received, ok := got[0].(event.Received)
	require.True(t, ok)
	require.Equal(t, "logs.app", received.Definition.Stream.Name)
}

func TestRefresher_WatchRefreshesOnRevisionChange(t *testing.T) {
	repo := setupRepo(t)
	ref := NewRefresher(repo)
	sender := &recordingSender{}
	ref.Bind(sender)

	// Unbuffered: each send completes only once Watch is listening.
	changes := make(chan struct{})
	done := make(chan struct{})
	go func() {
		ref.Watch(context.Background(), "logs.app", changes)
		close(done)
	}()

	ctx := context.Background()
	changes <- struct{}{}

	require.NoError(t, repo.AddSamples(ctx, "logs.app", []streams.Document{{"message": "PUT /x"}}))
	_, err := repo.Put(ctx, streams.Definition{Stream: streams.Stream{Name: "logs.other"}})
	require.NoError(t, err)
	changes <- struct{}{}

	def, err := repo.Get(ctx, "logs.app")
	require.NoError(t, err)
	def.Stream.Ingest.Processing = nil
	_, err = repo.Put(ctx, def)
	require.NoError(t, err)
	changes <- struct{}{}
	changes <- struct{}{}
	close(changes)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after changes closed")
	}

	got := sender.all()
	require.Len(t, got, 1, "only the definition write refreshes")
	received, ok := got[0].(event.Received)
	require.True(t, ok)
	require.Empty(t, received.Definition.Stream.Ingest.Processing)
}

func TestRefresher_WatchMissingStreamRefreshesOnceCreated(t *testing.T) {
	repo := setupRepo(t)
	ref := NewRefresher(repo)
	sender := &recordingSender{}
	ref.Bind(sender)

	changes := make(chan struct{})
	done := make(chan struct{})
	go func() {
		ref.Watch(context.Background(), "logs.new", changes)
		close(done)
	}()

	changes <- struct{}{}
	_, err := repo.Put(context.Background(), streams.Definition{Stream: streams.Stream{Name: "logs.new"}})
	require.NoError(t, err)
	changes <- struct{}{}
	close(changes)
	<-done

	require.Len(t, sender.all(), 1)
}

func TestRefresher_WatchStopsOnCancel(t *testing.T) {
	ref := NewRefresher(setupRepo(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ref.Watch(ctx, "logs.app", make(chan struct{}))
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
