package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/enrich/internal/enrichment"
	"github.com/zjrosen/enrich/internal/enrichment/event"
	"github.com/zjrosen/enrich/internal/enrichment/simulation"
	"github.com/zjrosen/enrich/internal/grok"
	"github.com/zjrosen/enrich/internal/log"
	"github.com/zjrosen/enrich/internal/metrics"
	"github.com/zjrosen/enrich/internal/notify"
	"github.com/zjrosen/enrich/internal/streams"
)

// DefaultWaitTimeout bounds each step's wait condition.
const DefaultWaitTimeout = 30 * time.Second

// Options configures a Runner. Zero values use the package defaults of each
// collaborator.
type Options struct {
	SampleSize        int
	SimulationTimeout time.Duration
	UpsertTimeout     time.Duration
	WaitTimeout       time.Duration
	Grok              []grok.Option
	GrokSetup         enrichment.GrokSetupFunc
	IDs               enrichment.IDGenerator
	Metrics           *metrics.Metrics
	Tracer            trace.Tracer
	// Notifier also receives every notification; they are always recorded
	// in Result.Notifications.
	Notifier notify.Sink
	// Changes signals store changes made outside the session; each signal
	// refreshes the definition.
	Changes <-chan struct{}
}

// Result is the outcome of a scripted session.
type Result struct {
	Snapshot      enrichment.Snapshot
	Notifications []notify.Notification
	// Diff is the line diff between the persisted processors and the
	// configured processors that an update would commit. Empty when equal.
	Diff string
}

// Runner replays scripts against the stream store.
type Runner struct {
	repo streams.Repository
	opts Options
}

// NewRunner creates a runner over repo. The repository is also the upsert
// endpoint and the sample source for previews.
func NewRunner(repo streams.Repository, opts Options) *Runner {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultWaitTimeout
	}
	return &Runner{repo: repo, opts: opts}
}

// Run loads name, starts a machine and applies every step of script in order.
// The machine is stopped before Run returns.
func (r *Runner) Run(ctx context.Context, name string, script Script) (Result, error) {
	def, err := r.repo.Get(ctx, name)
	if err != nil {
		return Result{}, err
	}

	coll := grok.NewCollection(r.opts.Grok...)
	rec := &notify.Recorder{}
	var sink notify.Sink = rec
	if r.opts.Notifier != nil {
		sink = notify.SinkFunc(func(n notify.Notification) {
			rec.Notify(n)
			r.opts.Notifier.Notify(n)
		})
	}
	refresher := NewRefresher(r.repo)

	opts := []enrichment.Option{
		enrichment.WithGrokCollection(coll),
		enrichment.WithRefresh(refresher.Refresh),
		enrichment.WithEvaluator(simulation.NewLocalEvaluator(r.repo, coll, r.opts.SampleSize)),
		enrichment.WithSimulationTimeout(r.opts.SimulationTimeout),
		enrichment.WithUpsertClient(r.repo),
		enrichment.WithUpsertTimeout(r.opts.UpsertTimeout),
		enrichment.WithNotifier(sink),
	}
	if r.opts.GrokSetup != nil {
		opts = append(opts, enrichment.WithGrokSetup(r.opts.GrokSetup))
	}
	if r.opts.IDs != nil {
		opts = append(opts, enrichment.WithIDGenerator(r.opts.IDs))
	}
	if r.opts.Metrics != nil {
		opts = append(opts, enrichment.WithMetrics(r.opts.Metrics))
	}
	if r.opts.Tracer != nil {
		opts = append(opts, enrichment.WithTracer(r.opts.Tracer))
	}

	m := enrichment.New(def, opts...)
	refresher.Bind(m)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go m.Run(runCtx)
	defer m.Stop()

	if err := m.WaitForReady(ctx); err != nil {
		return Result{}, err
	}
	snap, err := r.wait(ctx, m, func(s enrichment.Snapshot) bool {
		return s.State == enrichment.StateReady || s.State.Final()
	})
	if err != nil {
		return Result{Snapshot: snap}, err
	}
	if snap.State != enrichment.StateReady {
		return Result{Snapshot: snap, Notifications: rec.All()},
			fmt.Errorf("%w: %s is %s", ErrNotEditable, name, snap.State)
	}
	log.Info(log.CatStream, "session started", "stream", name, "steps", len(script.Steps))

	if r.opts.Changes != nil {
		go refresher.Watch(runCtx, name, r.opts.Changes)
	}

	for i, step := range script.Steps {
		if err := r.apply(ctx, m, name, step); err != nil {
			return Result{Snapshot: m.Snapshot(), Notifications: rec.All()},
				fmt.Errorf("step %d (%s): %w", i, step.Event, err)
		}
	}

	final := m.Snapshot()
	diff, err := streams.ProcessorsDiff(ctx, final.Definition.Stream.Ingest.Processing, configured(final))
	if err != nil {
		return Result{Snapshot: final, Notifications: rec.All()}, err
	}
	log.Info(log.CatStream, "session finished", "stream", name,
		"processed", final.Processed, "staged", final.HasStagedChanges)
	return Result{Snapshot: final, Notifications: rec.All(), Diff: diff}, nil
}

// apply sends one step and waits for its condition.
func (r *Runner) apply(ctx context.Context, m *enrichment.Machine, name string, step Step) error {
	var ev event.Event
	if step.Event == event.TypeStreamReceived {
		def, err := r.repo.Get(ctx, name)
		if err != nil {
			return err
		}
		ev = event.Received{Definition: def}
	} else {
		var err error
		if ev, err = step.Resolve(m.Snapshot()); err != nil {
			return err
		}
	}

	snap, err := m.SendAndWait(ctx, ev)
	if err != nil {
		return err
	}
	if !snap.LastHandled {
		log.Debug(log.CatStream, "scripted event ignored", "event", ev.Type())
	}

	if step.Wait == "" {
		return nil
	}
	_, err = r.wait(ctx, m, func(s enrichment.Snapshot) bool { return matchesWait(s, step.Wait) })
	return err
}

func (r *Runner) wait(ctx context.Context, m *enrichment.Machine, pred func(enrichment.Snapshot) bool) (enrichment.Snapshot, error) {
	waitCtx, cancel := context.WithTimeout(ctx, r.opts.WaitTimeout)
	defer cancel()
	snap, err := m.WaitFor(waitCtx, pred)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return snap, fmt.Errorf("%w after %s", ErrWaitTimeout, r.opts.WaitTimeout)
	}
	return snap, err
}

// matchesWait reports whether s satisfies a step's wait condition.
func matchesWait(s enrichment.Snapshot, wait string) bool {
	if state, ok := strings.CutPrefix(wait, "simulation."); ok {
		return s.Simulation != nil && string(s.Simulation.State) == state
	}
	return s.Matches(wait)
}

// configured returns the processors an update would commit.
func configured(s enrichment.Snapshot) []streams.ProcessorDefinition {
	var out []streams.ProcessorDefinition
	for _, p := range s.Processors {
		if p.State.IsConfigured() {
			out = append(out, streams.FromUI(p.Processor))
		}
	}
	return out
}
