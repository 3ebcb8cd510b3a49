package enrichment

import (
	"strings"

	"github.com/zjrosen/enrich/internal/enrichment/event"
	"github.com/zjrosen/enrich/internal/enrichment/processor"
	"github.com/zjrosen/enrich/internal/enrichment/simulation"
	"github.com/zjrosen/enrich/internal/streams"
)

// TopState is the top-level machine state.
type TopState string

const (
	StateInitializing          TopState = "initializing"
	StateResolvedRootStream    TopState = "resolvedRootStream"
	StateSetupGrokCollection   TopState = "setupGrokCollection"
	StateGrokCollectionFailure TopState = "grokCollectionFailure"
	StateReady                 TopState = "ready"
)

// Final reports whether no transition leaves s.
func (s TopState) Final() bool {
	return s == StateResolvedRootStream || s == StateGrokCollectionFailure
}

// StreamState is the state of the stream region of ready.
type StreamState string

const (
	StreamIdle     StreamState = "idle"
	StreamUpdating StreamState = "updating"
)

// View is the active view of the displayingSimulation region.
type View string

const (
	ViewDataPreview    View = "viewDataPreview"
	ViewDetectedFields View = "viewDetectedFields"
)

// Snapshot is an immutable view of the machine published after every
// processed event.
type Snapshot struct {
	State            TopState             `json:"state" yaml:"state"`
	Stream           StreamState          `json:"stream,omitempty" yaml:"stream,omitempty"`
	SimulationActive bool                 `json:"simulation_active" yaml:"simulation_active"`
	View             View                 `json:"view,omitempty" yaml:"view,omitempty"`
	Definition       streams.Definition   `json:"definition" yaml:"definition"`
	Processors       []processor.Snapshot `json:"processors" yaml:"processors"`
	InitialIDs       []string             `json:"initial_ids" yaml:"initial_ids"`
	HasStagedChanges bool                 `json:"has_staged_changes" yaml:"has_staged_changes"`
	HasPendingDraft  bool                 `json:"has_pending_draft" yaml:"has_pending_draft"`
	CanUpdate        bool                 `json:"can_update" yaml:"can_update"`
	Simulation       *simulation.Snapshot `json:"simulation,omitempty" yaml:"simulation,omitempty"`
	Processed        int64                `json:"processed" yaml:"processed"`
	LastEvent        event.Type           `json:"last_event,omitempty" yaml:"last_event,omitempty"`
	LastHandled      bool                 `json:"last_handled" yaml:"last_handled"`
	Error            string               `json:"error,omitempty" yaml:"error,omitempty"`
}

// Value returns the active state paths, one per active leaf region.
func (s Snapshot) Value() []string {
	if s.State != StateReady {
		return []string{string(s.State)}
	}
	out := []string{
		"ready.stream." + string(s.Stream),
		"ready.enrichment.displayingProcessors",
	}
	if s.SimulationActive {
		out = append(out, "ready.enrichment.displayingSimulation."+string(s.View))
	}
	return out
}

// Matches reports whether path is an active state path or a prefix of one,
// compared segment by segment ("ready.stream" matches "ready.stream.idle").
func (s Snapshot) Matches(path string) bool {
	for _, v := range s.Value() {
		if v == path || strings.HasPrefix(v, path+".") {
			return true
		}
	}
	return false
}

// ProcessorIDs returns the live processor ids in order.
func (s Snapshot) ProcessorIDs() []string {
	ids := make([]string, len(s.Processors))
	for i, p := range s.Processors {
		ids[i] = p.Processor.ID
	}
	return ids
}

// Processor returns the snapshot of the processor with id.
func (s Snapshot) Processor(id string) (processor.Snapshot, bool) {
	for _, p := range s.Processors {
		if p.Processor.ID == id {
			return p, true
		}
	}
	return processor.Snapshot{}, false
}
