// Package processor implements the processor actor: the edit life cycle of
// one pipeline step inside an enrichment session.
package processor

import (
	"context"
	"fmt"

	"github.com/zjrosen/enrich/internal/enrichment/event"
	"github.com/zjrosen/enrich/internal/grok"
	"github.com/zjrosen/enrich/internal/log"
	"github.com/zjrosen/enrich/internal/streams"
)

// State is the UI life cycle state of a processor.
type State string

const (
	// StateDraft is an unconfirmed processor. Drafts block commits.
	StateDraft State = "draft"
	// StateConfiguredIdle is a confirmed processor not being edited.
	StateConfiguredIdle State = "configured.idle"
	// StateConfiguredEditing is a confirmed processor with an open edit.
	StateConfiguredEditing State = "configured.editing"
)

// IsConfigured reports whether s is one of the configured states.
func (s State) IsConfigured() bool {
	return s == StateConfiguredIdle || s == StateConfiguredEditing
}

// Snapshot is a read-only view of an actor.
type Snapshot struct {
	Processor streams.UIProcessor `json:"processor" yaml:"processor"`
	State     State               `json:"state" yaml:"state"`
	IsNew     bool                `json:"is_new" yaml:"is_new"`
	IsUpdated bool                `json:"is_updated" yaml:"is_updated"`
	Error     string              `json:"error,omitempty" yaml:"error,omitempty"`
}

// Option configures an Actor.
type Option func(*Actor)

// WithGrokCollection makes stage and update validate grok patterns against c.
func WithGrokCollection(c *grok.Collection) Option {
	return func(a *Actor) {
		a.grok = c
	}
}

// Actor tracks one processor. It is not safe for concurrent use; the owning
// machine drives it from its event loop.
type Actor struct {
	id        string
	current   streams.ProcessorDefinition
	previous  streams.ProcessorDefinition
	state     State
	isNew     bool
	isUpdated bool
	lastErr   error
	stopped   bool

	parent func(event.Event)
	grok   *grok.Collection
}

// New creates an actor for p. New processors start as drafts; persisted ones
// start configured. parent receives the actor's notifications.
func New(p streams.UIProcessor, isNew bool, parent func(event.Event), opts ...Option) *Actor {
	a := &Actor{
		id:      p.ID,
		current: p.ProcessorDefinition.Clone(),
		state:   StateConfiguredIdle,
		isNew:   isNew,
		parent:  parent,
	}
	if isNew {
		a.state = StateDraft
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ID returns the processor id.
func (a *Actor) ID() string { return a.id }

// State returns the current state.
func (a *Actor) State() State { return a.state }

// IsNew reports whether the processor was created in this session.
func (a *Actor) IsNew() bool { return a.isNew }

// IsUpdated reports whether the processor was staged or updated since spawn.
func (a *Actor) IsUpdated() bool { return a.isUpdated }

// Stopped reports whether Stop was called.
func (a *Actor) Stopped() bool { return a.stopped }

// Processor returns a copy of the current processor.
func (a *Actor) Processor() streams.UIProcessor {
	return streams.ToUI(a.current, a.id)
}

// Snapshot returns a read-only view of the actor.
func (a *Actor) Snapshot() Snapshot {
	s := Snapshot{
		Processor: a.Processor(),
		State:     a.state,
		IsNew:     a.isNew,
		IsUpdated: a.isUpdated,
	}
	if a.lastErr != nil {
		s.Error = a.lastErr.Error()
	}
	return s
}

// Stop terminates the actor immediately. Unsent edits are lost and later
// input is ignored.
func (a *Actor) Stop() {
	a.stopped = true
}

// Send applies a UI input. It reports whether the input caused a transition.
func (a *Actor) Send(in event.ProcessorInput) bool {
	if a.stopped {
		return false
	}
	handled := a.handle(in)
	if !handled {
		log.Debug(log.CatProcessor, "input ignored", "id", a.id, "input", in.Kind, "state", a.state)
	}
	return handled
}

func (a *Actor) handle(in event.ProcessorInput) bool {
	switch in.Kind {
	case event.InputChange:
		if a.state != StateDraft && a.state != StateConfiguredEditing {
			return false
		}
		a.current = in.Processor.Clone()
		a.lastErr = nil
		a.notify(event.ChangeProcessor{ID: a.id})
		return true

	case event.InputStage:
		if a.state != StateDraft || !a.valid() {
			return false
		}
		a.state = StateConfiguredIdle
		a.isUpdated = true
		a.notify(event.StageProcessor{ID: a.id})
		return true

	case event.InputEdit:
		if a.state != StateConfiguredIdle {
			return false
		}
		a.previous = a.current.Clone()
		a.state = StateConfiguredEditing
		return true

	case event.InputUpdate:
		if a.state != StateConfiguredEditing || !a.valid() {
			return false
		}
		a.state = StateConfiguredIdle
		a.isUpdated = true
		a.notify(event.UpdateProcessor{ID: a.id})
		return true

	case event.InputCancel:
		switch a.state {
		case StateDraft:
			a.notify(event.DeleteProcessor{ID: a.id})
			return true
		case StateConfiguredEditing:
			a.current = a.previous
			a.lastErr = nil
			a.state = StateConfiguredIdle
			a.notify(event.ChangeProcessor{ID: a.id})
			return true
		default:
			return false
		}

	case event.InputDelete:
		a.notify(event.DeleteProcessor{ID: a.id})
		return true

	default:
		return false
	}
}

// valid checks the current configuration, recording the failure for the
// snapshot.
func (a *Actor) valid() bool {
	a.lastErr = a.validate()
	if a.lastErr != nil {
		log.Debug(log.CatProcessor, "processor invalid", "id", a.id, "error", a.lastErr)
		return false
	}
	return true
}

func (a *Actor) validate() error {
	if err := a.current.Validate(); err != nil {
		return err
	}
	if a.grok == nil || a.current.Grok == nil || !a.grok.IsReady() {
		return nil
	}
	for _, pattern := range a.current.Grok.Patterns {
		if err := a.grok.Validate(context.Background(), pattern, a.current.Grok.PatternDefinitions); err != nil {
			return fmt.Errorf("pattern %q: %w", pattern, err)
		}
	}
	return nil
}

func (a *Actor) notify(ev event.Event) {
	if a.parent != nil {
		a.parent(ev)
	}
}
