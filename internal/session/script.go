// Package session drives an enrichment machine headlessly from a YAML event
// script: it loads the stream from the store, wires the machine's
// collaborators and replays UI events in order.
package session

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/zjrosen/enrich/internal/enrichment"
	"github.com/zjrosen/enrich/internal/enrichment/event"
	"github.com/zjrosen/enrich/internal/streams"
)

// Script is an ordered list of UI events.
type Script struct {
	Steps []Step `yaml:"steps"`
}

// Step is one scripted event. Which fields are read depends on Event.
//
// Processors are targeted by ID or by Index into the current processor list
// (negative indexes count from the end). Ids are regenerated whenever the
// machine re-enters ready, so scripts usually target by index.
type Step struct {
	Event event.Type `yaml:"event"`

	ID    string `yaml:"id,omitempty"`
	Index *int   `yaml:"index,omitempty"`

	// processors.add, and processor.send with input "change"
	Processor *streams.ProcessorDefinition `yaml:"processor,omitempty"`
	// processor.send
	Input event.InputKind `yaml:"input,omitempty"`
	// processors.reorder: new order as ids or as indexes of the current list
	IDs   []string `yaml:"ids,omitempty"`
	Order []int    `yaml:"order,omitempty"`

	// simulation.changePreviewDocsFilter
	Filter event.PreviewDocsFilter `yaml:"filter,omitempty"`
	// simulation.fields.map / unmap
	Field     string `yaml:"field,omitempty"`
	FieldType string `yaml:"type,omitempty"`
	// previewColumns.*
	Columns []string `yaml:"columns,omitempty"`

	// Wait blocks after the event until the snapshot matches. Either a state
	// path ("ready.stream.idle") or "simulation.<state>" ("simulation.ready").
	Wait string `yaml:"wait,omitempty"`
}

// DecodeScript parses a YAML script. Unknown keys are rejected.
func DecodeScript(data []byte) (Script, error) {
	var s Script
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return Script{}, fmt.Errorf("%w: decoding script: %w", event.ErrInvalidEvent, err)
	}
	for i, step := range s.Steps {
		if err := step.validate(); err != nil {
			return Script{}, fmt.Errorf("step %d (%s): %w", i, step.Event, err)
		}
	}
	return s, nil
}

// LoadScript reads a YAML script from path.
func LoadScript(path string) (Script, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: user-supplied script file
	if err != nil {
		return Script{}, fmt.Errorf("reading script: %w", err)
	}
	return DecodeScript(data)
}

// validate checks what can be checked without a snapshot.
func (s Step) validate() error {
	switch s.Event {
	case event.TypeStreamReceived, event.TypeStreamReset, event.TypeStreamUpdate,
		event.TypeSimulationViewDetectedFields, event.TypeSimulationViewDataPreview,
		event.TypeSimulationReset:
	case event.TypeProcessorsAdd:
		if s.Processor == nil {
			return fmt.Errorf("%w: processor is required", event.ErrInvalidEvent)
		}
	case event.TypeProcessorsReorder:
		if len(s.IDs) == 0 && len(s.Order) == 0 {
			return fmt.Errorf("%w: ids or order is required", event.ErrInvalidEvent)
		}
		if len(s.IDs) > 0 && len(s.Order) > 0 {
			return fmt.Errorf("%w: ids and order are exclusive", event.ErrInvalidEvent)
		}
	case event.TypeProcessorDelete, event.TypeProcessorStage,
		event.TypeProcessorUpdate, event.TypeProcessorChange:
		return s.validateTarget()
	case event.TypeProcessorSend:
		if err := s.validateTarget(); err != nil {
			return err
		}
		switch s.Input {
		case event.InputChange:
			if s.Processor == nil {
				return fmt.Errorf("%w: processor is required for input change", event.ErrInvalidEvent)
			}
		case event.InputStage, event.InputEdit, event.InputUpdate, event.InputCancel, event.InputDelete:
		default:
			return fmt.Errorf("%w: unknown input %q", event.ErrInvalidEvent, s.Input)
		}
	case event.TypeSimulationChangePreviewDocsFilter:
		if !s.Filter.Valid() {
			return fmt.Errorf("%w: unknown filter %q", event.ErrInvalidEvent, s.Filter)
		}
	case event.TypeSimulationFieldsMap:
		if s.Field == "" {
			return fmt.Errorf("%w: field is required", event.ErrInvalidEvent)
		}
		if _, err := streams.ParseFieldType(s.FieldType); err != nil {
			return fmt.Errorf("%w: %w", event.ErrInvalidEvent, err)
		}
	case event.TypeSimulationFieldsUnmap:
		if s.Field == "" {
			return fmt.Errorf("%w: field is required", event.ErrInvalidEvent)
		}
	case event.TypePreviewColumnsEnabled, event.TypePreviewColumnsDisabled, event.TypePreviewColumnsOrder:
	default:
		return fmt.Errorf("%w: %q", event.ErrUnknownEvent, s.Event)
	}
	return nil
}

func (s Step) validateTarget() error {
	if s.ID == "" && s.Index == nil {
		return fmt.Errorf("%w: id or index is required", event.ErrInvalidEvent)
	}
	return nil
}

// Resolve builds the machine event for s against the current snapshot.
// stream.received is not resolved here; the runner fetches the definition.
func (s Step) Resolve(snap enrichment.Snapshot) (event.Event, error) {
	switch s.Event {
	case event.TypeStreamReset:
		return event.Reset{}, nil
	case event.TypeStreamUpdate:
		return event.Update{}, nil
	case event.TypeProcessorsAdd:
		if s.Processor == nil {
			return nil, fmt.Errorf("%w: processor is required", event.ErrInvalidEvent)
		}
		return event.AddProcessor{Processor: s.Processor.Clone()}, nil
	case event.TypeProcessorsReorder:
		ids, err := s.reorderIDs(snap)
		if err != nil {
			return nil, err
		}
		return event.ReorderProcessors{IDs: ids}, nil
	case event.TypeProcessorDelete, event.TypeProcessorStage,
		event.TypeProcessorUpdate, event.TypeProcessorChange, event.TypeProcessorSend:
		id, err := s.target(snap)
		if err != nil {
			return nil, err
		}
		return s.processorEvent(id), nil
	case event.TypeSimulationViewDetectedFields:
		return event.ViewDetectedFields{}, nil
	case event.TypeSimulationViewDataPreview:
		return event.ViewDataPreview{}, nil
	case event.TypeSimulationChangePreviewDocsFilter:
		return event.ChangePreviewDocsFilter{Filter: s.Filter}, nil
	case event.TypeSimulationFieldsMap:
		ft, err := streams.ParseFieldType(s.FieldType)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", event.ErrInvalidEvent, err)
		}
		return event.MapField{Name: s.Field, FieldType: ft}, nil
	case event.TypeSimulationFieldsUnmap:
		return event.UnmapField{Name: s.Field}, nil
	case event.TypeSimulationReset:
		return event.ResetSimulation{}, nil
	case event.TypePreviewColumnsEnabled:
		return event.UpdateEnabledColumns{Columns: append([]string(nil), s.Columns...)}, nil
	case event.TypePreviewColumnsDisabled:
		return event.UpdateDisabledColumns{Columns: append([]string(nil), s.Columns...)}, nil
	case event.TypePreviewColumnsOrder:
		return event.OrderColumns{Columns: append([]string(nil), s.Columns...)}, nil
	default:
		return nil, fmt.Errorf("%w: %q", event.ErrUnknownEvent, s.Event)
	}
}

func (s Step) processorEvent(id string) event.Event {
	switch s.Event {
	case event.TypeProcessorDelete:
		return event.DeleteProcessor{ID: id}
	case event.TypeProcessorStage:
		return event.StageProcessor{ID: id}
	case event.TypeProcessorUpdate:
		return event.UpdateProcessor{ID: id}
	case event.TypeProcessorChange:
		return event.ChangeProcessor{ID: id}
	default:
		input := event.ProcessorInput{Kind: s.Input}
		if s.Processor != nil {
			input.Processor = s.Processor.Clone()
		}
		return event.SendToProcessor{ID: id, Input: input}
	}
}

// target resolves the processor id of s.
func (s Step) target(snap enrichment.Snapshot) (string, error) {
	if s.ID != "" {
		return s.ID, nil
	}
	if s.Index == nil {
		return "", fmt.Errorf("%w: id or index is required", event.ErrInvalidEvent)
	}
	ids := snap.ProcessorIDs()
	i, err := resolveIndex(*s.Index, len(ids))
	if err != nil {
		return "", err
	}
	return ids[i], nil
}

func (s Step) reorderIDs(snap enrichment.Snapshot) ([]string, error) {
	if len(s.IDs) > 0 {
		return append([]string(nil), s.IDs...), nil
	}
	current := snap.ProcessorIDs()
	ids := make([]string, len(s.Order))
	for n, idx := range s.Order {
		i, err := resolveIndex(idx, len(current))
		if err != nil {
			return nil, err
		}
		ids[n] = current[i]
	}
	return ids, nil
}

func resolveIndex(idx, n int) (int, error) {
	i := idx
	if i < 0 {
		i += n
	}
	if i < 0 || i >= n {
		return 0, fmt.Errorf("%w: index %d out of range (have %d processors)", event.ErrInvalidEvent, idx, n)
	}
	return i, nil
}
