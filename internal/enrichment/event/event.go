// Package event defines the events accepted by the enrichment machine and its
// child actors.
package event

import (
	"strings"

	"github.com/zjrosen/enrich/internal/streams"
)

// Type identifies an event. Types are dot-separated; the first segment groups
// related events ("processor.*", "simulation.*").
type Type string

// Stream region events.
const (
	TypeStreamReceived Type = "stream.received"
	TypeStreamReset    Type = "stream.reset"
	TypeStreamUpdate   Type = "stream.update"
)

// Processor list events.
const (
	TypeProcessorsAdd     Type = "processors.add"
	TypeProcessorsReorder Type = "processors.reorder"
	TypeProcessorDelete   Type = "processor.delete"
	TypeProcessorStage    Type = "processor.stage"
	TypeProcessorUpdate   Type = "processor.update"
	TypeProcessorChange   Type = "processor.change"
	TypeProcessorSend     Type = "processor.send"
)

// Simulation region events.
const (
	TypeSimulationViewDetectedFields      Type = "simulation.viewDetectedFields"
	TypeSimulationViewDataPreview         Type = "simulation.viewDataPreview"
	TypeSimulationChangePreviewDocsFilter Type = "simulation.changePreviewDocsFilter"
	TypeSimulationFieldsMap               Type = "simulation.fields.map"
	TypeSimulationFieldsUnmap             Type = "simulation.fields.unmap"
	TypeSimulationReset                   Type = "simulation.reset"

	TypePreviewColumnsEnabled  Type = "previewColumns.updateExplicitlyEnabledColumns"
	TypePreviewColumnsDisabled Type = "previewColumns.updateExplicitlyDisabledColumns"
	TypePreviewColumnsOrder    Type = "previewColumns.order"
)

// Completion and synchronization events exchanged between actors.
const (
	TypeSimulatorProcessors Type = "simulator.processors"
	TypeUpsertSucceeded     Type = "upsert.succeeded"
	TypeUpsertFailed        Type = "upsert.failed"
)

const (
	prefixProcessor      = "processor."
	prefixProcessors     = "processors."
	prefixSimulation     = "simulation."
	prefixSimulationFlds = "simulation.fields."
	prefixPreviewColumns = "previewColumns."
)

// IsProcessor reports whether t matches "processor.*".
func (t Type) IsProcessor() bool { return strings.HasPrefix(string(t), prefixProcessor) }

// IsProcessors reports whether t matches "processors.*".
func (t Type) IsProcessors() bool { return strings.HasPrefix(string(t), prefixProcessors) }

// IsSimulation reports whether t matches "simulation.*".
func (t Type) IsSimulation() bool { return strings.HasPrefix(string(t), prefixSimulation) }

// IsSimulationFields reports whether t matches "simulation.fields.*".
func (t Type) IsSimulationFields() bool { return strings.HasPrefix(string(t), prefixSimulationFlds) }

// IsPreviewColumns reports whether t matches "previewColumns.*".
func (t Type) IsPreviewColumns() bool { return strings.HasPrefix(string(t), prefixPreviewColumns) }

// Event is implemented by every event.
type Event interface {
	Type() Type
}

// ===========================================================================
// Stream events
// ===========================================================================

// Received delivers a refreshed definition from the definition source.
type Received struct {
	Definition streams.Definition
}

func (Received) Type() Type { return TypeStreamReceived }

// Reset discards staged edits.
type Reset struct{}

func (Reset) Type() Type { return TypeStreamReset }

// Update commits the staged processors.
type Update struct{}

func (Update) Type() Type { return TypeStreamUpdate }

// ===========================================================================
// Processor events
// ===========================================================================

// AddProcessor appends a new draft processor.
type AddProcessor struct {
	Processor streams.ProcessorDefinition
}

func (AddProcessor) Type() Type { return TypeProcessorsAdd }

// ReorderProcessors replaces the processor order. IDs must be a permutation
// of the live processor ids.
type ReorderProcessors struct {
	IDs []string
}

func (ReorderProcessors) Type() Type { return TypeProcessorsReorder }

// DeleteProcessor removes a processor. Sent by processor actors.
type DeleteProcessor struct {
	ID string
}

func (DeleteProcessor) Type() Type { return TypeProcessorDelete }

// StageProcessor reports that a draft processor was configured.
type StageProcessor struct {
	ID string
}

func (StageProcessor) Type() Type { return TypeProcessorStage }

// UpdateProcessor reports that an existing processor's edit was confirmed.
type UpdateProcessor struct {
	ID string
}

func (UpdateProcessor) Type() Type { return TypeProcessorUpdate }

// ChangeProcessor reports that a processor's configuration changed while
// being edited.
type ChangeProcessor struct {
	ID string
}

func (ChangeProcessor) Type() Type { return TypeProcessorChange }

// InputKind names an event understood by a processor actor.
type InputKind string

const (
	InputChange InputKind = "change"
	InputStage  InputKind = "stage"
	InputEdit   InputKind = "edit"
	InputUpdate InputKind = "update"
	InputCancel InputKind = "cancel"
	InputDelete InputKind = "delete"
)

// ProcessorInput is a UI event for one processor actor. Processor is only
// read for InputChange.
type ProcessorInput struct {
	Kind      InputKind
	Processor streams.ProcessorDefinition
}

// SendToProcessor delivers Input to the processor actor with ID.
type SendToProcessor struct {
	ID    string
	Input ProcessorInput
}

func (SendToProcessor) Type() Type { return TypeProcessorSend }

// ProcessorID returns the id targeted by a single-processor event.
func ProcessorID(ev Event) (string, bool) {
	switch e := ev.(type) {
	case DeleteProcessor:
		return e.ID, true
	case StageProcessor:
		return e.ID, true
	case UpdateProcessor:
		return e.ID, true
	case ChangeProcessor:
		return e.ID, true
	case SendToProcessor:
		return e.ID, true
	default:
		return "", false
	}
}

// ===========================================================================
// Simulation events
// ===========================================================================

// ViewDetectedFields switches the simulation view to detected fields.
type ViewDetectedFields struct{}

func (ViewDetectedFields) Type() Type { return TypeSimulationViewDetectedFields }

// ViewDataPreview switches the simulation view to the data preview.
type ViewDataPreview struct{}

func (ViewDataPreview) Type() Type { return TypeSimulationViewDataPreview }

// PreviewDocsFilter selects which simulated documents the preview shows.
type PreviewDocsFilter string

const (
	FilterAll             PreviewDocsFilter = "outcome_filter_all"
	FilterParsed          PreviewDocsFilter = "outcome_filter_parsed"
	FilterPartiallyParsed PreviewDocsFilter = "outcome_filter_partially_parsed"
	FilterFailed          PreviewDocsFilter = "outcome_filter_failed"
	FilterSkipped         PreviewDocsFilter = "outcome_filter_skipped"
)

// Valid reports whether f is a known filter.
func (f PreviewDocsFilter) Valid() bool {
	switch f {
	case FilterAll, FilterParsed, FilterPartiallyParsed, FilterFailed, FilterSkipped:
		return true
	default:
		return false
	}
}

// ChangePreviewDocsFilter changes the preview filter.
type ChangePreviewDocsFilter struct {
	Filter PreviewDocsFilter
}

func (ChangePreviewDocsFilter) Type() Type { return TypeSimulationChangePreviewDocsFilter }

// MapField maps a detected field to a type.
type MapField struct {
	Name      string
	FieldType streams.FieldType
}

func (MapField) Type() Type { return TypeSimulationFieldsMap }

// UnmapField removes a user mapping from a detected field.
type UnmapField struct {
	Name string
}

func (UnmapField) Type() Type { return TypeSimulationFieldsUnmap }

// ResetSimulation cancels runs and clears simulation results and mappings.
type ResetSimulation struct{}

func (ResetSimulation) Type() Type { return TypeSimulationReset }

// UpdateEnabledColumns replaces the explicitly enabled preview columns.
type UpdateEnabledColumns struct {
	Columns []string
}

func (UpdateEnabledColumns) Type() Type { return TypePreviewColumnsEnabled }

// UpdateDisabledColumns replaces the explicitly disabled preview columns.
type UpdateDisabledColumns struct {
	Columns []string
}

func (UpdateDisabledColumns) Type() Type { return TypePreviewColumnsDisabled }

// OrderColumns sets the preview column order.
type OrderColumns struct {
	Columns []string
}

func (OrderColumns) Type() Type { return TypePreviewColumnsOrder }

// SimulatorProcessors carries the full staged processor list to the
// simulator after a processor event. Cause is the type of the triggering event.
type SimulatorProcessors struct {
	Cause      Type
	Processors []streams.UIProcessor
}

func (SimulatorProcessors) Type() Type { return TypeSimulatorProcessors }

// ===========================================================================
// Upsert completion
// ===========================================================================

// UpsertSucceeded carries the definition returned by the upsert endpoint.
type UpsertSucceeded struct {
	Definition streams.Definition
}

func (UpsertSucceeded) Type() Type { return TypeUpsertSucceeded }

// UpsertFailed carries the upsert error.
type UpsertFailed struct {
	Err error
}

func (UpsertFailed) Type() Type { return TypeUpsertFailed }
