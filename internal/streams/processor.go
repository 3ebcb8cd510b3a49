package streams

import (
	"fmt"
	"maps"
	"slices"
)

// ProcessorType identifies the kind of an ingest processor.
type ProcessorType string

const (
	ProcessorGrok    ProcessorType = "grok"
	ProcessorDissect ProcessorType = "dissect"
)

// ProcessorDefinition is one persisted step of an ingest pipeline.
// Exactly one of the kind-specific configs is set.
type ProcessorDefinition struct {
	Grok    *GrokProcessor    `yaml:"grok,omitempty" json:"grok,omitempty"`
	Dissect *DissectProcessor `yaml:"dissect,omitempty" json:"dissect,omitempty"`
}

// GrokProcessor extracts fields with grok expressions.
type GrokProcessor struct {
	Field              string            `yaml:"field" json:"field"`
	Patterns           []string          `yaml:"patterns" json:"patterns"`
	PatternDefinitions map[string]string `yaml:"pattern_definitions,omitempty" json:"pattern_definitions,omitempty"`
	IgnoreFailure      bool              `yaml:"ignore_failure,omitempty" json:"ignore_failure,omitempty"`
	IgnoreMissing      bool              `yaml:"ignore_missing,omitempty" json:"ignore_missing,omitempty"`
}

// DissectProcessor splits a field using a delimiter-based pattern.
type DissectProcessor struct {
	Field           string `yaml:"field" json:"field"`
	Pattern         string `yaml:"pattern" json:"pattern"`
	AppendSeparator string `yaml:"append_separator,omitempty" json:"append_separator,omitempty"`
	IgnoreFailure   bool   `yaml:"ignore_failure,omitempty" json:"ignore_failure,omitempty"`
	IgnoreMissing   bool   `yaml:"ignore_missing,omitempty" json:"ignore_missing,omitempty"`
}

// Type returns the processor kind, or "" when no config is set.
func (p ProcessorDefinition) Type() ProcessorType {
	switch {
	case p.Grok != nil:
		return ProcessorGrok
	case p.Dissect != nil:
		return ProcessorDissect
	default:
		return ""
	}
}

// Field returns the source field the processor reads.
func (p ProcessorDefinition) Field() string {
	switch {
	case p.Grok != nil:
		return p.Grok.Field
	case p.Dissect != nil:
		return p.Dissect.Field
	default:
		return ""
	}
}

// Validate checks that exactly one processor config is set and that it is usable.
func (p ProcessorDefinition) Validate() error {
	if (p.Grok == nil) == (p.Dissect == nil) {
		return fmt.Errorf("%w: exactly one of grok or dissect must be set", ErrInvalidProcessor)
	}
	switch {
	case p.Grok != nil:
		if p.Grok.Field == "" {
			return fmt.Errorf("%w: grok field is required", ErrInvalidProcessor)
		}
		if len(p.Grok.Patterns) == 0 {
			return fmt.Errorf("%w: grok requires at least one pattern", ErrInvalidProcessor)
		}
	case p.Dissect != nil:
		if p.Dissect.Field == "" {
			return fmt.Errorf("%w: dissect field is required", ErrInvalidProcessor)
		}
		if p.Dissect.Pattern == "" {
			return fmt.Errorf("%w: dissect pattern is required", ErrInvalidProcessor)
		}
	}
	return nil
}

// Clone returns a deep copy of p.
func (p ProcessorDefinition) Clone() ProcessorDefinition {
	var out ProcessorDefinition
	if p.Grok != nil {
		g := *p.Grok
		g.Patterns = slices.Clone(p.Grok.Patterns)
		g.PatternDefinitions = maps.Clone(p.Grok.PatternDefinitions)
		out.Grok = &g
	}
	if p.Dissect != nil {
		d := *p.Dissect
		out.Dissect = &d
	}
	return out
}

// CloneProcessors deep-copies a processor list. A nil list stays nil.
func CloneProcessors(in []ProcessorDefinition) []ProcessorDefinition {
	if in == nil {
		return nil
	}
	out := make([]ProcessorDefinition, len(in))
	for i, p := range in {
		out[i] = p.Clone()
	}
	return out
}

// UIProcessor is a processor as edited in a session: the persisted
// definition plus a session-local identifier.
type UIProcessor struct {
	ID                  string `yaml:"id" json:"id"`
	ProcessorDefinition `yaml:",inline"`
}

// ToUI attaches id to a persisted processor definition.
func ToUI(p ProcessorDefinition, id string) UIProcessor {
	return UIProcessor{ID: id, ProcessorDefinition: p.Clone()}
}

// FromUI strips session attributes, returning the persisted form.
func FromUI(p UIProcessor) ProcessorDefinition {
	return p.ProcessorDefinition.Clone()
}

// Clone returns a deep copy of p.
func (p UIProcessor) Clone() UIProcessor {
	return UIProcessor{ID: p.ID, ProcessorDefinition: p.ProcessorDefinition.Clone()}
}

// IsGrok reports whether p is a grok processor.
func (p UIProcessor) IsGrok() bool {
	return p.Grok != nil
}
