// Package streams defines the stream definition model edited by an enrichment
// session: the stream's ingest pipeline, its wired field mappings and the
// repository contract used to load and persist definitions.
package streams

import (
	"maps"
	"strings"
)

// Definition is the server-side view of one stream as returned by the store.
// Consumers treat it as a value and replace it wholesale; Clone before handing
// a definition to code that may retain it.
type Definition struct {
	Stream          Stream                     `yaml:"stream" json:"stream"`
	InheritedFields map[string]FieldDefinition `yaml:"inherited_fields,omitempty" json:"inherited_fields,omitempty"`
}

// Stream holds the stream name and its ingest configuration.
type Stream struct {
	Name   string `yaml:"name" json:"name"`
	Ingest Ingest `yaml:"ingest" json:"ingest"`
}

// Ingest is the ingest pipeline of a stream. Wired is nil for unwired
// (classic) streams.
type Ingest struct {
	Processing []ProcessorDefinition `yaml:"processing" json:"processing"`
	Wired      *Wired                `yaml:"wired,omitempty" json:"wired,omitempty"`
}

// Wired holds the field mappings of a wired stream.
type Wired struct {
	Fields map[string]FieldDefinition `yaml:"fields" json:"fields"`
}

// IsRoot reports whether d is a root stream. Root streams are named without
// a dot ("logs") and never accept enrichment edits.
func (d Definition) IsRoot() bool {
	return IsRootName(d.Stream.Name)
}

// IsRootName reports whether name is the name of a root stream.
func IsRootName(name string) bool {
	return name != "" && !strings.Contains(name, ".")
}

// IsWired reports whether d carries wired field mappings.
func (d Definition) IsWired() bool {
	return d.Stream.Ingest.Wired != nil
}

// Fields returns every field mapped on the stream, own fields overriding
// inherited ones.
func (d Definition) Fields() map[string]FieldDefinition {
	out := make(map[string]FieldDefinition, len(d.InheritedFields))
	maps.Copy(out, d.InheritedFields)
	if d.Stream.Ingest.Wired != nil {
		maps.Copy(out, d.Stream.Ingest.Wired.Fields)
	}
	return out
}

// Clone returns a deep copy of d.
func (d Definition) Clone() Definition {
	out := Definition{
		Stream: Stream{
			Name: d.Stream.Name,
			Ingest: Ingest{
				Processing: CloneProcessors(d.Stream.Ingest.Processing),
			},
		},
		InheritedFields: maps.Clone(d.InheritedFields),
	}
	if w := d.Stream.Ingest.Wired; w != nil {
		out.Stream.Ingest.Wired = &Wired{Fields: maps.Clone(w.Fields)}
	}
	return out
}

// UpsertRequest is the payload sent to the upsert endpoint when a session
// commits its staged processors.
type UpsertRequest struct {
	Definition Definition
	Processors []ProcessorDefinition
	// Fields replaces the wired field mappings. Ignored for unwired streams
	// and when nil.
	Fields map[string]FieldDefinition
}

// Apply returns the definition that results from persisting req.
func (req UpsertRequest) Apply() Definition {
	next := req.Definition.Clone()
	next.Stream.Ingest.Processing = CloneProcessors(req.Processors)
	if next.IsWired() && req.Fields != nil {
		next.Stream.Ingest.Wired.Fields = maps.Clone(req.Fields)
	}
	return next
}
