// Package ingest runs a candidate processor list over sample documents
// without persisting anything. It backs the local preview evaluator used by
// the simulation actor.
package ingest

import (
	"context"
	"fmt"
	"maps"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/zjrosen/enrich/internal/grok"
	"github.com/zjrosen/enrich/internal/streams"
)

// Status classifies the outcome of running the pipeline on one document.
type Status string

const (
	StatusParsed          Status = "parsed"
	StatusPartiallyParsed Status = "partially_parsed"
	StatusFailed          Status = "failed"
	StatusSkipped         Status = "skipped"
)

// ProcessorError records why a processor failed on a document.
type ProcessorError struct {
	Processor int                   `json:"processor" yaml:"processor"`
	Type      streams.ProcessorType `json:"type" yaml:"type"`
	Message   string                `json:"message" yaml:"message"`
}

// DocumentResult is one simulated document.
type DocumentResult struct {
	Value  streams.Document `json:"value" yaml:"value"`
	Status Status           `json:"status" yaml:"status"`
	Errors []ProcessorError `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// DetectedField is a field produced by the pipeline with its inferred type.
type DetectedField struct {
	Name string            `json:"name" yaml:"name"`
	Type streams.FieldType `json:"type" yaml:"type"`
}

// Metrics summarizes a simulation as rates in [0,1].
type Metrics struct {
	Total               int     `json:"total" yaml:"total"`
	ParsedRate          float64 `json:"parsed_rate" yaml:"parsed_rate"`
	PartiallyParsedRate float64 `json:"partially_parsed_rate" yaml:"partially_parsed_rate"`
	FailedRate          float64 `json:"failed_rate" yaml:"failed_rate"`
	SkippedRate         float64 `json:"skipped_rate" yaml:"skipped_rate"`
}

// Result is the outcome of Pipeline.Run.
type Result struct {
	Documents      []DocumentResult `json:"documents" yaml:"documents"`
	DetectedFields []DetectedField  `json:"detected_fields" yaml:"detected_fields"`
	Metrics        Metrics          `json:"metrics" yaml:"metrics"`
}

type step struct {
	def      streams.ProcessorDefinition
	grok     []*grok.Expression
	dissect  *dissector
	captures []string
}

// Pipeline is a compiled processor list.
type Pipeline struct {
	steps []step
}

// Compile validates and compiles procs against the grok collection.
func Compile(ctx context.Context, coll *grok.Collection, procs []streams.ProcessorDefinition) (*Pipeline, error) {
	p := &Pipeline{steps: make([]step, 0, len(procs))}
	for i, def := range procs {
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("processor %d: %w", i, err)
		}
		s := step{def: def}
		switch def.Type() {
		case streams.ProcessorGrok:
			for _, pattern := range def.Grok.Patterns {
				expr, err := coll.Compile(ctx, pattern, def.Grok.PatternDefinitions)
				if err != nil {
					return nil, fmt.Errorf("processor %d: %w", i, err)
				}
				s.grok = append(s.grok, expr)
				for _, c := range expr.Captures() {
					s.captures = append(s.captures, c.Field)
				}
			}
		case streams.ProcessorDissect:
			d, err := parseDissect(def.Dissect.Pattern, def.Dissect.AppendSeparator)
			if err != nil {
				return nil, fmt.Errorf("processor %d: %w", i, err)
			}
			s.dissect = d
			for _, k := range d.keys {
				if !k.skip {
					s.captures = append(s.captures, k.name)
				}
			}
		}
		p.steps = append(p.steps, s)
	}
	return p, nil
}

// Len returns the number of processors in the pipeline.
func (p *Pipeline) Len() int {
	return len(p.steps)
}

// Run simulates the pipeline over docs. Input documents are not modified.
func (p *Pipeline) Run(ctx context.Context, docs []streams.Document) (Result, error) {
	res := Result{Documents: make([]DocumentResult, 0, len(docs))}
	detected := make(map[string]streams.FieldType)

	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		dr := p.runOne(doc)
		res.Documents = append(res.Documents, dr)
		if dr.Status == StatusFailed || dr.Status == StatusSkipped {
			continue
		}
		for _, s := range p.steps {
			for _, name := range s.captures {
				if v, ok := dr.Value[name]; ok {
					if _, seen := detected[name]; !seen {
						detected[name] = InferType(v)
					}
				}
			}
		}
	}

	for _, name := range slices.Sorted(maps.Keys(detected)) {
		res.DetectedFields = append(res.DetectedFields, DetectedField{Name: name, Type: detected[name]})
	}
	res.Metrics = computeMetrics(res.Documents)
	return res, nil
}

func (p *Pipeline) runOne(in streams.Document) DocumentResult {
	doc := maps.Clone(in)
	if doc == nil {
		doc = make(streams.Document)
	}
	var (
		succeeded int
		errs      []ProcessorError
	)

	for i, s := range p.steps {
		fail := func(msg string) {
			errs = append(errs, ProcessorError{Processor: i, Type: s.def.Type(), Message: msg})
		}

		raw, ok := lookupField(doc, s.def.Field())
		if !ok {
			if ignoreMissing(s.def) {
				continue
			}
			fail(fmt.Sprintf("field [%s] does not exist", s.def.Field()))
			if ignoreFailure(s.def) {
				continue
			}
			break
		}
		text, ok := raw.(string)
		if !ok {
			fail(fmt.Sprintf("field [%s] is not a string", s.def.Field()))
			if ignoreFailure(s.def) {
				continue
			}
			break
		}

		fields, err := s.apply(text)
		if err != nil {
			fail(err.Error())
			if ignoreFailure(s.def) {
				continue
			}
			break
		}
		maps.Copy(doc, fields)
		succeeded++
	}

	return DocumentResult{Value: doc, Status: classify(succeeded, len(errs)), Errors: errs}
}

func (s step) apply(text string) (map[string]any, error) {
	if s.dissect != nil {
		return s.dissect.apply(text)
	}
	for _, expr := range s.grok {
		if fields, ok := expr.Match(text); ok {
			return fields, nil
		}
	}
	return nil, fmt.Errorf("provided grok expressions do not match field value: [%s]", text)
}

func classify(succeeded, failed int) Status {
	switch {
	case succeeded == 0 && failed == 0:
		return StatusSkipped
	case failed == 0:
		return StatusParsed
	case succeeded == 0:
		return StatusFailed
	default:
		return StatusPartiallyParsed
	}
}

func computeMetrics(docs []DocumentResult) Metrics {
	m := Metrics{Total: len(docs)}
	if m.Total == 0 {
		return m
	}
	counts := make(map[Status]int, 4)
	for _, d := range docs {
		counts[d.Status]++
	}
	total := float64(m.Total)
	m.ParsedRate = float64(counts[StatusParsed]) / total
	m.PartiallyParsedRate = float64(counts[StatusPartiallyParsed]) / total
	m.FailedRate = float64(counts[StatusFailed]) / total
	m.SkippedRate = float64(counts[StatusSkipped]) / total
	return m
}

func ignoreMissing(def streams.ProcessorDefinition) bool {
	switch {
	case def.Grok != nil:
		return def.Grok.IgnoreMissing
	case def.Dissect != nil:
		return def.Dissect.IgnoreMissing
	}
	return false
}

func ignoreFailure(def streams.ProcessorDefinition) bool {
	switch {
	case def.Grok != nil:
		return def.Grok.IgnoreFailure
	case def.Dissect != nil:
		return def.Dissect.IgnoreFailure
	}
	return false
}

// lookupField resolves a dotted field name against flat keys first, then
// nested objects.
func lookupField(doc streams.Document, name string) (any, bool) {
	if v, ok := doc[name]; ok {
		return v, true
	}
	var cur any = map[string]any(doc)
	for _, part := range strings.Split(name, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// InferType maps a simulated value to the field type a mapping would use.
func InferType(v any) streams.FieldType {
	switch val := v.(type) {
	case int, int32, int64:
		return streams.FieldLong
	case float32, float64:
		return streams.FieldDouble
	case bool:
		return streams.FieldBoolean
	case string:
		if _, err := netip.ParseAddr(val); err == nil {
			return streams.FieldIP
		}
		if _, err := time.Parse(time.RFC3339Nano, val); err == nil {
			return streams.FieldDate
		}
		return streams.FieldKeyword
	default:
		return streams.FieldKeyword
	}
}
