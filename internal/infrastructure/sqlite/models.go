package sqlite

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zjrosen/enrich/internal/streams"
)

// StreamModel represents the database row for the streams table.
// The definition is stored as its YAML document.
type StreamModel struct {
	Name       string
	Definition string
	Revision   int64
	CreatedAt  int64 // Unix timestamp
	UpdatedAt  int64 // Unix timestamp
}

// toStreamModel converts a definition to a StreamModel.
func toStreamModel(def streams.Definition) (*StreamModel, error) {
	data, err := streams.EncodeYAML(def)
	if err != nil {
		return nil, err
	}
	return &StreamModel{
		Name:       def.Stream.Name,
		Definition: string(data),
	}, nil
}

// toDomain decodes the stored definition.
func (m *StreamModel) toDomain() (streams.Definition, error) {
	def, err := streams.DecodeYAML([]byte(m.Definition))
	if err != nil {
		return streams.Definition{}, fmt.Errorf("stream %s: %w", m.Name, err)
	}
	return def, nil
}

// SampleModel represents the database row for the samples table.
// Documents are stored as JSON objects.
type SampleModel struct {
	ID        int64
	Stream    string
	Document  string
	CreatedAt int64 // Unix timestamp
}

func toSampleModel(stream string, doc streams.Document) (*SampleModel, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding sample: %w", err)
	}
	return &SampleModel{Stream: stream, Document: string(data)}, nil
}

// toDomain decodes the document. Integral numbers decode as int64.
func (m *SampleModel) toDomain() (streams.Document, error) {
	dec := json.NewDecoder(strings.NewReader(m.Document))
	dec.UseNumber()
	var doc streams.Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding sample %d: %w", m.ID, err)
	}
	for k, v := range doc {
		doc[k] = normalize(v)
	}
	return doc, nil
}

func normalize(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case map[string]any:
		for k, inner := range val {
			val[k] = normalize(inner)
		}
		return val
	case []any:
		for i, inner := range val {
			val[i] = normalize(inner)
		}
		return val
	default:
		return v
	}
}
