package streams

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func grokDef(pattern string) ProcessorDefinition {
	return ProcessorDefinition{Grok: &GrokProcessor{Field: "message", Patterns: []string{pattern}}}
}

func TestIsRoot(t *testing.T) {
	require.True(t, Definition{Stream: Stream{Name: "logs"}}.IsRoot())
	require.False(t, Definition{Stream: Stream{Name: "logs.nginx"}}.IsRoot())
	require.False(t, IsRootName(""))
}

func TestDefinition_CloneIsDeep(t *testing.T) {
	def := Definition{
		Stream: Stream{
			Name: "logs.nginx",
			Ingest: Ingest{
				Processing: []ProcessorDefinition{{Grok: &GrokProcessor{
					Field:              "message",
					Patterns:           []string{"%{IP:client.ip}"},
					PatternDefinitions: map[string]string{"X": "x"},
				}}},
				Wired: &Wired{Fields: map[string]FieldDefinition{"client.ip": {Type: FieldIP}}},
			},
		},
	}

	clone := def.Clone()
	clone.Stream.Ingest.Processing[0].Grok.Patterns[0] = "changed"
	clone.Stream.Ingest.Processing[0].Grok.PatternDefinitions["X"] = "y"
	clone.Stream.Ingest.Wired.Fields["new"] = FieldDefinition{Type: FieldKeyword}

	require.Equal(t, "%{IP:client.ip}", def.Stream.Ingest.Processing[0].Grok.Patterns[0])
	require.Equal(t, "x", def.Stream.Ingest.Processing[0].Grok.PatternDefinitions["X"])
	require.NotContains(t, def.Stream.Ingest.Wired.Fields, "new")
}

func TestProcessorDefinition_Validate(t *testing.T) {
	tests := []struct {
		name    string
		proc    ProcessorDefinition
		wantErr bool
	}{
		{"grok ok", grokDef("%{WORD:w}"), false},
		{"dissect ok", ProcessorDefinition{Dissect: &DissectProcessor{Field: "message", Pattern: "%{a} %{b}"}}, false},
		{"empty", ProcessorDefinition{}, true},
		{"both", ProcessorDefinition{Grok: &GrokProcessor{}, Dissect: &DissectProcessor{}}, true},
		{"grok no patterns", ProcessorDefinition{Grok: &GrokProcessor{Field: "message"}}, true},
		{"dissect no field", ProcessorDefinition{Dissect: &DissectProcessor{Pattern: "%{a}"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.proc.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidProcessor)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestUpsertRequest_Apply(t *testing.T) {
	base := Definition{Stream: Stream{Name: "logs.app", Ingest: Ingest{
		Processing: []ProcessorDefinition{grokDef("%{WORD:a}")},
		Wired:      &Wired{Fields: map[string]FieldDefinition{"a": {Type: FieldKeyword}}},
	}}}

	next := UpsertRequest{
		Definition: base,
		Processors: []ProcessorDefinition{grokDef("%{WORD:a}"), grokDef("%{INT:b}")},
		Fields:     map[string]FieldDefinition{"a": {Type: FieldKeyword}, "b": {Type: FieldLong}},
	}.Apply()

	require.Len(t, next.Stream.Ingest.Processing, 2)
	require.Equal(t, FieldLong, next.Stream.Ingest.Wired.Fields["b"].Type)
	require.Len(t, base.Stream.Ingest.Processing, 1, "input definition must not be mutated")

	unwired := UpsertRequest{
		Definition: Definition{Stream: Stream{Name: "logs-classic"}},
		Fields:     map[string]FieldDefinition{"b": {Type: FieldLong}},
	}.Apply()
	require.Nil(t, unwired.Stream.Ingest.Wired)
}

func TestCodec_RoundTripFile(t *testing.T) {
	doc := `stream:
  name: logs.nginx
  ingest:
    processing:
      - grok:
          field: message
          patterns:
            - "%{IP:client.ip} %{WORD:http.method}"
      - dissect:
          field: message
          pattern: "%{a} %{b}"
    wired:
      fields:
        client.ip:
          type: ip
`
	path := filepath.Join(t.TempDir(), "def.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	def, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "logs.nginx", def.Stream.Name)
	require.Equal(t, ProcessorGrok, def.Stream.Ingest.Processing[0].Type())
	require.Equal(t, ProcessorDissect, def.Stream.Ingest.Processing[1].Type())
	require.True(t, def.IsWired())

	out, err := EncodeYAML(def)
	require.NoError(t, err)
	again, err := DecodeYAML(out)
	require.NoError(t, err)
	require.Equal(t, def, again)
}

func TestCodec_RejectsInvalid(t *testing.T) {
	_, err := DecodeYAML([]byte("stream:\n  name: logs.a\n  ingest:\n    processing:\n      - {}\n"))
	require.ErrorIs(t, err, ErrInvalidDefinition)

	_, err = DecodeYAML([]byte("stream:\n  name: logs.a\n  bogus: true\n"))
	require.Error(t, err)
}

func TestProcessorsDiff(t *testing.T) {
	persisted := []ProcessorDefinition{grokDef("%{WORD:a}")}

	out, err := ProcessorsDiff(context.Background(), persisted, persisted)
	require.NoError(t, err)
	require.Empty(t, out)

	out, err = ProcessorsDiff(context.Background(), persisted, append(CloneProcessors(persisted), grokDef("%{INT:b}")))
	require.NoError(t, err)
	require.Contains(t, out, "+ ")
	require.Contains(t, out, "%{INT:b}")

	out, err = ProcessorsDiff(context.Background(), persisted, nil)
	require.NoError(t, err)
	require.Contains(t, out, "- ")
	require.Contains(t, out, "+ []")
}

func TestParseFieldType(t *testing.T) {
	ft, err := ParseFieldType("long")
	require.NoError(t, err)
	require.Equal(t, FieldLong, ft)

	_, err = ParseFieldType("text")
	require.ErrorIs(t, err, ErrInvalidFieldType)
}

func TestDefinition_Fields(t *testing.T) {
	def := Definition{
		Stream: Stream{Name: "logs.a", Ingest: Ingest{Wired: &Wired{Fields: map[string]FieldDefinition{
			"host": {Type: FieldKeyword},
		}}}},
		InheritedFields: map[string]FieldDefinition{"host": {Type: FieldIP}, "@timestamp": {Type: FieldDate}},
	}
	fields := def.Fields()
	require.Equal(t, FieldKeyword, fields["host"].Type)
	require.Equal(t, FieldDate, fields["@timestamp"].Type)
}
