package streams

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Validate checks the definition for structural errors.
func (d Definition) Validate() error {
	if d.Stream.Name == "" {
		return fmt.Errorf("%w: stream.name is required", ErrInvalidDefinition)
	}
	for i, p := range d.Stream.Ingest.Processing {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%w: processing[%d]: %w", ErrInvalidDefinition, i, err)
		}
	}
	if w := d.Stream.Ingest.Wired; w != nil {
		for name, f := range w.Fields {
			if !f.Type.Valid() {
				return fmt.Errorf("%w: field %q: %w", ErrInvalidDefinition, name, ErrInvalidFieldType)
			}
		}
	}
	return nil
}

// DecodeYAML parses and validates a definition document.
func DecodeYAML(data []byte) (Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return Definition{}, fmt.Errorf("decoding definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// LoadFile reads a YAML definition from path.
func LoadFile(path string) (Definition, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is a user-supplied definition file
	if err != nil {
		return Definition{}, fmt.Errorf("reading definition file: %w", err)
	}
	return DecodeYAML(data)
}

// EncodeYAML renders d as YAML.
func EncodeYAML(d Definition) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(d); err != nil {
		return nil, fmt.Errorf("encoding definition: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encoding definition: %w", err)
	}
	return buf.Bytes(), nil
}
