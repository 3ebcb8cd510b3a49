package streams

import "fmt"

// FieldType is the mapping type of a wired field.
type FieldType string

const (
	FieldKeyword       FieldType = "keyword"
	FieldMatchOnlyText FieldType = "match_only_text"
	FieldLong          FieldType = "long"
	FieldDouble        FieldType = "double"
	FieldBoolean       FieldType = "boolean"
	FieldDate          FieldType = "date"
	FieldIP            FieldType = "ip"
)

// FieldDefinition maps one field.
type FieldDefinition struct {
	Type   FieldType `yaml:"type" json:"type"`
	Format string    `yaml:"format,omitempty" json:"format,omitempty"`
}

// Valid reports whether t is a known mapping type.
func (t FieldType) Valid() bool {
	switch t {
	case FieldKeyword, FieldMatchOnlyText, FieldLong, FieldDouble, FieldBoolean, FieldDate, FieldIP:
		return true
	default:
		return false
	}
}

// ParseFieldType validates s as a FieldType.
func ParseFieldType(s string) (FieldType, error) {
	t := FieldType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidFieldType, s)
	}
	return t, nil
}
