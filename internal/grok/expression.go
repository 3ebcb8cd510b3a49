package grok

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// maxExpansionDepth bounds nested %{...} references.
const maxExpansionDepth = 32

// Capture type suffixes accepted in %{NAME:field:type}.
const (
	TypeString  = "string"
	TypeInt     = "int"
	TypeLong    = "long"
	TypeFloat   = "float"
	TypeDouble  = "double"
	TypeBoolean = "boolean"
)

// refPattern matches %{NAME}, %{NAME:field} and %{NAME:field:type}.
var refPattern = regexp.MustCompile(`%\{(\w+)(?::([\w.@\-\[\]]+))?(?::(\w+))?\}`)

var namePattern = regexp.MustCompile(`^\w+$`)

func validName(name string) bool {
	return namePattern.MatchString(name)
}

// Capture describes a named capture of an expression.
type Capture struct {
	Field string
	Type  string
	group string
}

// Expression is a compiled grok expression.
type Expression struct {
	source   string
	re       *regexp.Regexp
	captures []Capture
}

type expansion struct {
	captures []Capture
	lookup   func(string) (string, bool)
}

func expand(pattern string, lookup func(string) (string, bool)) (string, *expansion, error) {
	e := &expansion{lookup: lookup}
	out, err := e.expand(pattern, 0, nil)
	if err != nil {
		return "", nil, err
	}
	return out, e, nil
}

func (e *expansion) expand(pattern string, depth int, stack []string) (string, error) {
	if depth > maxExpansionDepth {
		return "", fmt.Errorf("%w: nesting deeper than %d", ErrRecursivePattern, maxExpansionDepth)
	}

	var firstErr error
	out := refPattern.ReplaceAllStringFunc(pattern, func(ref string) string {
		if firstErr != nil {
			return ""
		}
		m := refPattern.FindStringSubmatch(ref)
		name, field, typ := m[1], m[2], m[3]

		for _, seen := range stack {
			if seen == name {
				firstErr = fmt.Errorf("%w: %s", ErrRecursivePattern, strings.Join(append(stack, name), " -> "))
				return ""
			}
		}

		def, ok := e.lookup(name)
		if !ok {
			firstErr = fmt.Errorf("%w: %s", ErrUnknownPattern, name)
			return ""
		}

		inner, err := e.expand(def, depth+1, append(stack, name))
		if err != nil {
			firstErr = err
			return ""
		}

		if field == "" {
			return "(?:" + inner + ")"
		}
		if typ == "" {
			typ = TypeString
		}
		group := "g" + strconv.Itoa(len(e.captures))
		e.captures = append(e.captures, Capture{Field: field, Type: typ, group: group})
		return "(?P<" + group + ">" + inner + ")"
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func newExpression(source, expanded string, e *expansion) (*Expression, error) {
	re, err := regexp.Compile(expanded)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidExpression, err)
	}
	for _, c := range e.captures {
		switch c.Type {
		case TypeString, TypeInt, TypeLong, TypeFloat, TypeDouble, TypeBoolean:
		default:
			return nil, fmt.Errorf("%w: unsupported capture type %q for %s", ErrInvalidExpression, c.Type, c.Field)
		}
	}
	return &Expression{source: source, re: re, captures: e.captures}, nil
}

// Source returns the unexpanded grok expression.
func (x *Expression) Source() string {
	return x.source
}

// Captures returns the named captures in order of appearance.
func (x *Expression) Captures() []Capture {
	return append([]Capture(nil), x.captures...)
}

// Match applies the expression to s. On success it returns the captured
// fields converted to their declared types; unmatched optional captures are
// omitted.
func (x *Expression) Match(s string) (map[string]any, bool) {
	m := x.re.FindStringSubmatchIndex(s)
	if m == nil {
		return nil, false
	}
	out := make(map[string]any, len(x.captures))
	for _, c := range x.captures {
		idx := x.re.SubexpIndex(c.group)
		if idx < 0 || m[2*idx] < 0 {
			continue
		}
		raw := s[m[2*idx]:m[2*idx+1]]
		out[c.Field] = convert(raw, c.Type)
	}
	return out, true
}

func convert(raw, typ string) any {
	switch typ {
	case TypeInt, TypeLong:
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return v
		}
	case TypeFloat, TypeDouble:
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			return v
		}
	case TypeBoolean:
		if v, err := strconv.ParseBool(raw); err == nil {
			return v
		}
	}
	return raw
}
