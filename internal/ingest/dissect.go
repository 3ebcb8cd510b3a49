package ingest

import (
	"errors"
	"fmt"
	"strings"
)

var (
	errDissectNoMatch = errors.New("dissect pattern does not match")
	errDissectPattern = errors.New("invalid dissect pattern")
)

// dissectKey is one %{...} reference of a dissect pattern and the literal
// delimiter that follows it.
type dissectKey struct {
	name      string
	skip      bool
	appendTo  bool
	rightPad  bool
	delimiter string
}

type dissector struct {
	prefix    string
	keys      []dissectKey
	separator string
}

// parseDissect parses patterns such as "%{a} - %{+a} %{?ignored} %{b->}".
func parseDissect(pattern, appendSeparator string) (*dissector, error) {
	d := &dissector{separator: appendSeparator}
	rest := pattern

	open := strings.Index(rest, "%{")
	if open < 0 {
		return nil, fmt.Errorf("%w: no keys in %q", errDissectPattern, pattern)
	}
	d.prefix = rest[:open]
	rest = rest[open:]

	for rest != "" {
		if !strings.HasPrefix(rest, "%{") {
			return nil, fmt.Errorf("%w: expected key at %q", errDissectPattern, rest)
		}
		end := strings.Index(rest, "}")
		if end < 0 {
			return nil, fmt.Errorf("%w: unterminated key in %q", errDissectPattern, pattern)
		}
		k := parseDissectKey(rest[2:end])
		rest = rest[end+1:]

		next := strings.Index(rest, "%{")
		if next < 0 {
			k.delimiter = rest
			rest = ""
		} else {
			k.delimiter = rest[:next]
			rest = rest[next:]
		}
		if k.delimiter == "" && rest != "" {
			return nil, fmt.Errorf("%w: adjacent keys need a delimiter", errDissectPattern)
		}
		d.keys = append(d.keys, k)
	}
	return d, nil
}

func parseDissectKey(raw string) dissectKey {
	var k dissectKey
	if strings.HasSuffix(raw, "->") {
		k.rightPad = true
		raw = strings.TrimSuffix(raw, "->")
	}
	switch {
	case raw == "":
		k.skip = true
	case strings.HasPrefix(raw, "?"):
		k.skip = true
		raw = raw[1:]
	case strings.HasPrefix(raw, "+"):
		k.appendTo = true
		raw = raw[1:]
	}
	k.name = raw
	return k
}

// apply splits s. Values of appended keys are joined with the separator.
func (d *dissector) apply(s string) (map[string]any, error) {
	if !strings.HasPrefix(s, d.prefix) {
		return nil, errDissectNoMatch
	}
	rest := s[len(d.prefix):]
	out := make(map[string]any)

	for i, k := range d.keys {
		var value string
		last := i == len(d.keys)-1
		switch {
		case k.delimiter == "":
			value, rest = rest, ""
		case last:
			idx := strings.LastIndex(rest, k.delimiter)
			if idx < 0 || idx+len(k.delimiter) != len(rest) {
				return nil, errDissectNoMatch
			}
			value, rest = rest[:idx], ""
		default:
			idx := strings.Index(rest, k.delimiter)
			if idx < 0 {
				return nil, errDissectNoMatch
			}
			value, rest = rest[:idx], rest[idx+len(k.delimiter):]
			if k.rightPad {
				for strings.HasPrefix(rest, k.delimiter) {
					rest = rest[len(k.delimiter):]
				}
			}
		}

		if k.skip {
			continue
		}
		if k.appendTo {
			if prev, ok := out[k.name].(string); ok {
				value = prev + d.separator + value
			}
		}
		out[k.name] = value
	}
	if rest != "" {
		return nil, errDissectNoMatch
	}
	return out, nil
}
