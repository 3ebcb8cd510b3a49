package streams

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"gopkg.in/yaml.v3"
)

// DiffTimeout bounds the line diff computation.
const DiffTimeout = 100 * time.Millisecond

// ProcessorsDiff renders a line diff between the persisted and the staged
// processor lists. Unchanged lines are prefixed with two spaces, removed lines
// with "- " and added lines with "+ ". Returns "" when both lists render
// identically.
func ProcessorsDiff(ctx context.Context, persisted, staged []ProcessorDefinition) (string, error) {
	before, err := renderProcessors(persisted)
	if err != nil {
		return "", err
	}
	after, err := renderProcessors(staged)
	if err != nil {
		return "", err
	}
	if before == after {
		return "", nil
	}

	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = DiffTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < dmp.DiffTimeout {
			dmp.DiffTimeout = remaining
		}
	}

	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var out strings.Builder
	for _, d := range diffs {
		prefix := "  "
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			out.WriteString(prefix)
			out.WriteString(line)
			if !strings.HasSuffix(line, "\n") {
				out.WriteByte('\n')
			}
		}
	}
	return out.String(), nil
}

func renderProcessors(ps []ProcessorDefinition) (string, error) {
	if len(ps) == 0 {
		return "[]\n", nil
	}
	data, err := yaml.Marshal(ps)
	if err != nil {
		return "", fmt.Errorf("rendering processors: %w", err)
	}
	return string(data), nil
}
