package enrichment

import "github.com/zjrosen/enrich/internal/enrichment/processor"

// hasStagedChanges reports whether the live list differs from the list
// recorded on entry into ready: a processor was added or deleted, a
// configured processor was staged or updated, or the order changed.
func (m *Machine) hasStagedChanges() bool {
	if len(m.processors) != len(m.initial) {
		return true
	}
	for i, a := range m.processors {
		if a.State().IsConfigured() && a.IsUpdated() {
			return true
		}
		if m.initial[i] != a.ID() {
			return true
		}
	}
	return false
}

func (m *Machine) hasPendingDraft() bool {
	for _, a := range m.processors {
		if a.State() == processor.StateDraft {
			return true
		}
	}
	return false
}

func (m *Machine) canUpdateStream() bool {
	return m.hasStagedChanges() && !m.hasPendingDraft()
}

func (m *Machine) hasMultipleProcessors() bool {
	return len(m.processors) > 1
}

func (m *Machine) isDraftProcessor(a *processor.Actor) bool {
	return a != nil && a.State() == processor.StateDraft
}
