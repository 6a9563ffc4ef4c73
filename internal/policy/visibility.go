// Package policy decides which messages each group member is allowed to see.
// Direct-message pairs stay private to the sender and the declared target;
// everything else is public to the whole group.
package policy

import "parley/internal/domain"

type Visibility struct{}

func NewVisibility() *Visibility {
	return &Visibility{}
}

// CanSee reports whether agentID may read msg.
func (v *Visibility) CanSee(agentID string, msg domain.Message) bool {
	if !msg.IsDirect() {
		return true
	}
	return msg.AgentID == agentID || msg.TargetID == agentID
}

// FilterFor returns the slice of history visible to agentID, preserving order.
func (v *Visibility) FilterFor(agentID string, history []domain.Message) []domain.Message {
	out := make([]domain.Message, 0, len(history))
	for _, msg := range history {
		if v.CanSee(agentID, msg) {
			out = append(out, msg)
		}
	}
	return out
}
