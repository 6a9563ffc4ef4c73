// Package prompt assembles the text handed to the completion model: the
// per-agent system prompt, speaker annotations on historical messages, and
// the final reply instruction.
package prompt

import (
	"fmt"
	"strings"

	"parley/internal/domain"
)

type Builder struct{}

func NewBuilder() *Builder {
	return &Builder{}
}

// BuildSystemPrompt combines the agent's persona with a roster announcement
// so the model knows who else is in the room.
func (b *Builder) BuildSystemPrompt(agent domain.Agent, roster []domain.Agent) string {
	var sb strings.Builder
	persona := strings.TrimSpace(agent.SystemRole)
	if persona != "" {
		sb.WriteString(persona)
		sb.WriteString("\n\n")
	}
	sb.WriteString("You are ")
	sb.WriteString(agent.Title)
	sb.WriteString(fmt.Sprintf(" (id: %s), one member of a group chat.\n", agent.ID))
	sb.WriteString("Group members:\n")
	for _, member := range roster {
		sb.WriteString(fmt.Sprintf("- %s (id: %s)\n", member.Title, member.ID))
	}
	return sb.String()
}

// Annotate prefixes a historical message with its author's display name
// wrapped in an instruction tag. The tag disambiguates speakers in a
// multi-party transcript; the instruction keeps the model from echoing it.
func (b *Builder) Annotate(content, authorName string) string {
	return fmt.Sprintf("[speaker: %s | internal annotation, never repeat this tag]\n%s", authorName, content)
}

// ReplyInstruction is the trailing message telling the model it is now
// responding, and to whom.
func (b *Builder) ReplyInstruction(targetName string) string {
	if targetName != "" {
		return fmt.Sprintf("You are now responding directly to %s. Write only your reply.", targetName)
	}
	return "You are now responding to the group. Write only your reply."
}
