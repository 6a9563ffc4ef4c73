package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"parley/internal/domain"
)

func TestBuildSystemPrompt(t *testing.T) {
	b := NewBuilder()
	roster := []domain.Agent{
		{ID: "a1", Title: "Ada"},
		{ID: "a2", Title: "Brock"},
	}

	got := b.BuildSystemPrompt(domain.Agent{ID: "a1", Title: "Ada", SystemRole: "You are a historian."}, roster)

	assert.True(t, strings.HasPrefix(got, "You are a historian."), "persona comes first")
	assert.Contains(t, got, "You are Ada (id: a1), one member of a group chat.")
	assert.Contains(t, got, "- Brock (id: a2)")
}

func TestBuildSystemPromptWithoutPersona(t *testing.T) {
	b := NewBuilder()

	got := b.BuildSystemPrompt(domain.Agent{ID: "a1", Title: "Ada"}, nil)
	assert.True(t, strings.HasPrefix(got, "You are Ada"), "no leading blank persona block")
}

func TestAnnotate(t *testing.T) {
	b := NewBuilder()

	got := b.Annotate("hello there", "Sam")
	assert.Equal(t, "[speaker: Sam | internal annotation, never repeat this tag]\nhello there", got)
}

func TestReplyInstruction(t *testing.T) {
	b := NewBuilder()

	assert.Contains(t, b.ReplyInstruction("Ada"), "responding directly to Ada")
	assert.Contains(t, b.ReplyInstruction(""), "responding to the group")
}
