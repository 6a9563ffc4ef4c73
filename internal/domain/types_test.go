package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var roster = []Agent{
	{ID: "a1", Title: "Ada"},
	{ID: "a2", Title: "Brock"},
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Sam", Message{Role: RoleUser}.DisplayName(roster, "Sam"))
	assert.Equal(t, "User", Message{Role: RoleUser}.DisplayName(roster, ""))
	assert.Equal(t, "Ada", Message{Role: RoleAssistant, AgentID: "a1"}.DisplayName(roster, "Sam"))
	assert.Equal(t, "a9", Message{Role: RoleAssistant, AgentID: "a9"}.DisplayName(roster, "Sam"))
	assert.Equal(t, "tool", Message{Role: RoleTool}.DisplayName(roster, "Sam"))
}

func TestIsDirect(t *testing.T) {
	assert.False(t, Message{}.IsDirect())
	assert.True(t, Message{TargetID: "a1"}.IsDirect())
}

func TestHasPendingToolCalls(t *testing.T) {
	calls := []ToolCall{{ID: "call-1", Name: "current_time"}}

	pending := Message{Role: RoleAssistant, ToolCalls: calls, Status: MessageStatusToolCalling}
	assert.True(t, pending.HasPendingToolCalls())

	toolResult := Message{Role: RoleTool, Status: MessageStatusSuccess}
	assert.True(t, toolResult.HasPendingToolCalls(), "results without the follow-up answer still block")

	plain := Message{Role: RoleAssistant, Status: MessageStatusSuccess}
	assert.False(t, plain.HasPendingToolCalls())

	user := Message{Role: RoleUser}
	assert.False(t, user.HasPendingToolCalls())
}
