package domain

import (
	"encoding/json"
	"time"
)

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
)

type MessageStatus string

const (
	MessageStatusPending     MessageStatus = "pending"
	MessageStatusToolCalling MessageStatus = "toolcalling"
	MessageStatusSuccess     MessageStatus = "success"
	MessageStatusError       MessageStatus = "error"
)

type ResponseSpeed string

const (
	ResponseSpeedFast   ResponseSpeed = "fast"
	ResponseSpeedMedium ResponseSpeed = "medium"
	ResponseSpeedSlow   ResponseSpeed = "slow"
)

// LoadingSentinel is the placeholder content an assistant message holds while
// its response is still being generated. The failure path locates stuck
// placeholders by this exact value.
const LoadingSentinel = "__loading__"

type ErrorKind string

const (
	ErrorKindAgentResponse ErrorKind = "agent_response_failed"
	ErrorKindToolCall      ErrorKind = "tool_call_failed"
)

type Agent struct {
	ID         string `json:"id"`
	GroupID    string `json:"group_id"`
	Title      string `json:"title"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	SystemRole string `json:"system_role"`
}

type GroupConfig struct {
	ResponseSpeed        ResponseSpeed `json:"response_speed"`
	OrchestratorModel    string        `json:"orchestrator_model"`
	OrchestratorProvider string        `json:"orchestrator_provider"`
	SystemPrompt         string        `json:"system_prompt"`
}

type Group struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	ActiveTopicID string      `json:"active_topic_id"`
	Config        GroupConfig `json:"config"`
	Agents        []Agent     `json:"agents"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

type Topic struct {
	ID        string    `json:"id"`
	GroupID   string    `json:"group_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type Message struct {
	ID        string        `json:"id"`
	GroupID   string        `json:"group_id"`
	TopicID   string        `json:"topic_id"`
	Role      MessageRole   `json:"role"`
	Content   string        `json:"content"`
	AgentID   string        `json:"agent_id,omitempty"`
	TargetID  string        `json:"target_id,omitempty"`
	ToolCalls []ToolCall    `json:"tool_calls,omitempty"`
	Status    MessageStatus `json:"status"`
	ErrorKind ErrorKind     `json:"error_kind,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// MessagePatch updates a subset of message fields. Nil fields are left as-is.
type MessagePatch struct {
	Content   *string        `json:"content,omitempty"`
	Status    *MessageStatus `json:"status,omitempty"`
	ErrorKind *ErrorKind     `json:"error_kind,omitempty"`
	ToolCalls []ToolCall     `json:"tool_calls,omitempty"`
}

// Decision is one supervisor verdict: the agent that should respond next, and
// the optional member it addresses directly. An empty TargetID means a public
// reply to the whole group.
type Decision struct {
	AgentID  string `json:"agent_id"`
	TargetID string `json:"target_id,omitempty"`
}

type UserProfile struct {
	Nickname string `json:"nickname"`
}

type DecisionLog struct {
	ID        int64           `json:"id"`
	GroupID   string          `json:"group_id"`
	TopicID   string          `json:"topic_id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// DisplayName resolves the author name shown for a message in transcripts.
func (m Message) DisplayName(roster []Agent, userName string) string {
	switch m.Role {
	case RoleUser:
		if userName != "" {
			return userName
		}
		return "User"
	case RoleAssistant:
		for _, a := range roster {
			if a.ID == m.AgentID {
				return a.Title
			}
		}
		return m.AgentID
	default:
		return string(m.Role)
	}
}

// IsDirect reports whether the message is addressed to a single member
// instead of the whole group.
func (m Message) IsDirect() bool {
	return m.TargetID != ""
}

// HasPendingToolCalls reports whether the message leaves the conversation mid
// tool-call sequence: an assistant turn that issued tool calls, or a tool
// result still waiting for the follow-up answer. The sequence ends when the
// tool runner appends the final assistant reply after the results.
func (m Message) HasPendingToolCalls() bool {
	if m.Role == RoleTool {
		return true
	}
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}
