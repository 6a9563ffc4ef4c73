package supervisor

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/domain"
	"parley/internal/orchestrator"
)

type fakeChat struct {
	reply    string
	err      error
	messages []orchestrator.CompletionMessage
}

func (f *fakeChat) Chat(ctx context.Context, provider, model string, messages []orchestrator.CompletionMessage) (string, error) {
	f.messages = messages
	return f.reply, f.err
}

func testContext() orchestrator.DecisionContext {
	return orchestrator.DecisionContext{
		GroupID: "g1",
		TopicID: "t1",
		Agents: []domain.Agent{
			{ID: "a1", Title: "Ada"},
			{ID: "a2", Title: "Brock"},
		},
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "hello everyone"},
			{Role: domain.RoleAssistant, AgentID: "a1", TargetID: "a2", Content: "hi"},
		},
		Model:    "test-model",
		Provider: "test",
		UserName: "Sam",
	}
}

func newTestDecider(chat Chat) *Decider {
	return NewDecider(chat, log.New(io.Discard, "", 0))
}

func TestDecideParsesVerdicts(t *testing.T) {
	chat := &fakeChat{reply: `[{"agent_id":"a1"},{"agent_id":"a2","target_id":"a1"}]`}
	d := newTestDecider(chat)

	decisions, err := d.Decide(context.Background(), testContext())
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	assert.Equal(t, domain.Decision{AgentID: "a1"}, decisions[0])
	assert.Equal(t, domain.Decision{AgentID: "a2", TargetID: "a1"}, decisions[1])
}

func TestDecideBuildsContextForTheModel(t *testing.T) {
	chat := &fakeChat{reply: `[]`}
	d := newTestDecider(chat)

	_, err := d.Decide(context.Background(), testContext())
	require.NoError(t, err)
	require.Len(t, chat.messages, 2)

	system := chat.messages[0].Content
	assert.Contains(t, system, "id=a1 title=Ada")
	assert.Contains(t, system, "Return [] when no agent should respond.")

	transcript := chat.messages[1].Content
	assert.Contains(t, transcript, "Sam: hello everyone")
	assert.Contains(t, transcript, "Ada (direct to a2): hi")
}

func TestDecideDropsUnknownAgents(t *testing.T) {
	chat := &fakeChat{reply: `[{"agent_id":"a1"},{"agent_id":"a9"}]`}
	d := newTestDecider(chat)

	decisions, err := d.Decide(context.Background(), testContext())
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "a1", decisions[0].AgentID)
}

func TestDecideEmptyVerdict(t *testing.T) {
	chat := &fakeChat{reply: `[]`}
	d := newTestDecider(chat)

	decisions, err := d.Decide(context.Background(), testContext())
	require.NoError(t, err)
	assert.Empty(t, decisions)
}

func TestDecidePropagatesChatError(t *testing.T) {
	cause := errors.New("model offline")
	chat := &fakeChat{err: cause}
	d := newTestDecider(chat)

	_, err := d.Decide(context.Background(), testContext())
	assert.ErrorIs(t, err, cause)
}

func TestParseDecisionsToleratesProse(t *testing.T) {
	raw := "Sure, here is my pick:\n[{\"agent_id\":\"a1\"}]\nHope that helps!"
	decisions, err := parseDecisions(raw)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "a1", decisions[0].AgentID)
}

func TestParseDecisionsRejectsGarbage(t *testing.T) {
	_, err := parseDecisions("nobody should answer")
	assert.Error(t, err)
}
