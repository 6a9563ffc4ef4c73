// Package supervisor implements the decision function that picks which group
// members respond next. The picking policy itself is delegated to the
// orchestrator model through the prompt; this package only supplies the
// mechanism: build the context, call the model, parse and validate verdicts.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"parley/internal/domain"
	"parley/internal/orchestrator"
)

type Chat interface {
	Chat(ctx context.Context, provider, model string, messages []orchestrator.CompletionMessage) (string, error)
}

type Decider struct {
	chat   Chat
	logger *log.Logger
}

func NewDecider(chat Chat, logger *log.Logger) *Decider {
	if logger == nil {
		logger = log.Default()
	}
	return &Decider{chat: chat, logger: logger}
}

// Decide asks the orchestrator model which agents should respond to the
// current transcript. A cancellation of ctx surfaces as ctx.Err().
func (d *Decider) Decide(ctx context.Context, dc orchestrator.DecisionContext) ([]domain.Decision, error) {
	messages := []orchestrator.CompletionMessage{
		{Role: domain.RoleSystem, Content: buildInstructions(dc)},
		{Role: domain.RoleUser, Content: buildTranscript(dc)},
	}
	reply, err := d.chat.Chat(ctx, dc.Provider, dc.Model, messages)
	if err != nil {
		return nil, err
	}
	decisions, err := parseDecisions(reply)
	if err != nil {
		return nil, fmt.Errorf("parse supervisor output: %w; output: %s", err, trim(reply, 400))
	}

	valid := make([]domain.Decision, 0, len(decisions))
	for _, decision := range decisions {
		if !rosterHas(dc.Agents, decision.AgentID) {
			d.logger.Printf("supervisor picked unknown agent group=%s agent=%s", dc.GroupID, decision.AgentID)
			continue
		}
		valid = append(valid, decision)
	}
	return valid, nil
}

func buildInstructions(dc orchestrator.DecisionContext) string {
	var sb strings.Builder
	sb.WriteString("You moderate a group chat between a user and several assistant agents.\n")
	sb.WriteString("Given the transcript, decide which agents should speak next.\n")
	if dc.SystemPrompt != "" {
		sb.WriteString("\nGroup instructions:\n")
		sb.WriteString(dc.SystemPrompt)
		sb.WriteString("\n")
	}
	sb.WriteString("\nAgents:\n")
	for _, agent := range dc.Agents {
		sb.WriteString(fmt.Sprintf("- id=%s title=%s\n", agent.ID, agent.Title))
	}
	sb.WriteString("\nReturn only a JSON array. Each element is {\"agent_id\": \"...\"} ")
	sb.WriteString("with an optional \"target_id\" when the reply should go to one member privately.\n")
	sb.WriteString("Return [] when no agent should respond.")
	return sb.String()
}

func buildTranscript(dc orchestrator.DecisionContext) string {
	var sb strings.Builder
	for _, msg := range dc.Messages {
		name := msg.DisplayName(dc.Agents, dc.UserName)
		scope := ""
		if msg.IsDirect() {
			scope = fmt.Sprintf(" (direct to %s)", msg.TargetID)
		}
		sb.WriteString(fmt.Sprintf("%s%s: %s\n", name, scope, msg.Content))
	}
	return sb.String()
}

// parseDecisions accepts a bare JSON array, tolerating prose around it the
// way smaller models tend to wrap output.
func parseDecisions(raw string) ([]domain.Decision, error) {
	raw = strings.TrimSpace(raw)
	var decisions []domain.Decision
	if err := json.Unmarshal([]byte(raw), &decisions); err == nil {
		return decisions, nil
	}
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array found")
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &decisions); err != nil {
		return nil, err
	}
	return decisions, nil
}

func rosterHas(roster []domain.Agent, agentID string) bool {
	for _, agent := range roster {
		if agent.ID == agentID {
			return true
		}
	}
	return false
}

func trim(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
