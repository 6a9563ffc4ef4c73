package orchestrator

import (
	"fmt"

	"github.com/google/uuid"

	"parley/internal/domain"
	"parley/internal/messaging/inproc"
)

// runAgentTask produces one agent's response for a decision. Errors past the
// placeholder-creation point are surfaced by rewriting the placeholder; any
// earlier gap is a logged no-op since nothing user-visible exists yet.
func (s *Service) runAgentTask(group domain.Group, decision domain.Decision) {
	err := s.respondAs(group, decision)
	if err == nil {
		return
	}
	s.logger.Printf("agent response failed group=%s agent=%s: %v", group.ID, decision.AgentID, err)
	s.failPlaceholder(group, decision.AgentID, err)
}

func (s *Service) respondAs(group domain.Group, decision domain.Decision) error {
	ctx := s.ctx

	agent, ok := findAgent(group.Agents, decision.AgentID)
	if !ok {
		s.logger.Printf("decision names unknown agent group=%s agent=%s", group.ID, decision.AgentID)
		return nil
	}
	if agent.Model == "" || agent.Provider == "" {
		s.logger.Printf("agent missing model or provider group=%s agent=%s", group.ID, agent.ID)
		return nil
	}

	history, err := s.store.ListMessages(ctx, group.ID, group.ActiveTopicID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	visible := s.vis.FilterFor(agent.ID, history)

	userName := "User"
	if profile, err := s.store.GetUserProfile(ctx); err == nil && profile.Nickname != "" {
		userName = profile.Nickname
	}

	systemPrompt := s.prompts.BuildSystemPrompt(agent, group.Agents)

	placeholder := domain.Message{
		ID:       uuid.NewString(),
		GroupID:  group.ID,
		TopicID:  group.ActiveTopicID,
		Role:     domain.RoleAssistant,
		Content:  domain.LoadingSentinel,
		AgentID:  agent.ID,
		TargetID: decision.TargetID,
		Status:   domain.MessageStatusPending,
	}
	placeholderID, err := s.store.CreateMessage(ctx, placeholder)
	if err != nil {
		return fmt.Errorf("create placeholder: %w", err)
	}
	s.publish(inproc.Event{Kind: inproc.EventMessageCreated, GroupID: group.ID, TopicID: group.ActiveTopicID, MessageID: placeholderID})

	messages := make([]CompletionMessage, 0, len(visible)+2)
	messages = append(messages, CompletionMessage{Role: domain.RoleSystem, Content: systemPrompt})
	for _, msg := range visible {
		role := msg.Role
		content := msg.Content
		switch {
		case content == domain.LoadingSentinel:
			// A sibling's placeholder still being generated; nothing to show.
			continue
		case role == domain.RoleTool:
			// Past tool output has lost its wire pairing with the tool_calls
			// turn that requested it, so it travels as annotated user text
			// rather than a bare role=tool entry the chat API would reject.
			role = domain.RoleUser
			content = s.prompts.Annotate(content, "tool output")
		case role == domain.RoleAssistant && len(msg.ToolCalls) > 0 && content == "":
			// A finished tool-call turn with no prose around it.
			continue
		case role == domain.RoleUser || role == domain.RoleAssistant:
			content = s.prompts.Annotate(content, msg.DisplayName(group.Agents, userName))
		}
		// The agent's own past turns stay assistant turns; everyone else's
		// become user turns so the model sees a two-party transcript.
		if role == domain.RoleAssistant && msg.AgentID != agent.ID {
			role = domain.RoleUser
		}
		messages = append(messages, CompletionMessage{Role: role, Content: content})
	}
	targetName := ""
	if decision.TargetID != "" {
		if target, ok := findAgent(group.Agents, decision.TargetID); ok {
			targetName = target.Title
		} else {
			targetName = userName
		}
	}
	messages = append(messages, CompletionMessage{Role: domain.RoleUser, Content: s.prompts.ReplyInstruction(targetName)})

	result, err := s.complete.Complete(ctx, CompletionRequest{
		Messages:      messages,
		PlaceholderID: placeholderID,
		Model:         agent.Model,
		Provider:      agent.Provider,
		Trace:         TraceParams{GroupID: group.ID, TopicID: group.ActiveTopicID, AgentID: agent.ID},
	})
	if err != nil {
		return fmt.Errorf("completion: %w", err)
	}

	if result.FunctionCall {
		status := domain.MessageStatusToolCalling
		if err := s.store.UpdateMessage(ctx, placeholderID, domain.MessagePatch{Status: &status}); err != nil {
			return fmt.Errorf("mark toolcalling: %w", err)
		}
		s.publish(inproc.Event{Kind: inproc.EventMessageUpdated, GroupID: group.ID, TopicID: group.ActiveTopicID, MessageID: placeholderID})
		if err := s.tools.RunToolCalls(ctx, placeholderID, ToolCallOptions{
			GroupID:  group.ID,
			TopicID:  group.ActiveTopicID,
			AgentID:  agent.ID,
			Messages: messages,
			Model:    agent.Model,
			Provider: agent.Provider,
		}); err != nil {
			return fmt.Errorf("run tool calls: %w", err)
		}
		// Continue the conversation as soon as tool results land, without
		// waiting for sibling tasks in the batch.
		s.Trigger(group.ID)
		return nil
	}

	status := domain.MessageStatusSuccess
	if err := s.store.UpdateMessage(ctx, placeholderID, domain.MessagePatch{Status: &status}); err != nil {
		return fmt.Errorf("mark success: %w", err)
	}
	s.publish(inproc.Event{Kind: inproc.EventMessageUpdated, GroupID: group.ID, TopicID: group.ActiveTopicID, MessageID: placeholderID})
	// No re-arm here: the batch executor owns the post-batch trigger.
	return nil
}

// failPlaceholder rewrites the agent's stuck placeholder with an error notice.
func (s *Service) failPlaceholder(group domain.Group, agentID string, cause error) {
	ctx := s.ctx
	placeholder, err := s.store.FindPendingPlaceholder(ctx, group.ID, group.ActiveTopicID, agentID, domain.LoadingSentinel)
	if err != nil {
		s.logger.Printf("no pending placeholder to fail group=%s agent=%s: %v", group.ID, agentID, err)
		return
	}
	content := fmt.Sprintf("Failed to generate a response: %v", cause)
	status := domain.MessageStatusError
	kind := domain.ErrorKindAgentResponse
	if err := s.store.UpdateMessage(ctx, placeholder.ID, domain.MessagePatch{
		Content:   &content,
		Status:    &status,
		ErrorKind: &kind,
	}); err != nil {
		s.logger.Printf("rewrite placeholder failed group=%s message=%s: %v", group.ID, placeholder.ID, err)
		return
	}
	s.publish(inproc.Event{Kind: inproc.EventMessageUpdated, GroupID: group.ID, TopicID: group.ActiveTopicID, MessageID: placeholder.ID})
}

func findAgent(roster []domain.Agent, agentID string) (domain.Agent, bool) {
	for _, agent := range roster {
		if agent.ID == agentID {
			return agent, true
		}
	}
	return domain.Agent{}, false
}
