// Package llm is the HTTP chat-completions client behind the completion
// collaborator and the tool-call runner. It talks to any OpenAI-style
// /chat/completions endpoint configured per provider.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"parley/internal/domain"
	"parley/internal/orchestrator"
)

const (
	defaultAPIRetries        = 2
	defaultAPIRetryBackoff   = 1500 * time.Millisecond
	defaultAPITimeout        = 2 * time.Minute
	maxHTTPErrorBodyReadSize = 64 * 1024
)

var ErrUnknownProvider = errors.New("unknown model provider")

type Provider struct {
	BaseURL   string
	AuthToken string
}

type Store interface {
	GetMessage(ctx context.Context, messageID string) (domain.Message, error)
	UpdateMessage(ctx context.Context, messageID string, patch domain.MessagePatch) error
	CreateMessage(ctx context.Context, msg domain.Message) (string, error)
}

type ClientConfig struct {
	Providers    map[string]Provider
	Timeout      time.Duration
	Retries      int
	RetryBackoff time.Duration
	Logger       *log.Logger
	HTTPClient   *http.Client
}

type Client struct {
	providers    map[string]Provider
	store        Store
	tools        *ToolRegistry
	retries      int
	retryBackoff time.Duration
	logger       *log.Logger
	http         *http.Client
}

func NewClient(store Store, tools *ToolRegistry, cfg ClientConfig) (*Client, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no model providers configured")
	}
	for key, p := range cfg.Providers {
		if _, err := url.ParseRequestURI(p.BaseURL); err != nil {
			return nil, fmt.Errorf("invalid base url for provider %q: %w", key, err)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultAPITimeout
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	if retries == 0 {
		retries = defaultAPIRetries
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = defaultAPIRetryBackoff
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	if tools == nil {
		tools = NewToolRegistry()
	}
	return &Client{
		providers:    cfg.Providers,
		store:        store,
		tools:        tools,
		retries:      retries,
		retryBackoff: backoff,
		logger:       cfg.Logger,
		http:         client,
	}, nil
}

// Complete calls the model and writes the reply into the placeholder message:
// text content on a normal turn, tool calls on a function-call turn.
func (c *Client) Complete(ctx context.Context, req orchestrator.CompletionRequest) (orchestrator.CompletionResult, error) {
	provider, ok := c.providers[req.Provider]
	if !ok {
		return orchestrator.CompletionResult{}, fmt.Errorf("provider %q: %w", req.Provider, ErrUnknownProvider)
	}

	reply, err := c.chatWithRetry(ctx, provider, req.Model, toWire(req.Messages), c.tools.Specs())
	if err != nil {
		return orchestrator.CompletionResult{}, err
	}

	if len(reply.ToolCalls) > 0 {
		toolCalls := make([]domain.ToolCall, 0, len(reply.ToolCalls))
		for _, tc := range reply.ToolCalls {
			toolCalls = append(toolCalls, domain.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			})
		}
		content := strings.TrimSpace(reply.Content)
		patch := domain.MessagePatch{ToolCalls: toolCalls}
		if content != "" {
			patch.Content = &content
		}
		if err := c.store.UpdateMessage(ctx, req.PlaceholderID, patch); err != nil {
			return orchestrator.CompletionResult{}, fmt.Errorf("store tool calls: %w", err)
		}
		return orchestrator.CompletionResult{FunctionCall: true}, nil
	}

	content := strings.TrimSpace(reply.Content)
	if content == "" {
		return orchestrator.CompletionResult{}, fmt.Errorf("model returned empty reply")
	}
	if err := c.store.UpdateMessage(ctx, req.PlaceholderID, domain.MessagePatch{Content: &content}); err != nil {
		return orchestrator.CompletionResult{}, fmt.Errorf("store reply: %w", err)
	}
	return orchestrator.CompletionResult{}, nil
}

// RunToolCalls executes every tool call on the message, appends one role=tool
// result message per call, and asks the model for the follow-up answer with
// the results in context. The follow-up lands as a fresh assistant message so
// the next decision sees a finished sequence.
func (c *Client) RunToolCalls(ctx context.Context, messageID string, opts orchestrator.ToolCallOptions) error {
	provider, ok := c.providers[opts.Provider]
	if !ok {
		return fmt.Errorf("provider %q: %w", opts.Provider, ErrUnknownProvider)
	}
	msg, err := c.store.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("load tool-call message: %w", err)
	}

	assistantTurn := chatMessage{Role: string(domain.RoleAssistant), Content: msg.Content}
	if assistantTurn.Content == domain.LoadingSentinel {
		assistantTurn.Content = ""
	}
	results := make([]chatMessage, 0, len(msg.ToolCalls))
	for _, call := range msg.ToolCalls {
		assistantTurn.ToolCalls = append(assistantTurn.ToolCalls, replToolCall{
			ID:       call.ID,
			Function: replToolFunction{Name: call.Name, Arguments: string(call.Arguments)},
		})
		result, err := c.tools.Run(ctx, call.Name, call.Arguments)
		if err != nil {
			result = fmt.Sprintf("tool %s failed: %v", call.Name, err)
			c.logger.Printf("tool call failed message=%s tool=%s: %v", messageID, call.Name, err)
		}
		if _, err := c.store.CreateMessage(ctx, domain.Message{
			ID:      newToolResultID(call.ID),
			GroupID: opts.GroupID,
			TopicID: opts.TopicID,
			Role:    domain.RoleTool,
			Content: result,
			AgentID: opts.AgentID,
			Status:  domain.MessageStatusSuccess,
		}); err != nil {
			return fmt.Errorf("store tool result: %w", err)
		}
		results = append(results, chatMessage{
			Role:       string(domain.RoleTool),
			Content:    result,
			ToolCallID: call.ID,
		})
	}
	status := domain.MessageStatusSuccess
	finish := domain.MessagePatch{Status: &status}
	if msg.Content == domain.LoadingSentinel {
		// The turn was all tool calls, no prose. Drop the loading sentinel so
		// it never reaches the UI or a later transcript.
		empty := ""
		finish.Content = &empty
	}
	if err := c.store.UpdateMessage(ctx, messageID, finish); err != nil {
		return fmt.Errorf("finish tool-call message: %w", err)
	}

	followUp := append(toWire(opts.Messages), assistantTurn)
	followUp = append(followUp, results...)
	reply, err := c.chatWithRetry(ctx, provider, opts.Model, followUp, nil)
	if err != nil {
		return fmt.Errorf("follow-up completion: %w", err)
	}
	content := strings.TrimSpace(reply.Content)
	if content == "" {
		return fmt.Errorf("model returned empty follow-up reply")
	}
	if _, err := c.store.CreateMessage(ctx, domain.Message{
		ID:       uuid.NewString(),
		GroupID:  opts.GroupID,
		TopicID:  opts.TopicID,
		Role:     domain.RoleAssistant,
		Content:  content,
		AgentID:  opts.AgentID,
		TargetID: msg.TargetID,
		Status:   domain.MessageStatusSuccess,
	}); err != nil {
		return fmt.Errorf("store follow-up reply: %w", err)
	}
	return nil
}

// Chat performs a bare completion with no tool definitions and returns the
// reply text. The supervisor decision function runs on this.
func (c *Client) Chat(ctx context.Context, providerKey, model string, messages []orchestrator.CompletionMessage) (string, error) {
	provider, ok := c.providers[providerKey]
	if !ok {
		return "", fmt.Errorf("provider %q: %w", providerKey, ErrUnknownProvider)
	}
	reply, err := c.chatWithRetry(ctx, provider, model, toWire(messages), nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply.Content), nil
}

func toWire(messages []orchestrator.CompletionMessage) []chatMessage {
	wire := make([]chatMessage, 0, len(messages))
	for _, m := range messages {
		wire = append(wire, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	return wire
}

func (c *Client) chatWithRetry(
	ctx context.Context,
	provider Provider,
	model string,
	messages []chatMessage,
	toolSpecs []chatTool,
) (chatReply, error) {
	var lastErr error
	for attempt := 1; attempt <= c.retries+1; attempt++ {
		reply, err := c.chatOnce(ctx, provider, model, messages, toolSpecs)
		if err == nil {
			return reply, nil
		}
		if ctx.Err() != nil {
			return chatReply{}, ctx.Err()
		}
		lastErr = err
		if !isRetryableAPIError(err) || attempt == c.retries+1 {
			break
		}
		wait := time.Duration(attempt) * c.retryBackoff
		c.logger.Printf("chat completion retry attempt=%d wait=%s reason=%v", attempt, wait, err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return chatReply{}, ctx.Err()
		case <-timer.C:
		}
	}
	if lastErr == nil {
		lastErr = errors.New("unknown chat completion error")
	}
	return chatReply{}, lastErr
}

func (c *Client) chatOnce(
	ctx context.Context,
	provider Provider,
	model string,
	messages []chatMessage,
	toolSpecs []chatTool,
) (chatReply, error) {
	payload := chatRequest{Model: model, Messages: messages}
	if len(toolSpecs) > 0 {
		payload.Tools = toolSpecs
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return chatReply{}, fmt.Errorf("marshal chat request: %w", err)
	}

	endpoint := strings.TrimRight(provider.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return chatReply{}, fmt.Errorf("create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if provider.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+provider.AuthToken)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return chatReply{}, ctx.Err()
		}
		return chatReply{}, fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxHTTPErrorBodyReadSize))
		if readErr != nil {
			return chatReply{}, fmt.Errorf("chat api status=%d and read body failed: %w", resp.StatusCode, readErr)
		}
		return chatReply{}, apiHTTPError{statusCode: resp.StatusCode, body: strings.TrimSpace(string(errBody))}
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return chatReply{}, fmt.Errorf("decode chat response: %w", err)
	}
	if parsed.Error != nil {
		return chatReply{}, fmt.Errorf("chat api error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return chatReply{}, fmt.Errorf("chat response has no choices")
	}
	return parsed.Choices[0].Message, nil
}

func isRetryableAPIError(err error) bool {
	var statusErr apiHTTPError
	if errors.As(err, &statusErr) {
		return statusErr.statusCode == http.StatusTooManyRequests || statusErr.statusCode >= http.StatusInternalServerError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Tools    []chatTool    `json:"tools,omitempty"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []replToolCall `json:"tool_calls,omitempty"`
}

type chatTool struct {
	Type     string           `json:"type"`
	Function chatToolFunction `json:"function"`
}

type chatToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatResponse struct {
	Choices []chatChoice  `json:"choices"`
	Error   *chatAPIError `json:"error,omitempty"`
}

type chatChoice struct {
	Message chatReply `json:"message"`
}

type chatReply struct {
	Content   string         `json:"content"`
	ToolCalls []replToolCall `json:"tool_calls,omitempty"`
}

type replToolCall struct {
	ID       string           `json:"id"`
	Function replToolFunction `json:"function"`
}

type replToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatAPIError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
}

type apiHTTPError struct {
	statusCode int
	body       string
}

func (e apiHTTPError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("chat api status=%d", e.statusCode)
	}
	return fmt.Sprintf("chat api status=%d body=%s", e.statusCode, e.body)
}
