// Package orchestrator coordinates autonomous conversation turns in a group
// chat. An inbound message arms a debounced trigger; when it fires, the
// supervisor decision function picks the agents that should respond; the
// executor fans their responses out concurrently and re-arms the trigger once
// every response in the batch has settled. The cycle ends when a decision
// round comes back empty, the auto-round guard trips, or the group is
// cancelled.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"parley/internal/domain"
	"parley/internal/messaging/inproc"
	"parley/internal/registry"
)

const supervisorActor = "supervisor"

type Store interface {
	CreateGroup(ctx context.Context, group domain.Group) error
	GetGroup(ctx context.Context, groupID string) (domain.Group, error)
	ListGroups(ctx context.Context) ([]domain.Group, error)
	CreateTopic(ctx context.Context, topic domain.Topic) error
	SetActiveTopic(ctx context.Context, groupID, topicID string) error
	ListMessages(ctx context.Context, groupID, topicID string) ([]domain.Message, error)
	CreateMessage(ctx context.Context, msg domain.Message) (string, error)
	UpdateMessage(ctx context.Context, messageID string, patch domain.MessagePatch) error
	FindPendingPlaceholder(ctx context.Context, groupID, topicID, agentID, sentinel string) (domain.Message, error)
	GetUserProfile(ctx context.Context) (domain.UserProfile, error)
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
	ListDecisions(ctx context.Context, groupID string, limit int) ([]domain.DecisionLog, error)
}

// DecisionContext is everything the supervisor decision function sees.
// Cancellation travels through the call's context.
type DecisionContext struct {
	GroupID      string
	TopicID      string
	Agents       []domain.Agent
	Messages     []domain.Message
	Model        string
	Provider     string
	UserName     string
	SystemPrompt string
}

type Decider interface {
	Decide(ctx context.Context, dc DecisionContext) ([]domain.Decision, error)
}

type CompletionMessage struct {
	Role    domain.MessageRole
	Content string
}

type TraceParams struct {
	GroupID string
	TopicID string
	AgentID string
}

type CompletionRequest struct {
	Messages      []CompletionMessage
	PlaceholderID string
	Model         string
	Provider      string
	Trace         TraceParams
}

type CompletionResult struct {
	FunctionCall bool
}

// Completer performs the model call and writes the response (content or tool
// calls) into the placeholder message it was given.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error)
}

// ToolCallOptions carries what the tool runner needs to finish the agent's
// turn: where the result messages go, and the conversation plus model to ask
// for the follow-up answer once results are in.
type ToolCallOptions struct {
	GroupID  string
	TopicID  string
	AgentID  string
	Messages []CompletionMessage
	Model    string
	Provider string
}

type ToolRunner interface {
	RunToolCalls(ctx context.Context, messageID string, opts ToolCallOptions) error
}

type Prompts interface {
	BuildSystemPrompt(agent domain.Agent, roster []domain.Agent) string
	Annotate(content, authorName string) string
	ReplyInstruction(targetName string) string
}

type Visibility interface {
	FilterFor(agentID string, history []domain.Message) []domain.Message
}

type Notifier interface {
	Publish(event inproc.Event)
}

type Config struct {
	// DefaultModel/DefaultProvider back the supervisor call when the group
	// config leaves the orchestrator model unset.
	DefaultModel    string
	DefaultProvider string
	// MaxAutoRounds bounds consecutive supervisor-driven batches between user
	// messages, so an autonomous conversation cannot loop forever.
	MaxAutoRounds int
	// DebounceDelays overrides the built-in response-speed table (tests).
	DebounceDelays map[domain.ResponseSpeed]time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultModel == "" {
		c.DefaultModel = "gpt-4o-mini"
	}
	if c.DefaultProvider == "" {
		c.DefaultProvider = "openai"
	}
	if c.MaxAutoRounds <= 0 {
		c.MaxAutoRounds = 20
	}
	return c
}

type Service struct {
	store    Store
	decider  Decider
	complete Completer
	tools    ToolRunner
	prompts  Prompts
	vis      Visibility
	bus      Notifier
	reg      *registry.Registry
	loading  *registry.Flags
	sending  *registry.Flags
	cfg      Config
	logger   *log.Logger

	ctx context.Context
	wg  sync.WaitGroup

	roundsMu sync.Mutex
	rounds   map[string]int
}

func New(
	store Store,
	decider Decider,
	complete Completer,
	tools ToolRunner,
	prompts Prompts,
	vis Visibility,
	bus Notifier,
	reg *registry.Registry,
	cfg Config,
	logger *log.Logger,
) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		store:    store,
		decider:  decider,
		complete: complete,
		tools:    tools,
		prompts:  prompts,
		vis:      vis,
		bus:      bus,
		reg:      reg,
		loading:  registry.NewFlags(),
		sending:  registry.NewFlags(),
		cfg:      cfg.withDefaults(),
		logger:   logger,
		rounds:   make(map[string]int),
	}
}

// Start binds the service to its lifetime context. Timers armed afterwards
// derive their invocation contexts from it.
func (s *Service) Start(ctx context.Context) {
	s.ctx = ctx
}

// Shutdown cancels every group's cycle and waits for in-flight invocations.
func (s *Service) Shutdown() {
	s.CancelAll()
	s.wg.Wait()
}

type CreateGroupInput struct {
	ID     string
	Name   string
	Agents []domain.Agent
	Config domain.GroupConfig
}

func (s *Service) CreateGroup(ctx context.Context, in CreateGroupInput) (domain.Group, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	topic := domain.Topic{
		ID:        uuid.NewString(),
		GroupID:   in.ID,
		Name:      "default",
		CreatedAt: time.Now().UTC(),
	}
	agents := make([]domain.Agent, 0, len(in.Agents))
	for _, agent := range in.Agents {
		if agent.ID == "" {
			agent.ID = uuid.NewString()
		}
		agent.GroupID = in.ID
		agents = append(agents, agent)
	}
	group := domain.Group{
		ID:            in.ID,
		Name:          in.Name,
		ActiveTopicID: topic.ID,
		Config:        in.Config,
		Agents:        agents,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	if err := s.store.CreateGroup(ctx, group); err != nil {
		return domain.Group{}, err
	}
	if err := s.store.CreateTopic(ctx, topic); err != nil {
		return domain.Group{}, err
	}
	return group, nil
}

func (s *Service) GetGroup(ctx context.Context, groupID string) (domain.Group, error) {
	return s.store.GetGroup(ctx, groupID)
}

func (s *Service) ListGroups(ctx context.Context) ([]domain.Group, error) {
	return s.store.ListGroups(ctx)
}

func (s *Service) ListMessages(ctx context.Context, groupID, topicID string) ([]domain.Message, error) {
	return s.store.ListMessages(ctx, groupID, topicID)
}

func (s *Service) ListDecisions(ctx context.Context, groupID string, limit int) ([]domain.DecisionLog, error) {
	return s.store.ListDecisions(ctx, groupID, limit)
}

// SendMessage records an inbound user message in the group's active topic and
// arms the decision trigger. The per-group sending flag is cleared on every
// exit path.
func (s *Service) SendMessage(ctx context.Context, groupID, content, targetID string) (domain.Message, error) {
	s.sending.Set(groupID, true)
	defer s.sending.Set(groupID, false)

	group, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return domain.Message{}, err
	}
	msg := domain.Message{
		ID:       uuid.NewString(),
		GroupID:  group.ID,
		TopicID:  group.ActiveTopicID,
		Role:     domain.RoleUser,
		Content:  content,
		TargetID: targetID,
		Status:   domain.MessageStatusSuccess,
	}
	if _, err := s.store.CreateMessage(ctx, msg); err != nil {
		return domain.Message{}, err
	}
	s.publish(inproc.Event{Kind: inproc.EventMessageCreated, GroupID: group.ID, TopicID: group.ActiveTopicID, MessageID: msg.ID})

	s.resetRounds(groupID)
	s.Trigger(groupID)
	return msg, nil
}

// SwitchTopic opens a fresh topic, makes it active, and cancels the group's
// running cycle: the old topic's timers and tokens must not outlive it.
func (s *Service) SwitchTopic(ctx context.Context, groupID, name string) (domain.Topic, error) {
	if name == "" {
		name = "topic-" + time.Now().UTC().Format("20060102-150405")
	}
	topic := domain.Topic{
		ID:        uuid.NewString(),
		GroupID:   groupID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateTopic(ctx, topic); err != nil {
		return domain.Topic{}, err
	}
	if err := s.store.SetActiveTopic(ctx, groupID, topic.ID); err != nil {
		return domain.Topic{}, err
	}
	s.Cancel(groupID)
	s.resetRounds(groupID)
	return topic, nil
}

// GroupState is the scheduler-side view of one group, for status endpoints.
type GroupState struct {
	Loading        bool `json:"loading"`
	Sending        bool `json:"sending"`
	PendingTrigger bool `json:"pending_trigger"`
	AutoRounds     int  `json:"auto_rounds"`
}

func (s *Service) State(groupID string) GroupState {
	return GroupState{
		Loading:        s.loading.Get(groupID),
		Sending:        s.sending.Get(groupID),
		PendingTrigger: s.reg.HasTimer(groupID),
		AutoRounds:     s.roundCount(groupID),
	}
}

// runDecision is the supervisor invocation: guard, token, decide, hand off.
func (s *Service) runDecision(groupID string) {
	ctx := s.ctx

	group, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		s.logger.Printf("decision skipped, load group failed group=%s: %v", groupID, err)
		return
	}
	history, err := s.store.ListMessages(ctx, group.ID, group.ActiveTopicID)
	if err != nil {
		s.logger.Printf("decision skipped, load history failed group=%s: %v", groupID, err)
		return
	}
	if len(history) == 0 {
		return
	}
	// Mid tool-call sequence: do not interrupt. The next trigger arrives once
	// tool results land.
	if last := history[len(history)-1]; last.HasPendingToolCalls() {
		s.logger.Printf("decision skipped, tool calls pending group=%s message=%s", groupID, last.ID)
		return
	}

	callCtx, cancel := context.WithCancel(ctx)
	s.reg.PutCancel(groupID, cancel)
	s.loading.Set(groupID, true)
	defer func() {
		s.loading.Set(groupID, false)
		if c, ok := s.reg.TakeCancel(groupID); ok {
			c()
		}
	}()

	userName := "User"
	if profile, err := s.store.GetUserProfile(ctx); err != nil {
		s.logger.Printf("load user profile failed group=%s: %v", groupID, err)
	} else if profile.Nickname != "" {
		userName = profile.Nickname
	}

	model := group.Config.OrchestratorModel
	if model == "" {
		model = s.cfg.DefaultModel
	}
	provider := group.Config.OrchestratorProvider
	if provider == "" {
		provider = s.cfg.DefaultProvider
	}

	decisions, err := s.decider.Decide(callCtx, DecisionContext{
		GroupID:      group.ID,
		TopicID:      group.ActiveTopicID,
		Agents:       group.Agents,
		Messages:     history,
		Model:        model,
		Provider:     provider,
		UserName:     userName,
		SystemPrompt: group.Config.SystemPrompt,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			s.logger.Printf("decision cancelled group=%s", groupID)
			return
		}
		s.logger.Printf("supervisor decision failed group=%s: %v", groupID, err)
		return
	}

	_ = s.store.LogDecision(ctx, domain.DecisionLog{
		GroupID: group.ID,
		TopicID: group.ActiveTopicID,
		Actor:   supervisorActor,
		Action:  "agents_selected",
		Reason:  "supervisor picked responders",
		Payload: mustJSON(decisions),
	})
	s.publish(inproc.Event{Kind: inproc.EventDecision, GroupID: group.ID, TopicID: group.ActiveTopicID})

	if len(decisions) == 0 {
		return
	}
	s.executeBatch(group, decisions)
}

// executeBatch fans one response task out per decision, waits for all of them
// to settle, and re-arms the trigger. A failed task never cancels a sibling.
func (s *Service) executeBatch(group domain.Group, decisions []domain.Decision) {
	var wg sync.WaitGroup
	for _, decision := range decisions {
		wg.Add(1)
		go func(d domain.Decision) {
			defer wg.Done()
			s.runAgentTask(group, d)
		}(decision)
	}
	wg.Wait()

	if !s.allowAutoRound(group.ID) {
		s.logger.Printf("auto-round limit reached group=%s limit=%d", group.ID, s.cfg.MaxAutoRounds)
		_ = s.store.LogDecision(s.ctx, domain.DecisionLog{
			GroupID: group.ID,
			TopicID: group.ActiveTopicID,
			Actor:   supervisorActor,
			Action:  "auto_round_limit",
			Reason:  "consecutive autonomous rounds exhausted",
			Payload: mustJSON(map[string]int{"limit": s.cfg.MaxAutoRounds}),
		})
		return
	}
	// Sole batch-level continuation of the autonomous conversation. A task's
	// own tool-call re-arm may have run already; Trigger superseding it is
	// safe because arming always cancels the predecessor.
	s.Trigger(group.ID)
}

func (s *Service) allowAutoRound(groupID string) bool {
	s.roundsMu.Lock()
	defer s.roundsMu.Unlock()
	if s.rounds[groupID] >= s.cfg.MaxAutoRounds {
		return false
	}
	s.rounds[groupID]++
	return true
}

func (s *Service) resetRounds(groupID string) {
	s.roundsMu.Lock()
	defer s.roundsMu.Unlock()
	delete(s.rounds, groupID)
}

func (s *Service) roundCount(groupID string) int {
	s.roundsMu.Lock()
	defer s.roundsMu.Unlock()
	return s.rounds[groupID]
}

func (s *Service) publish(event inproc.Event) {
	if s.bus != nil {
		s.bus.Publish(event)
	}
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
