package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"parley/internal/domain"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS groups (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	active_topic_id TEXT NOT NULL DEFAULT '',
	response_speed TEXT NOT NULL DEFAULT '',
	orchestrator_model TEXT NOT NULL DEFAULT '',
	orchestrator_provider TEXT NOT NULL DEFAULT '',
	system_prompt TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS group_agents (
	id TEXT NOT NULL,
	group_id TEXT NOT NULL,
	title TEXT NOT NULL,
	provider TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	system_role TEXT NOT NULL DEFAULT '',
	PRIMARY KEY(group_id, id),
	FOREIGN KEY(group_id) REFERENCES groups(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS topics (
	id TEXT PRIMARY KEY,
	group_id TEXT NOT NULL,
	name TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(group_id) REFERENCES groups(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_topics_group ON topics(group_id, created_at);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	group_id TEXT NOT NULL,
	topic_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	agent_id TEXT NOT NULL DEFAULT '',
	target_id TEXT NOT NULL DEFAULT '',
	tool_calls TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL,
	error_kind TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	FOREIGN KEY(group_id) REFERENCES groups(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_messages_scope ON messages(group_id, topic_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_placeholder ON messages(group_id, topic_id, agent_id, status);

CREATE TABLE IF NOT EXISTS user_profile (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	nickname TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS decision_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	group_id TEXT NOT NULL,
	topic_id TEXT NOT NULL DEFAULT '',
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_log_group ON decision_log(group_id, created_at);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) CreateGroup(ctx context.Context, group domain.Group) error {
	now := time.Now().UTC()
	if group.CreatedAt.IsZero() {
		group.CreatedAt = now
	}
	if group.UpdatedAt.IsZero() {
		group.UpdatedAt = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx create group: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO groups(
			id, name, active_topic_id, response_speed, orchestrator_model,
			orchestrator_provider, system_prompt, created_at, updated_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		group.ID, group.Name, group.ActiveTopicID, string(group.Config.ResponseSpeed),
		group.Config.OrchestratorModel, group.Config.OrchestratorProvider,
		group.Config.SystemPrompt, group.CreatedAt.Unix(), group.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create group: %w", err)
	}
	for _, agent := range group.Agents {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO group_agents(id, group_id, title, provider, model, system_role)
			VALUES(?, ?, ?, ?, ?, ?)`,
			agent.ID, group.ID, agent.Title, agent.Provider, agent.Model, agent.SystemRole,
		); err != nil {
			return fmt.Errorf("create group agent %s: %w", agent.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create group: %w", err)
	}
	return nil
}

func (s *Store) GetGroup(ctx context.Context, groupID string) (domain.Group, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, name, active_topic_id, response_speed, orchestrator_model,
			orchestrator_provider, system_prompt, created_at, updated_at
		FROM groups WHERE id = ?`,
		groupID,
	)
	var g domain.Group
	var speed string
	var created, updated int64
	if err := row.Scan(
		&g.ID, &g.Name, &g.ActiveTopicID, &speed, &g.Config.OrchestratorModel,
		&g.Config.OrchestratorProvider, &g.Config.SystemPrompt, &created, &updated,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Group{}, fmt.Errorf("get group %s: %w", groupID, ErrNotFound)
		}
		return domain.Group{}, fmt.Errorf("get group: %w", err)
	}
	g.Config.ResponseSpeed = domain.ResponseSpeed(speed)
	g.CreatedAt = unixToTime(created)
	g.UpdatedAt = unixToTime(updated)

	agents, err := s.listGroupAgents(ctx, groupID)
	if err != nil {
		return domain.Group{}, err
	}
	g.Agents = agents
	return g, nil
}

func (s *Store) listGroupAgents(ctx context.Context, groupID string) ([]domain.Agent, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, group_id, title, provider, model, system_role
		FROM group_agents WHERE group_id = ? ORDER BY rowid ASC`,
		groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("list group agents: %w", err)
	}
	defer rows.Close()

	agents := make([]domain.Agent, 0)
	for rows.Next() {
		var a domain.Agent
		if err := rows.Scan(&a.ID, &a.GroupID, &a.Title, &a.Provider, &a.Model, &a.SystemRole); err != nil {
			return nil, fmt.Errorf("scan group agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group agents: %w", err)
	}
	return agents, nil
}

func (s *Store) ListGroups(ctx context.Context) ([]domain.Group, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, name, active_topic_id, response_speed, orchestrator_model,
			orchestrator_provider, system_prompt, created_at, updated_at
		FROM groups ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	groups := make([]domain.Group, 0)
	for rows.Next() {
		var g domain.Group
		var speed string
		var created, updated int64
		if err := rows.Scan(
			&g.ID, &g.Name, &g.ActiveTopicID, &speed, &g.Config.OrchestratorModel,
			&g.Config.OrchestratorProvider, &g.Config.SystemPrompt, &created, &updated,
		); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		g.Config.ResponseSpeed = domain.ResponseSpeed(speed)
		g.CreatedAt = unixToTime(created)
		g.UpdatedAt = unixToTime(updated)
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups: %w", err)
	}
	for i := range groups {
		agents, err := s.listGroupAgents(ctx, groups[i].ID)
		if err != nil {
			return nil, err
		}
		groups[i].Agents = agents
	}
	return groups, nil
}

func (s *Store) CreateTopic(ctx context.Context, topic domain.Topic) error {
	if topic.CreatedAt.IsZero() {
		topic.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO topics(id, group_id, name, created_at) VALUES(?, ?, ?, ?)`,
		topic.ID, topic.GroupID, topic.Name, topic.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create topic: %w", err)
	}
	return nil
}

func (s *Store) SetActiveTopic(ctx context.Context, groupID, topicID string) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE groups SET active_topic_id = ?, updated_at = ? WHERE id = ?`,
		topicID, time.Now().UTC().Unix(), groupID,
	)
	if err != nil {
		return fmt.Errorf("set active topic: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set active topic rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("set active topic for group %s: %w", groupID, ErrNotFound)
	}
	return nil
}

func (s *Store) ListTopics(ctx context.Context, groupID string) ([]domain.Topic, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, group_id, name, created_at FROM topics WHERE group_id = ? ORDER BY created_at ASC`,
		groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	defer rows.Close()

	topics := make([]domain.Topic, 0)
	for rows.Next() {
		var t domain.Topic
		var created int64
		if err := rows.Scan(&t.ID, &t.GroupID, &t.Name, &created); err != nil {
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		t.CreatedAt = unixToTime(created)
		topics = append(topics, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate topics: %w", err)
	}
	return topics, nil
}

func (s *Store) CreateMessage(ctx context.Context, msg domain.Message) (string, error) {
	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}
	if msg.Status == "" {
		msg.Status = domain.MessageStatusSuccess
	}
	toolCalls, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return "", fmt.Errorf("marshal tool calls: %w", err)
	}
	if msg.ToolCalls == nil {
		toolCalls = []byte("[]")
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO messages(
			id, group_id, topic_id, role, content, agent_id, target_id,
			tool_calls, status, error_kind, created_at, updated_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.GroupID, msg.TopicID, string(msg.Role), msg.Content, msg.AgentID,
		msg.TargetID, string(toolCalls), string(msg.Status), string(msg.ErrorKind),
		msg.CreatedAt.UnixMilli(), msg.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("create message: %w", err)
	}
	return msg.ID, nil
}

func (s *Store) UpdateMessage(ctx context.Context, messageID string, patch domain.MessagePatch) error {
	msg, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if patch.Content != nil {
		msg.Content = *patch.Content
	}
	if patch.Status != nil {
		msg.Status = *patch.Status
	}
	if patch.ErrorKind != nil {
		msg.ErrorKind = *patch.ErrorKind
	}
	if patch.ToolCalls != nil {
		msg.ToolCalls = patch.ToolCalls
	}
	toolCalls, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("marshal tool calls: %w", err)
	}
	if msg.ToolCalls == nil {
		toolCalls = []byte("[]")
	}

	_, err = s.db.ExecContext(
		ctx,
		`UPDATE messages SET content = ?, status = ?, error_kind = ?, tool_calls = ?, updated_at = ?
		WHERE id = ?`,
		msg.Content, string(msg.Status), string(msg.ErrorKind), string(toolCalls),
		time.Now().UTC().UnixMilli(), messageID,
	)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (domain.Message, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, group_id, topic_id, role, content, agent_id, target_id,
			tool_calls, status, error_kind, created_at, updated_at
		FROM messages WHERE id = ?`,
		messageID,
	)
	msg, err := scanMessage(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Message{}, fmt.Errorf("get message %s: %w", messageID, ErrNotFound)
		}
		return domain.Message{}, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

func (s *Store) ListMessages(ctx context.Context, groupID, topicID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, group_id, topic_id, role, content, agent_id, target_id,
			tool_calls, status, error_kind, created_at, updated_at
		FROM messages
		WHERE group_id = ? AND topic_id = ?
		ORDER BY created_at ASC, rowid ASC`,
		groupID, topicID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]domain.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// FindPendingPlaceholder returns the most recent placeholder message still
// holding the loading sentinel for the given agent, used by the failure path
// to surface an error in place.
func (s *Store) FindPendingPlaceholder(ctx context.Context, groupID, topicID, agentID, sentinel string) (domain.Message, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, group_id, topic_id, role, content, agent_id, target_id,
			tool_calls, status, error_kind, created_at, updated_at
		FROM messages
		WHERE group_id = ? AND topic_id = ? AND agent_id = ? AND status = ? AND content = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1`,
		groupID, topicID, agentID, string(domain.MessageStatusPending), sentinel,
	)
	msg, err := scanMessage(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Message{}, ErrNotFound
		}
		return domain.Message{}, fmt.Errorf("find pending placeholder: %w", err)
	}
	return msg, nil
}

func (s *Store) SetUserProfile(ctx context.Context, profile domain.UserProfile) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO user_profile(id, nickname) VALUES(1, ?)
		ON CONFLICT(id) DO UPDATE SET nickname = excluded.nickname`,
		profile.Nickname,
	)
	if err != nil {
		return fmt.Errorf("set user profile: %w", err)
	}
	return nil
}

func (s *Store) GetUserProfile(ctx context.Context) (domain.UserProfile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT nickname FROM user_profile WHERE id = 1`)
	var p domain.UserProfile
	if err := row.Scan(&p.Nickname); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.UserProfile{}, nil
		}
		return domain.UserProfile{}, fmt.Errorf("get user profile: %w", err)
	}
	return p, nil
}

func (s *Store) LogDecision(ctx context.Context, entry domain.DecisionLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	payload := entry.Payload
	if payload == nil {
		payload = []byte("{}")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO decision_log(group_id, topic_id, actor, action, reason, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		entry.GroupID, entry.TopicID, entry.Actor, entry.Action, entry.Reason,
		string(payload), entry.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

func (s *Store) ListDecisions(ctx context.Context, groupID string, limit int) ([]domain.DecisionLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, group_id, topic_id, actor, action, reason, payload, created_at
		FROM decision_log WHERE group_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`,
		groupID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.DecisionLog, 0)
	for rows.Next() {
		var e domain.DecisionLog
		var payload string
		var created int64
		if err := rows.Scan(&e.ID, &e.GroupID, &e.TopicID, &e.Actor, &e.Action, &e.Reason, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		e.CreatedAt = unixToTime(created)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return entries, nil
}

func scanMessage(scan func(dest ...any) error) (domain.Message, error) {
	var m domain.Message
	var role, status, errorKind, toolCalls string
	var created, updated int64
	if err := scan(
		&m.ID, &m.GroupID, &m.TopicID, &role, &m.Content, &m.AgentID, &m.TargetID,
		&toolCalls, &status, &errorKind, &created, &updated,
	); err != nil {
		return domain.Message{}, err
	}
	m.Role = domain.MessageRole(role)
	m.Status = domain.MessageStatus(status)
	m.ErrorKind = domain.ErrorKind(errorKind)
	m.CreatedAt = time.UnixMilli(created).UTC()
	m.UpdatedAt = time.UnixMilli(updated).UTC()
	if toolCalls != "" && toolCalls != "[]" {
		if err := json.Unmarshal([]byte(toolCalls), &m.ToolCalls); err != nil {
			return domain.Message{}, fmt.Errorf("unmarshal tool calls: %w", err)
		}
	}
	return m, nil
}

func unixToTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
