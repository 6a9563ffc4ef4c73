package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"parley/internal/config"
	"parley/internal/domain"
	"parley/internal/llm"
	"parley/internal/messaging/inproc"
	"parley/internal/orchestrator"
	"parley/internal/policy"
	"parley/internal/prompt"
	"parley/internal/registry"
	sqlitestore "parley/internal/store/sqlite"
	"parley/internal/supervisor"
)

type app struct {
	cfg     config.Config
	svc     *orchestrator.Service
	store   *sqlitestore.Store
	bus     *inproc.Bus
	started time.Time
}

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.parley/config.toml)")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	addr := firstNonEmpty(*addrFlag, cfg.Coordinator.Addr, ":8094")
	dbPath := firstNonEmpty(*dbPathFlag, cfg.Coordinator.DBPath, "data/parley.db")
	dbPath = filepath.Clean(dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		log.Fatalf("create db directory: %v", err)
	}

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate sqlite: %v", err)
	}

	if cfg.UserNickname != "" {
		if err := store.SetUserProfile(ctx, domain.UserProfile{Nickname: cfg.UserNickname}); err != nil {
			log.Printf("store user nickname: %v", err)
		}
	}

	bus := inproc.New(256)

	providers := make(map[string]llm.Provider, len(cfg.ModelProviders))
	for key, p := range cfg.ModelProviders {
		providers[key] = llm.Provider{BaseURL: p.BaseURL, AuthToken: p.AuthToken}
	}
	client, err := llm.NewClient(store, llm.NewToolRegistry(), llm.ClientConfig{
		Providers: providers,
		Timeout:   durationMS(cfg.Coordinator.LLMTimeoutMS, 2*time.Minute),
		Retries:   cfg.Coordinator.LLMRetries,
		Logger:    log.Default(),
	})
	if err != nil {
		log.Fatalf("create llm client: %v", err)
	}

	decider := supervisor.NewDecider(client, log.Default())
	svc := orchestrator.New(
		store,
		decider,
		client,
		client,
		prompt.NewBuilder(),
		policy.NewVisibility(),
		bus,
		registry.New(),
		orchestrator.Config{
			DefaultModel:    cfg.OrchestratorModel,
			DefaultProvider: cfg.OrchestratorProvider,
			MaxAutoRounds:   cfg.Coordinator.MaxAutoRounds,
		},
		log.Default(),
	)
	svc.Start(ctx)

	a := &app{
		cfg:     cfg,
		svc:     svc,
		store:   store,
		bus:     bus,
		started: time.Now().UTC(),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/config", a.handleConfig)
	mux.HandleFunc("/groups", a.handleGroups)
	mux.HandleFunc("/groups/", a.handleGroupByID)
	mux.HandleFunc("/events", a.handleEvents)

	server := &http.Server{
		Addr:              addr,
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf(
		"parley coordinator started addr=%s db=%s model=%s provider=%s",
		addr,
		dbPath,
		cfg.OrchestratorModel,
		cfg.OrchestratorProvider,
	)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server failed: %v", err)
	}
	svc.Shutdown()
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(a.started).Round(time.Second).String(),
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *app) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"path": a.cfg.Path,
		"raw":  a.cfg.Raw,
	})
}

func (a *app) handleGroups(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		groups, err := a.svc.ListGroups(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, groups)
	case http.MethodPost:
		var req struct {
			Name   string             `json:"name"`
			Agents []domain.Agent     `json:"agents"`
			Config domain.GroupConfig `json:"config"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("name is required"))
			return
		}
		if len(req.Agents) == 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("at least one agent is required"))
			return
		}
		group, err := a.svc.CreateGroup(r.Context(), orchestrator.CreateGroupInput{
			Name:   req.Name,
			Agents: req.Agents,
			Config: req.Config,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusCreated, group)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleGroupByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/groups/")
	parts := strings.Split(rest, "/")
	groupID := parts[0]
	if groupID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("group id is required"))
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		group, err := a.svc.GetGroup(r.Context(), groupID)
		if err != nil {
			if errors.Is(err, sqlitestore.ErrNotFound) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, group)
		return
	}

	action := parts[1]
	switch action {
	case "messages":
		a.handleGroupMessages(w, r, groupID)
	case "cancel":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		a.svc.Cancel(groupID)
		writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
	case "topics":
		a.handleGroupTopics(w, r, groupID)
	case "decisions":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		limit := queryInt(r, "limit", 200)
		items, err := a.svc.ListDecisions(r.Context(), groupID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case "state":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, a.svc.State(groupID))
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", action))
	}
}

func (a *app) handleGroupMessages(w http.ResponseWriter, r *http.Request, groupID string) {
	switch r.Method {
	case http.MethodGet:
		group, err := a.svc.GetGroup(r.Context(), groupID)
		if err != nil {
			if errors.Is(err, sqlitestore.ErrNotFound) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		topicID := firstNonEmpty(r.URL.Query().Get("topic"), group.ActiveTopicID)
		items, err := a.svc.ListMessages(r.Context(), groupID, topicID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case http.MethodPost:
		var req struct {
			Content  string `json:"content"`
			TargetID string `json:"target_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		if strings.TrimSpace(req.Content) == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("content is required"))
			return
		}
		msg, err := a.svc.SendMessage(r.Context(), groupID, req.Content, req.TargetID)
		if err != nil {
			if errors.Is(err, sqlitestore.ErrNotFound) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleGroupTopics(w http.ResponseWriter, r *http.Request, groupID string) {
	switch r.Method {
	case http.MethodGet:
		items, err := a.store.ListTopics(r.Context(), groupID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case http.MethodPost:
		var req struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		topic, err := a.svc.SwitchTopic(r.Context(), groupID, req.Name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusCreated, topic)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleEvents streams coordinator events as server-sent events until the
// client disconnects.
func (a *app) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	subID := uuid.NewString()
	events := a.bus.Subscribe(subID)
	defer a.bus.Unsubscribe(subID)

	groupFilter := r.URL.Query().Get("group")
	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if groupFilter != "" && event.GroupID != groupFilter {
				continue
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, payload)
			flusher.Flush()
		}
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func durationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
