package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"parley/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
}

type groupState struct {
	Loading        bool `json:"loading"`
	Sending        bool `json:"sending"`
	PendingTrigger bool `json:"pending_trigger"`
	AutoRounds     int  `json:"auto_rounds"`
}

func main() {
	addr := flag.String("addr", "http://localhost:8094", "coordinator base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	flag.Parse()

	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "coordinator health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	groupsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	groupsTable.SetTitle("Groups (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	messagesView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true)
	messagesView.SetTitle("Messages").SetBorder(true)

	decisionsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	decisionsView.SetTitle("Decisions").SetBorder(true)

	stateView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	stateView.SetTitle("Scheduler State").SetBorder(true)

	promptInput := tview.NewInputField().
		SetLabel("Message -> Group: ")
	promptInput.SetBorder(true).SetTitle("Enter = send to selected group")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | shortcuts: F10 quit, F5 refresh, Ctrl+L focus input, Ctrl+G focus groups, Ctrl+X cancel group",
		c.baseURL,
	))

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(messagesView, 0, 3, false).
		AddItem(stateView, 6, 0, false).
		AddItem(decisionsView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(groupsTable, 0, 1, false).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(promptInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var selectedGroupID string
	var lastGroups []domain.Group
	var detailsVersion uint64

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refreshGroups := func() {
		groups, err := c.listGroups()
		if err != nil {
			app.QueueUpdateDraw(func() {
				groupsTable.Clear()
				groupsTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		sort.Slice(groups, func(i, j int) bool {
			return groups[i].UpdatedAt.After(groups[j].UpdatedAt)
		})
		lastGroups = groups
		app.QueueUpdateDraw(func() {
			renderGroupsTable(groupsTable, groups, selectedGroupID)
		})
	}

	refreshDetailsAsync := func(groupID string) {
		if strings.TrimSpace(groupID) == "" {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)
		app.QueueUpdateDraw(func() {
			messagesView.SetText("Loading...")
			stateView.SetText("Loading...")
			decisionsView.SetText("Loading...")
		})

		go func(selected string, v uint64) {
			type msgResult struct {
				items []domain.Message
				err   error
			}
			type decisionResult struct {
				items []domain.DecisionLog
				err   error
			}
			type stateResult struct {
				state groupState
				err   error
			}

			msgCh := make(chan msgResult, 1)
			decisionCh := make(chan decisionResult, 1)
			stateCh := make(chan stateResult, 1)

			go func() {
				items, err := c.listGroupMessages(selected)
				msgCh <- msgResult{items: items, err: err}
			}()
			go func() {
				items, err := c.listGroupDecisions(selected, 200)
				decisionCh <- decisionResult{items: items, err: err}
			}()
			go func() {
				state, err := c.groupState(selected)
				stateCh <- stateResult{state: state, err: err}
			}()

			msgRes := <-msgCh
			decisionRes := <-decisionCh
			stateRes := <-stateCh

			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if selected != selectedGroupID {
					return
				}
				roster := rosterFor(lastGroups, selected)
				if msgRes.err != nil {
					messagesView.SetText(fmt.Sprintf("error: %v", msgRes.err))
				} else {
					messagesView.SetText(renderMessages(msgRes.items, roster))
					messagesView.ScrollToEnd()
				}
				if decisionRes.err != nil {
					decisionsView.SetText(fmt.Sprintf("error: %v", decisionRes.err))
				} else {
					decisionsView.SetText(renderDecisions(decisionRes.items))
				}
				if stateRes.err != nil {
					stateView.SetText(fmt.Sprintf("error: %v", stateRes.err))
				} else {
					stateView.SetText(renderState(selected, stateRes.state))
				}
			})
		}(groupID, version)
	}

	submitMessage := func(content string) {
		content = strings.TrimSpace(content)
		if content == "" {
			return
		}
		if selectedGroupID == "" {
			setStatusUI("No group selected")
			return
		}
		setStatusUI("Sending message...")
		promptInput.SetText("")
		go func(groupID, input string) {
			if err := c.sendMessage(groupID, input); err != nil {
				setStatusAsync("Send failed: " + err.Error())
				return
			}
			refreshGroups()
			refreshDetailsAsync(groupID)
			setStatusAsync("Message sent to " + shortID(groupID))
		}(selectedGroupID, content)
	}

	promptInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitMessage(promptInput.GetText())
	})

	groupsTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastGroups) {
			return
		}
		selectedGroupID = lastGroups[row-1].ID
		refreshDetailsAsync(selectedGroupID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if app.GetFocus() == promptInput {
			if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyTAB {
				app.SetFocus(groupsTable)
				setStatusUI("Focus -> groups")
				return nil
			}
			return event
		}

		if event.Key() == tcell.KeyEscape {
			app.SetFocus(groupsTable)
			setStatusUI("Focus -> groups")
			return nil
		}
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			refreshGroups()
			refreshDetailsAsync(selectedGroupID)
			setStatusUI("Manual refresh complete")
			return nil
		case tcell.KeyCtrlL:
			app.SetFocus(promptInput)
			setStatusUI("Focus -> input")
			return nil
		case tcell.KeyCtrlG:
			app.SetFocus(groupsTable)
			setStatusUI("Focus -> groups")
			return nil
		case tcell.KeyCtrlX:
			if selectedGroupID != "" {
				go func(groupID string) {
					if err := c.cancelGroup(groupID); err != nil {
						setStatusAsync("Cancel failed: " + err.Error())
						return
					}
					refreshDetailsAsync(groupID)
					setStatusAsync("Cancelled group " + shortID(groupID))
				}(selectedGroupID)
			}
			return nil
		}
		if event.Key() == tcell.KeyTAB {
			app.SetFocus(promptInput)
			return nil
		}
		if event.Key() == tcell.KeyRune {
			app.SetFocus(promptInput)
			return event
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshGroups()
		if len(lastGroups) > 0 {
			selectedGroupID = lastGroups[0].ID
			refreshDetailsAsync(selectedGroupID)
		}

		for range ticker.C {
			refreshGroups()
			if selectedGroupID == "" && len(lastGroups) > 0 {
				selectedGroupID = lastGroups[0].ID
			}
			refreshDetailsAsync(selectedGroupID)
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(promptInput).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/healthz", nil)
		if err == nil {
			resp, err := c.http.Do(req)
			if err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode < 300 {
					return nil
				}
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func renderGroupsTable(table *tview.Table, groups []domain.Group, selectedGroupID string) {
	table.Clear()
	headers := []string{"Group", "Name", "Agents", "Speed", "Updated"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, g := range groups {
		row := i + 1
		speed := string(g.Config.ResponseSpeed)
		if speed == "" {
			speed = "default"
		}
		table.SetCell(row, 0, tview.NewTableCell(shortID(g.ID)))
		table.SetCell(row, 1, tview.NewTableCell(trimLine(g.Name, 24)))
		table.SetCell(row, 2, tview.NewTableCell(fmt.Sprintf("%d", len(g.Agents))))
		table.SetCell(row, 3, tview.NewTableCell(speed))
		table.SetCell(row, 4, tview.NewTableCell(g.UpdatedAt.Format("15:04:05")))
		if g.ID == selectedGroupID {
			table.Select(row, 0)
		}
	}
}

func renderMessages(items []domain.Message, roster []domain.Agent) string {
	if len(items) == 0 {
		return "No messages"
	}
	var b strings.Builder
	for _, m := range items {
		name := m.DisplayName(roster, "User")
		scope := ""
		if m.IsDirect() {
			scope = " (direct)"
		}
		content := m.Content
		if content == domain.LoadingSentinel {
			content = "..."
		}
		b.WriteString(fmt.Sprintf(
			"[%s] %s%s status=%s\n  %s\n",
			m.CreatedAt.Format("15:04:05"),
			name,
			scope,
			m.Status,
			trimLine(content, 200),
		))
	}
	return b.String()
}

func renderDecisions(items []domain.DecisionLog) string {
	if len(items) == 0 {
		return "No decisions"
	}
	var b strings.Builder
	for _, d := range items {
		b.WriteString(fmt.Sprintf(
			"[%s] %s %s\n  reason: %s\n",
			d.CreatedAt.Format("15:04:05"),
			d.Actor,
			d.Action,
			trimLine(d.Reason, 100),
		))
		if detail := strings.TrimSpace(string(d.Payload)); detail != "" && detail != "{}" {
			b.WriteString("  payload: " + trimLine(detail, 160) + "\n")
		}
	}
	return b.String()
}

func renderState(groupID string, state groupState) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Group: %s\n", shortID(groupID)))
	b.WriteString(fmt.Sprintf("loading=%t sending=%t\n", state.Loading, state.Sending))
	b.WriteString(fmt.Sprintf("pending_trigger=%t auto_rounds=%d\n", state.PendingTrigger, state.AutoRounds))
	return b.String()
}

func rosterFor(groups []domain.Group, groupID string) []domain.Agent {
	for _, g := range groups {
		if g.ID == groupID {
			return g.Agents
		}
	}
	return nil
}

func (c *client) listGroups() ([]domain.Group, error) {
	var out []domain.Group
	if err := c.getJSON("/groups", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listGroupMessages(groupID string) ([]domain.Message, error) {
	var out []domain.Message
	if err := c.getJSON(fmt.Sprintf("/groups/%s/messages", groupID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listGroupDecisions(groupID string, limit int) ([]domain.DecisionLog, error) {
	var out []domain.DecisionLog
	if err := c.getJSON(fmt.Sprintf("/groups/%s/decisions?limit=%d", groupID, limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) groupState(groupID string) (groupState, error) {
	var out groupState
	if err := c.getJSON(fmt.Sprintf("/groups/%s/state", groupID), &out); err != nil {
		return groupState{}, err
	}
	return out, nil
}

func (c *client) sendMessage(groupID, content string) error {
	return c.postJSON(fmt.Sprintf("/groups/%s/messages", groupID), map[string]any{
		"content": content,
	}, nil)
}

func (c *client) cancelGroup(groupID string) error {
	return c.postJSON(fmt.Sprintf("/groups/%s/cancel", groupID), map[string]any{}, nil)
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return err
	}
	return nil
}

func (c *client) postJSON(path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return err
	}
	return nil
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
