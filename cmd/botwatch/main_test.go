package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willway/botkeeper/internal/supervisor"
	"github.com/willway/botkeeper/internal/worker"
)

func fakeAdmin(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var actions []string
	started := time.Now().Add(-90 * time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "GET" && r.URL.Path == "/api/bots":
			_ = json.NewEncoder(w).Encode(map[string]any{"bots": []supervisor.BotStatus{
				{Name: "main", DisplayName: "Willway", Restarts: 2, LastOutcome: "in_sync",
					Worker: worker.Info{State: worker.StateRunning, PID: 4242, StartedAt: &started}},
				{Name: "blogger", Worker: worker.Info{State: worker.StateStopped}, LastError: "invalid bot config"},
			}})
		case r.Method == "POST" && strings.HasPrefix(r.URL.Path, "/api/bots/main/"):
			actions = append(actions, r.URL.Path)
			w.WriteHeader(http.StatusAccepted)
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"bot not found"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &actions
}

// TestAPIBots 测试状态拉取与操作请求
func TestAPIBots(t *testing.T) {
	srv, actions := fakeAdmin(t)
	a := newAPI(srv.URL)

	bots, err := a.bots()
	require.NoError(t, err)
	require.Len(t, bots, 2)
	assert.Equal(t, 4242, bots[0].Worker.PID)

	require.NoError(t, a.action("main", "restart"))
	assert.Equal(t, []string{"/api/bots/main/restart"}, *actions)
	assert.Error(t, a.action("ghost", "restart"))
}

// TestModelUpdate 测试状态消息与按键处理
func TestModelUpdate(t *testing.T) {
	srv, _ := fakeAdmin(t)
	m := model{api: newAPI(srv.URL), interval: time.Second}

	msg := fetchCmd(m.api)()
	next, _ := m.Update(msg)
	m = next.(model)
	require.Len(t, m.bots, 2)
	assert.False(t, m.updated.IsZero())

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m = next.(model)
	assert.Equal(t, 1, m.selected)
	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m = next.(model)
	assert.Equal(t, 1, m.selected)

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	m = next.(model)
	require.NotNil(t, cmd)
	next, _ = m.Update(cmd())
	m = next.(model)
	assert.Contains(t, m.notice, "✗")

	view := m.View()
	assert.Contains(t, view, "main")
	assert.Contains(t, view, "Willway")
	assert.Contains(t, view, "invalid bot config")
}

// TestRenderTable 测试表格渲染
func TestRenderTable(t *testing.T) {
	now := time.Now()
	started := now.Add(-90 * time.Second)
	out := renderTable([]supervisor.BotStatus{
		{Name: "a-very-long-bot-name", Worker: worker.Info{State: worker.StateRunning, PID: 7, StartedAt: &started}},
	}, -1, now)
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "a-very-long…")

	assert.Contains(t, renderTable(nil, 0, now), "no bots")
}
