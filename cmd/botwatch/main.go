package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/go-resty/resty/v2"

	"github.com/willway/botkeeper/internal/supervisor"
	"github.com/willway/botkeeper/internal/worker"
)

var (
	// 样式定义
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	upStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("2")) // 绿色

	downStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1")) // 红色

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("3"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("238"))
)

// api 管理接口客户端
type api struct {
	http *resty.Client
}

func newAPI(base string) *api {
	return &api{http: resty.New().
		SetBaseURL(strings.TrimSuffix(base, "/")).
		SetTimeout(3 * time.Second)}
}

func (a *api) bots() ([]supervisor.BotStatus, error) {
	var out struct {
		Bots []supervisor.BotStatus `json:"bots"`
	}
	resp, err := a.http.R().SetResult(&out).Get("/api/bots")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("GET /api/bots: %s", resp.Status())
	}
	return out.Bots, nil
}

func (a *api) action(bot, action string) error {
	resp, err := a.http.R().Post("/api/bots/" + bot + "/" + action)
	if err != nil {
		return err
	}
	if resp.StatusCode() != 202 {
		return fmt.Errorf("%s %s: %s", action, bot, strings.TrimSpace(resp.String()))
	}
	return nil
}

// model 是应用程序的状态
type model struct {
	api      *api
	interval time.Duration

	bots     []supervisor.BotStatus
	selected int
	updated  time.Time
	err      error
	notice   string
}

// tickMsg 定时器消息
type tickMsg time.Time

// statusMsg 状态刷新结果
type statusMsg struct {
	bots []supervisor.BotStatus
	err  error
}

// noticeMsg 操作结果提示
type noticeMsg string

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchCmd(a *api) tea.Cmd {
	return func() tea.Msg {
		bots, err := a.bots()
		return statusMsg{bots: bots, err: err}
	}
}

func actionCmd(a *api, bot, action string) tea.Cmd {
	return func() tea.Msg {
		if err := a.action(bot, action); err != nil {
			return noticeMsg("✗ " + err.Error())
		}
		return noticeMsg(fmt.Sprintf("✓ %s queued for %s", action, bot))
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(fetchCmd(m.api), tickCmd(m.interval))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "up", "k":
			if m.selected > 0 {
				m.selected--
			}
		case "down", "j":
			if m.selected < len(m.bots)-1 {
				m.selected++
			}
		case "r":
			if bot, ok := m.current(); ok {
				return m, actionCmd(m.api, bot, "restart")
			}
		case "c":
			if bot, ok := m.current(); ok {
				return m, actionCmd(m.api, bot, "reconcile")
			}
		}

	case tickMsg:
		return m, tea.Batch(fetchCmd(m.api), tickCmd(m.interval))

	case statusMsg:
		m.err = msg.err
		if msg.err == nil {
			m.bots = msg.bots
			m.updated = time.Now()
			if m.selected >= len(m.bots) {
				m.selected = max(0, len(m.bots)-1)
			}
		}

	case noticeMsg:
		m.notice = string(msg)
	}
	return m, nil
}

func (m model) current() (string, bool) {
	if m.selected < 0 || m.selected >= len(m.bots) {
		return "", false
	}
	return m.bots[m.selected].Name, true
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("botkeeper") + "  ")
	if m.updated.IsZero() {
		b.WriteString(dimStyle.Render("connecting..."))
	} else {
		b.WriteString(dimStyle.Render("updated " + m.updated.Format("15:04:05")))
	}
	b.WriteString("\n\n")

	if m.err != nil {
		b.WriteString(downStyle.Render("✗ "+m.err.Error()) + "\n\n")
	}

	b.WriteString(borderStyle.Render(renderTable(m.bots, m.selected, time.Now())))
	b.WriteString("\n")
	if m.notice != "" {
		b.WriteString(m.notice + "\n")
	}
	b.WriteString(dimStyle.Render("↑/↓ select · r restart · c reconcile now · q quit"))
	return b.String()
}

// renderTable 渲染 bot 状态表
func renderTable(bots []supervisor.BotStatus, selected int, now time.Time) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("%-12s %-9s %-8s %-9s %-8s %-10s %s",
		"BOT", "WORKER", "PID", "UPTIME", "RESTARTS", "RECONCILE", "DISPLAY NAME")))
	if len(bots) == 0 {
		b.WriteString("\n" + dimStyle.Render("no bots"))
		return b.String()
	}
	for i, st := range bots {
		pid := "-"
		if st.Worker.PID > 0 {
			pid = fmt.Sprintf("%d", st.Worker.PID)
		}
		uptime := "-"
		if st.Worker.State == worker.StateRunning && st.Worker.StartedAt != nil {
			uptime = now.Sub(*st.Worker.StartedAt).Truncate(time.Second).String()
		}
		line := fmt.Sprintf("%-12s %-9s %-8s %-9s %-8d %-10s %s",
			truncate(st.Name, 12), string(st.Worker.State), pid, uptime, st.Restarts,
			orDash(st.LastOutcome), st.DisplayName)
		if i == selected {
			line = selectedStyle.Render(line)
		} else {
			line = stateStyle(st).Render(line)
		}
		b.WriteString("\n" + line)
		if st.LastError != "" && i == selected {
			b.WriteString("\n" + warnStyle.Render("  last error: "+st.LastError))
		}
	}
	return b.String()
}

func stateStyle(st supervisor.BotStatus) lipgloss.Style {
	switch {
	case st.Worker.State == worker.StateRunning && st.LastOutcome == "diverged":
		return warnStyle
	case st.Worker.State == worker.StateRunning:
		return upStyle
	default:
		return downStyle
	}
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func main() {
	getenv := func(key, def string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return def
	}

	var (
		addr     = flag.String("addr", getenv("BOTKEEPER_API", "http://127.0.0.1:8080"), "botkeeper admin API base URL")
		interval = flag.Duration("interval", 2*time.Second, "refresh interval")
	)
	flag.Parse()

	m := model{api: newAPI(*addr), interval: *interval}
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
