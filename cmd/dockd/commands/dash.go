package commands

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/tmhk/dock/pkg/config"
	"github.com/tmhk/dock/pkg/store"
)

// dashRefresh is the poll interval for the live dashboard.
const dashRefresh = 2 * time.Second

var (
	dashTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("57")).
			Padding(0, 1)

	dashOKStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	dashWarnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dashBadStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dashDimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	dashHeaderStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

func newDashCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dash",
		Short: "Live terminal dashboard",
		Long: `Poll the running daemon and the registry, showing daemon health, the
handshake state, tracked plugins, and the recent event journal.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			registry, err := store.Open(cmd.Context(), cfg.DBPath)
			if err != nil {
				return fmt.Errorf("failed to open registry: %w", err)
			}
			defer func() { _ = registry.Close() }()

			model := newDashModel(cmd.Context(), cfg, registry)
			_, err = tea.NewProgram(model, tea.WithContext(cmd.Context())).Run()
			return err
		},
	}
}

// dashTickMsg schedules the next refresh.
type dashTickMsg time.Time

// dashDataMsg carries one refresh's worth of state.
type dashDataMsg struct {
	daemonVersion string
	daemonUp      bool
	authState     string
	plugins       []*store.PluginRecord
	events        []*store.Event
	err           error
}

type dashModel struct {
	ctx      context.Context
	cfg      *config.Config
	registry *store.SQLiteStore
	client   *http.Client

	data      dashDataMsg
	refreshed time.Time
	width     int
}

func newDashModel(ctx context.Context, cfg *config.Config, registry *store.SQLiteStore) *dashModel {
	return &dashModel{
		ctx:      ctx,
		cfg:      cfg,
		registry: registry,
		client:   newClient(),
		width:    100,
	}
}

func (m *dashModel) Init() tea.Cmd {
	return tea.Batch(m.refresh, dashTick())
}

func dashTick() tea.Cmd {
	return tea.Tick(dashRefresh, func(t time.Time) tea.Msg {
		return dashTickMsg(t)
	})
}

// refresh gathers daemon and registry state for one frame.
func (m *dashModel) refresh() tea.Msg {
	ctx, cancel := context.WithTimeout(m.ctx, httpTimeout)
	defer cancel()

	var data dashDataMsg
	if v, err := fetchVersion(ctx, m.client, m.cfg); err == nil {
		data.daemonUp = true
		data.daemonVersion = v.Version
		data.authState, _ = fetchAuthState(ctx, m.client, m.cfg, "")
	}

	plugins, err := m.registry.ListPlugins(ctx)
	if err != nil {
		data.err = err
		return data
	}
	data.plugins = plugins

	events, err := m.registry.ListEvents(ctx, nil, nil, 10, 0)
	if err != nil {
		data.err = err
		return data
	}
	data.events = events

	return data
}

func (m *dashModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.refresh
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case dashTickMsg:
		return m, tea.Batch(m.refresh, dashTick())
	case dashDataMsg:
		m.data = msg
		m.refreshed = time.Now()
	}
	return m, nil
}

func (m *dashModel) View() string {
	var b strings.Builder

	b.WriteString(dashTitleStyle.Render("The Dock"))
	b.WriteString("  ")
	if m.data.daemonUp {
		b.WriteString(dashOKStyle.Render("● running " + m.data.daemonVersion))
		b.WriteString(dashDimStyle.Render(" on " + m.cfg.Addr))
		b.WriteString("  auth: ")
		if m.data.authState == "auth-ok" {
			b.WriteString(dashOKStyle.Render(m.data.authState))
		} else {
			b.WriteString(dashWarnStyle.Render(m.data.authState))
		}
	} else {
		b.WriteString(dashBadStyle.Render("● daemon not reachable on " + m.cfg.Addr))
	}
	b.WriteString("\n\n")

	b.WriteString(dashHeaderStyle.Render("Plugins"))
	b.WriteString("\n")
	if len(m.data.plugins) == 0 {
		b.WriteString(dashDimStyle.Render("  none tracked\n"))
	}
	for _, rec := range m.data.plugins {
		marker := dashOKStyle.Render("●")
		note := ""
		switch {
		case rec.LastError != nil:
			marker = dashBadStyle.Render("●")
			note = dashBadStyle.Render("  " + *rec.LastError)
		case !rec.Enabled:
			marker = dashDimStyle.Render("○")
			note = dashDimStyle.Render("  disabled")
		}
		fmt.Fprintf(&b, "  %s %-20s %-8s %-8s %s%s\n",
			marker, rec.Name, rec.Version, rec.Runtime, dashDimStyle.Render(rec.ShimName), note)
	}
	b.WriteString("\n")

	b.WriteString(dashHeaderStyle.Render("Events"))
	b.WriteString("\n")
	if len(m.data.events) == 0 {
		b.WriteString(dashDimStyle.Render("  journal empty\n"))
	}
	for _, ev := range m.data.events {
		level := dashDimStyle.Render(string(ev.Level))
		switch ev.Level {
		case store.EventLevelWarn:
			level = dashWarnStyle.Render(string(ev.Level))
		case store.EventLevelError:
			level = dashBadStyle.Render(string(ev.Level))
		}
		fmt.Fprintf(&b, "  %s %-5s %s\n",
			dashDimStyle.Render(ev.Timestamp.Format("15:04:05")), level, ev.Message)
	}

	if m.data.err != nil {
		b.WriteString("\n")
		b.WriteString(dashBadStyle.Render("error: " + m.data.err.Error()))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(dashDimStyle.Render(fmt.Sprintf("refreshed %s  [q] quit  [r] refresh",
		m.refreshed.Format("15:04:05"))))
	b.WriteString("\n")

	return b.String()
}
