package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/valter-silva-au/agent-registry/pkg/models"
)

// Dashboard panel indices.
const (
	panelEntities = iota
	panelMetrics
	panelAlerts
	panelCount
)

type dashboardModel struct {
	activePanel int
	width       int
	height      int

	// Data.
	statusCounts map[string]int
	kindCounts   map[string]int
	metricsData  *metricsSnapshot
	alerts       []alertSnapshot

	// State.
	loading bool
	err     error
}

type metricsSnapshot struct {
	takenAt     string
	tiers       map[string]int
	stale       string
	edges       string
	unprocessed string
	deadLetters string
}

type alertSnapshot struct {
	severity string
	message  string
	time     string
}

// dataLoadedMsg carries loaded data back to the model.
type dataLoadedMsg struct {
	statusCounts map[string]int
	kindCounts   map[string]int
	metrics      *metricsSnapshot
	alerts       []alertSnapshot
	err          error
}

// Style definitions.
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(1, 2)

	activePanelStyle = lipgloss.NewStyle().
				BorderStyle(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62")).
				Padding(1, 2)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			MarginBottom(1)

	statusOnline   = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusBusy     = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	statusDegraded = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	statusError    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusPlanning = lipgloss.NewStyle().Foreground(lipgloss.Color("141"))
	statusOffline  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	statusArchived = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	severityHigh   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	severityMedium = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	severityLow    = lipgloss.NewStyle().Foreground(lipgloss.Color("69"))

	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func newDashboardModel() dashboardModel {
	return dashboardModel{
		activePanel:  panelEntities,
		loading:      true,
		statusCounts: make(map[string]int),
		kindCounts:   make(map[string]int),
	}
}

func (m dashboardModel) Init() tea.Cmd {
	return loadData
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "tab":
			m.activePanel = (m.activePanel + 1) % panelCount
			return m, nil
		case "shift+tab":
			m.activePanel = (m.activePanel - 1 + panelCount) % panelCount
			return m, nil
		case "r":
			m.loading = true
			return m, loadData
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case dataLoadedMsg:
		m.loading = false
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.statusCounts = msg.statusCounts
		m.kindCounts = msg.kindCounts
		m.metricsData = msg.metrics
		m.alerts = msg.alerts
		m.err = nil
		return m, nil
	}

	return m, nil
}

func (m dashboardModel) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	title := titleStyle.Render(" Registry Dashboard ")
	help := helpStyle.Render("tab: switch panel | r: refresh | q: quit")

	if m.loading {
		return fmt.Sprintf("%s\n\n  Loading data...\n\n%s", title, help)
	}

	if m.err != nil {
		return fmt.Sprintf("%s\n\n  Error: %s\n\n%s", title, m.err, help)
	}

	entitiesPanel := m.renderEntitiesPanel()
	metricsPanel := m.renderMetricsPanel()
	alertsPanel := m.renderAlertsPanel()

	// Available width for panels after accounting for margins.
	availableWidth := m.width - 2

	var body string
	if availableWidth > 120 {
		// Horizontal layout: three columns.
		colWidth := availableWidth / 3
		entitiesPanel = m.applyPanelStyle(panelEntities, entitiesPanel, colWidth-4)
		metricsPanel = m.applyPanelStyle(panelMetrics, metricsPanel, colWidth-4)
		alertsPanel = m.applyPanelStyle(panelAlerts, alertsPanel, colWidth-4)
		body = lipgloss.JoinHorizontal(lipgloss.Top, entitiesPanel, metricsPanel, alertsPanel)
	} else {
		// Vertical layout: stacked.
		panelWidth := availableWidth - 4
		if panelWidth < 20 {
			panelWidth = 20
		}
		entitiesPanel = m.applyPanelStyle(panelEntities, entitiesPanel, panelWidth)
		metricsPanel = m.applyPanelStyle(panelMetrics, metricsPanel, panelWidth)
		alertsPanel = m.applyPanelStyle(panelAlerts, alertsPanel, panelWidth)
		body = lipgloss.JoinVertical(lipgloss.Left, entitiesPanel, metricsPanel, alertsPanel)
	}

	return fmt.Sprintf("%s\n\n%s\n\n%s", title, body, help)
}

func (m dashboardModel) applyPanelStyle(panel int, content string, width int) string {
	style := panelStyle
	if m.activePanel == panel {
		style = activePanelStyle
	}
	return style.Width(width).Render(content)
}

func (m dashboardModel) renderEntitiesPanel() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Entities"))
	b.WriteString("\n")

	if len(m.statusCounts) == 0 {
		b.WriteString("  No entities registered.")
		return b.String()
	}

	order := []string{"online", "busy", "degraded", "error", "maintenance", "planning", "offline", "archived"}
	for _, status := range order {
		count, ok := m.statusCounts[status]
		if !ok || count == 0 {
			continue
		}
		label := fmt.Sprintf("  %-14s %d", status, count)
		b.WriteString(styleForStatus(status).Render(label))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	for _, kind := range models.AllKinds {
		if n := m.kindCounts[string(kind)]; n > 0 {
			b.WriteString(fmt.Sprintf("  %-14s %d\n", kind, n))
		}
	}

	total := 0
	for _, c := range m.statusCounts {
		total += c
	}
	b.WriteString(fmt.Sprintf("\n  Total: %d", total))

	return b.String()
}

func (m dashboardModel) renderMetricsPanel() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Health"))
	b.WriteString("\n")

	if m.metricsData == nil {
		b.WriteString("  No snapshot available.")
		return b.String()
	}

	md := m.metricsData
	for _, tier := range []string{"healthy", "degraded", "unhealthy", "critical"} {
		label := fmt.Sprintf("  %-14s %d", tier, md.tiers[tier])
		b.WriteString(styleForTier(tier).Render(label))
		b.WriteString("\n")
	}

	lines := []struct {
		label string
		value string
	}{
		{"Stale", md.stale},
		{"Edges", md.edges},
		{"Undelivered", md.unprocessed},
		{"Dead letters", md.deadLetters},
	}
	b.WriteString("\n")
	for _, l := range lines {
		b.WriteString(fmt.Sprintf("  %-14s %s\n", l.label, l.value))
	}
	b.WriteString(fmt.Sprintf("\n  as of %s", md.takenAt))

	return b.String()
}

func (m dashboardModel) renderAlertsPanel() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Alerts"))
	b.WriteString("\n")

	if len(m.alerts) == 0 {
		b.WriteString("  No active alerts.")
		return b.String()
	}

	for _, a := range m.alerts {
		sev := styleForSeverity(a.severity).Render(fmt.Sprintf("[%s]", strings.ToUpper(a.severity)))
		b.WriteString(fmt.Sprintf("  %s %s\n", sev, a.message))
	}

	b.WriteString(fmt.Sprintf("\n  Total: %d alert(s)", len(m.alerts)))

	return b.String()
}

func styleForStatus(status string) lipgloss.Style {
	switch status {
	case "online":
		return statusOnline
	case "busy", "maintenance":
		return statusBusy
	case "degraded":
		return statusDegraded
	case "error":
		return statusError
	case "planning":
		return statusPlanning
	case "offline":
		return statusOffline
	case "archived":
		return statusArchived
	default:
		return lipgloss.NewStyle()
	}
}

func styleForTier(tier string) lipgloss.Style {
	switch tier {
	case "healthy":
		return statusOnline
	case "degraded":
		return statusBusy
	case "unhealthy":
		return statusDegraded
	case "critical":
		return statusError
	default:
		return lipgloss.NewStyle()
	}
}

func styleForSeverity(severity string) lipgloss.Style {
	switch strings.ToLower(severity) {
	case "high":
		return severityHigh
	case "medium":
		return severityMedium
	case "low":
		return severityLow
	default:
		return lipgloss.NewStyle()
	}
}

func loadData() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result := dataLoadedMsg{
		statusCounts: make(map[string]int),
		kindCounts:   make(map[string]int),
	}

	if Registry != nil {
		entities, err := Registry.List(ctx, models.EntityFilter{})
		if err != nil {
			result.err = fmt.Errorf("loading entities: %w", err)
			return result
		}
		for _, e := range entities {
			result.statusCounts[string(e.Status)]++
			result.kindCounts[string(e.Kind)]++
		}
	}

	if Metrics != nil {
		snap, err := Metrics.LatestSnapshot(ctx)
		if err != nil {
			result.err = fmt.Errorf("loading metrics: %w", err)
			return result
		}
		if snap != nil {
			tiers := make(map[string]int, len(snap.TierCounts))
			for tier, n := range snap.TierCounts {
				tiers[string(tier)] = n
			}
			result.metrics = &metricsSnapshot{
				takenAt:     snap.TakenAt.Format("2006-01-02 15:04 UTC"),
				tiers:       tiers,
				stale:       optionalInt(snap.StaleEntities),
				edges:       optionalInt(snap.DependencyEdges),
				unprocessed: optionalInt(snap.UnprocessedEvents),
				deadLetters: optionalInt(snap.DeadLetters),
			}
		}
	}

	if AlertEngine != nil {
		alerts, err := AlertEngine.Evaluate(ctx)
		if err != nil {
			result.err = fmt.Errorf("loading alerts: %w", err)
			return result
		}
		result.alerts = make([]alertSnapshot, 0, len(alerts))

		// Sort alerts by severity: high first, then medium, then low.
		sort.SliceStable(alerts, func(i, j int) bool {
			return severityRank(string(alerts[i].Severity)) < severityRank(string(alerts[j].Severity))
		})

		for _, a := range alerts {
			result.alerts = append(result.alerts, alertSnapshot{
				severity: string(a.Severity),
				message:  a.Message,
				time:     a.TriggeredAt.Format("2006-01-02 15:04 UTC"),
			})
		}
	}

	return result
}

func severityRank(s string) int {
	switch s {
	case "high":
		return 0
	case "medium":
		return 1
	case "low":
		return 2
	default:
		return 3
	}
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Interactive TUI dashboard for entities, health and alerts",
	Long: `Launch an interactive terminal dashboard showing entity status,
the latest health tier distribution, and alerts.

Navigate between panels with Tab, refresh with r, quit with q.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Registry == nil {
			return fmt.Errorf("entity registry not initialized")
		}
		p := tea.NewProgram(newDashboardModel(), tea.WithAltScreen())
		_, err := p.Run()
		return err
	},
}

func init() {
	rootCmd.AddCommand(dashboardCmd)
}
