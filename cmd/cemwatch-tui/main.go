package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/cemwatch/cemwatch/pkg/api"
	"github.com/cemwatch/cemwatch/pkg/client"
)

// Config
const (
	pollRate       = 5 * time.Second
	viewportHeight = 20
)

// Styles
var (
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	staleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			Width(100)

	paneStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1).
			Width(100)

	rowTimeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(18)
	rowNameStyle  = lipgloss.NewStyle().Width(30).Bold(true)
	rowMeterStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("99")) // Purple
)

type tickMsg time.Time

type dataMsg struct {
	status   api.StatusResponse
	readings []api.ReadingResponse
	err      error
}

type model struct {
	spinner  spinner.Model
	viewport viewport.Model
	status   api.StatusResponse
	readings []api.ReadingResponse
	err      error
	ready    bool

	apiClient *client.Client
}

func initialModel(apiClient *client.Client) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return model{
		spinner:   s,
		apiClient: apiClient,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		fetchData(m.apiClient),
		tick(),
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		// Pass key messages to viewport
		m.viewport, cmd = m.viewport.Update(msg)
		cmds = append(cmds, cmd)
		return m, tea.Batch(cmds...)

	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case tickMsg:
		cmds = append(cmds, fetchData(m.apiClient), tick())

	case dataMsg:
		if msg.err != nil {
			m.err = msg.err
		} else {
			m.err = nil
			m.status = msg.status
			m.readings = msg.readings
			m.updateViewportContent()
		}

		if !m.ready {
			m.ready = true
		}

	case tea.WindowSizeMsg:
		if !m.ready {
			m.viewport = viewport.New(msg.Width, viewportHeight)
			m.viewport.Style = lipgloss.NewStyle().
				BorderStyle(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62")).
				PaddingRight(2)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = viewportHeight
		}
	}

	return m, tea.Batch(cmds...)
}

func (m *model) updateViewportContent() {
	var sb strings.Builder

	for _, r := range m.readings {
		name := r.CounterName
		if name == "" {
			name = fmt.Sprintf("var_id %d", r.VarID)
		}

		var valueStr, observed string
		if r.HasValue {
			valueStr = okStyle.Render(fmt.Sprintf("%g %s", *r.Value, r.Unit))
			observed = r.ObservedAt.Local().Format("2006-01-02 15:04")
			// A fetched timestamp far behind now means the counter stopped
			// refreshing even though the daemon is up.
			if time.Since(*r.FetchedAt) > 2*time.Hour {
				valueStr = staleStyle.Render(fmt.Sprintf("%g %s (stale)", *r.Value, r.Unit))
			}
		} else {
			valueStr = subtleStyle.Render("no value")
			observed = "-"
		}

		where := r.MeterName
		if r.ObjectName != "" {
			where = fmt.Sprintf("%s @ %s", r.MeterName, r.ObjectName)
		}

		line := fmt.Sprintf("%s %s %s %s\n",
			rowTimeStyle.Render(observed),
			rowNameStyle.Render(name),
			valueStr,
			rowMeterStyle.Render(where),
		)
		sb.WriteString(line)
	}

	m.viewport.SetContent(sb.String())
}

func (m model) View() string {
	if !m.ready {
		return fmt.Sprintf("\n%s Initializing...", m.spinner.View())
	}

	// Top Pane: Connection State
	var statusList strings.Builder
	statusList.WriteString(lipgloss.NewStyle().Bold(true).Underline(true).Render("CEM Connection") + "\n\n")

	if m.status.Connected {
		statusList.WriteString(okStyle.Render("● Connected"))
	} else {
		statusList.WriteString(errorStyle.Render("● Disconnected"))
	}
	if m.status.TokenValidTo != nil {
		statusList.WriteString(subtleStyle.Render(fmt.Sprintf("  token valid until %s",
			m.status.TokenValidTo.Local().Format("15:04:05"))))
	}
	statusList.WriteString(fmt.Sprintf("\nCounters: %d tracked, %d with values\n",
		m.status.Counters, m.status.CountersWithValue))

	topPane := paneStyle.Render(statusList.String())

	// Bottom Pane: Readings
	header := headerStyle.Render(fmt.Sprintf("%s Latest Readings", m.spinner.View()))
	bottomPane := m.viewport.View()

	// Status Footer
	var status string
	if m.err != nil {
		status = errorStyle.Render(fmt.Sprintf("Offline: %v", m.err))
	} else {
		status = okStyle.Render(fmt.Sprintf("Online • %d Counters", len(m.readings)))
	}
	footer := subtleStyle.Render(fmt.Sprintf("\n%s\nPress q to quit", status))

	return lipgloss.JoinVertical(lipgloss.Left, topPane, header, bottomPane, footer)
}

// Commands

func fetchData(apiClient *client.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		status, err := apiClient.Status(ctx)
		if err != nil {
			return dataMsg{err: err}
		}

		readings, err := apiClient.GetReadings(ctx)
		if err != nil {
			return dataMsg{err: err}
		}

		return dataMsg{
			status:   status,
			readings: readings,
			err:      nil,
		}
	}
}

func tick() tea.Cmd {
	return tea.Tick(pollRate, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func main() {
	apiClient := client.NewClient(os.Getenv("CEMWATCH_API_URL"))
	p := tea.NewProgram(initialModel(apiClient), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Printf("Alas, there's been an error: %v", err)
		os.Exit(1)
	}
}
