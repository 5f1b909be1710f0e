// Package tui renders the terminal progress view used by `localllm pull`.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/inhies/go-bytesize"

	"localllm/pkg/types"
)

// EventMsg carries one download stream event into the program.
type EventMsg types.DownloadEvent

// StreamErrMsg reports that the event stream itself broke (connection lost).
type StreamErrMsg struct{ Err error }

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7aa2f7"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#565f89"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ece6a")).Bold(true)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#f7768e")).Bold(true)
)

const maxBarWidth = 60

// PullModel is the bubbletea model for a single artifact download.
type PullModel struct {
	title    string
	spinner  spinner.Model
	bar      progress.Model
	last     types.DownloadProgress
	started  bool
	outcome  string // "", done, cancelled, error
	message  string
	quitting bool
}

// NewPull returns a model titled with the artifact being fetched.
func NewPull(title string) PullModel {
	sp := spinner.New()
	sp.Spinner = spinner.Points
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#05ffa1"))
	return PullModel{
		title:   title,
		spinner: sp,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
	}
}

func (m PullModel) Init() tea.Cmd { return m.spinner.Tick }

func (m PullModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.quitting = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.bar.Width = min(max(msg.Width-24, 10), maxBarWidth)
	case spinner.TickMsg:
		if m.outcome != "" {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case EventMsg:
		switch msg.Type {
		case "progress":
			if msg.Progress != nil {
				m.started = true
				m.last = *msg.Progress
			}
		case "done":
			m.outcome = "done"
			m.message = msg.Path
			m.last.Percent = 100
			if m.last.TotalBytes > 0 {
				m.last.BytesSoFar = m.last.TotalBytes
			}
			return m, tea.Quit
		case "cancelled", "error":
			m.outcome = msg.Type
			m.message = msg.Error
			return m, tea.Quit
		}
	case StreamErrMsg:
		m.outcome = "error"
		m.message = msg.Err.Error()
		return m, tea.Quit
	}
	return m, nil
}

func (m PullModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("pull " + m.title))
	b.WriteString("\n\n")
	switch m.outcome {
	case "done":
		b.WriteString(okStyle.Render("✓ downloaded") + " " + dimStyle.Render(m.message))
	case "cancelled":
		b.WriteString(errStyle.Render("✗ cancelled"))
	case "error":
		b.WriteString(errStyle.Render("✗ failed: ") + m.message)
	default:
		if !m.started {
			b.WriteString(m.spinner.View() + " connecting...")
			break
		}
		b.WriteString(m.spinner.View() + " " + m.bar.ViewAs(float64(m.last.Percent)/100))
		b.WriteString("  " + dimStyle.Render(Bytes(m.last)))
	}
	b.WriteString("\n")
	if m.outcome == "" && !m.quitting {
		b.WriteString(dimStyle.Render("q to cancel") + "\n")
	}
	return b.String()
}

// Outcome returns the terminal state and its message once the program ends.
func (m PullModel) Outcome() (string, string) { return m.outcome, m.message }

// Bytes formats transferred/total, e.g. "12.00MB / 640.00MB".
func Bytes(p types.DownloadProgress) string {
	so := bytesize.New(float64(p.BytesSoFar)).String()
	if p.TotalBytes <= 0 {
		return so
	}
	return fmt.Sprintf("%s / %s", so, bytesize.New(float64(p.TotalBytes)).String())
}
