package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

// RefreshInterval is how often the TUI pulls a new snapshot.
const RefreshInterval = 250 * time.Millisecond

// TUIModel is the bubbletea model for the live progress display.
type TUIModel struct {
	source *Progress
	resize func(delta int) int
	quit   func()

	state    UIState
	summary  string
	spinner  spinner.Model
	progress progress.Model
	viewport viewport.Model

	width  int
	height int

	// Styles
	titleStyle   lipgloss.Style
	infoStyle    lipgloss.Style
	streamStyle  lipgloss.Style
	helpStyle    lipgloss.Style
	errorStyle   lipgloss.Style
	successStyle lipgloss.Style
}

// TickMsg triggers a snapshot refresh.
type TickMsg time.Time

// DoneMsg is sent once the run has finished.
type DoneMsg struct {
	Summary string
}

// WorkerCountMsg carries the pool size after a resize.
type WorkerCountMsg int

// NewTUIModel renders snapshots of source. resize is called with +1 or -1
// on the +/- keys and quit on q or ctrl+c; either may be nil.
func NewTUIModel(source *Progress, resize func(delta int) int, quit func()) TUIModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	prog := progress.New(progress.WithDefaultGradient())

	return TUIModel{
		source:       source,
		resize:       resize,
		quit:         quit,
		spinner:      s,
		progress:     prog,
		titleStyle:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Padding(0, 1),
		infoStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		streamStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
		helpStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1),
		errorStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		successStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	}
}

func tick() tea.Cmd {
	return tea.Tick(RefreshInterval, func(t time.Time) tea.Msg { return TickMsg(t) })
}

func (m TUIModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		tick(),
	)
}

func (m TUIModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.quit != nil {
				m.quit()
			}
			return m, tea.Quit
		case "+", "=":
			return m, m.resizeBy(1)
		case "-":
			return m, m.resizeBy(-1)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = msg.Width - 14

		headerHeight := 5
		footerHeight := 2
		m.viewport = viewport.New(msg.Width, max(1, msg.Height-headerHeight-footerHeight))

	case TickMsg:
		if m.source != nil {
			m.state = m.source.Snapshot()
		}
		cmds = append(cmds, tick())

	case WorkerCountMsg:
		m.state.Workers = int(msg)

	case DoneMsg:
		if m.source != nil {
			m.state = m.source.Snapshot()
		}
		m.state.Done = true
		m.summary = msg.Summary
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m TUIModel) resizeBy(delta int) tea.Cmd {
	if m.resize == nil {
		return nil
	}
	return func() tea.Msg { return WorkerCountMsg(m.resize(delta)) }
}

func (m TUIModel) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	var sb strings.Builder
	st := m.state

	header := fmt.Sprintf("%s sfast %s", m.spinner.View(), m.titleStyle.Render("resumable SFTP transfer"))
	sb.WriteString(header + "\n")

	var percent float64
	if st.TotalBytes > 0 {
		percent = min(1, float64(st.CompletedBytes)/float64(st.TotalBytes))
	}

	opsInfo := fmt.Sprintf("ETA: %s | Workers: %d | Files: %d/%d | %s / %s | %s | retries %d",
		formatETA(st.TotalBytes-st.CompletedBytes, st.BytesPerSec),
		st.Workers,
		st.CompletedFiles+st.Skipped, st.TotalFiles,
		humanize.Bytes(uint64(st.CompletedBytes)), humanize.Bytes(uint64(st.TotalBytes)),
		formatSpeed(st.BytesPerSec),
		st.Retries)
	sb.WriteString(m.infoStyle.Render(opsInfo) + "\n")
	if st.Failed > 0 {
		sb.WriteString(m.errorStyle.Render(fmt.Sprintf("%d failed", st.Failed)) + "\n")
	}
	sb.WriteString(m.progress.ViewAs(percent) + "\n\n")

	sb.WriteString("Active Streams:\n")
	var streamContent strings.Builder

	if len(st.ActiveStreams) == 0 {
		streamContent.WriteString(m.infoStyle.Render("No active streams..."))
	} else {
		for _, s := range st.ActiveStreams {
			bar := m.progress.ViewAs(s.Progress)
			truncatePath := s.Path
			if len(truncatePath) > 40 {
				truncatePath = "..." + truncatePath[len(truncatePath)-37:]
			}

			// [===       ] 30% | 45 MB/s | transferring#2 | /path/to/file
			fmt.Fprintf(&streamContent, "%s | %-10s | %-15s | %s\n",
				bar, m.streamStyle.Render(formatSpeed(s.BytesSec)), stateLabel(s), truncatePath)
		}
	}

	m.viewport.SetContent(streamContent.String())
	sb.WriteString(m.viewport.View())

	help := m.helpStyle.Render("q/ctrl+c: quit • +/-: adjust workers")
	if st.Done {
		help = m.successStyle.Render("Done.") + " " + m.summary
	}
	sb.WriteString("\n" + help)

	return sb.String()
}

func stateLabel(s ActiveStream) string {
	if s.Attempt > 1 {
		return fmt.Sprintf("%s#%d", s.State, s.Attempt)
	}
	return s.State.String()
}

func formatSpeed(bytesPerSec float64) string {
	if bytesPerSec < 1 {
		return "0 B/s"
	}
	return humanize.Bytes(uint64(bytesPerSec)) + "/s"
}

func formatETA(remaining int64, bytesPerSec float64) string {
	if remaining <= 0 {
		return "0s"
	}
	if bytesPerSec <= 0 {
		return "Calculating..."
	}

	secs := float64(remaining) / bytesPerSec
	if secs > 24*60*60 {
		return "> 1d"
	}
	return time.Duration(secs * float64(time.Second)).Round(time.Second).String()
}
