// dlhubtop is a terminal monitor for a running dlhubd: it polls the queue
// endpoint and renders live and completed jobs with an incremental filter.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"dlhub/internal/model"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	activeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("81")).Bold(true)
	panelStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("230"))
	canceledStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("178"))
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("dlhubtop", flag.ContinueOnError)
	api := fs.String("api", "http://localhost:8081", "dlhubd base URL")
	interval := fs.Duration("interval", 2*time.Second, "poll interval")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !stdinIsTTY() {
		return errors.New("dlhubtop requires an interactive terminal (TTY)")
	}

	filter := textinput.New()
	filter.Placeholder = "filter by title, filename, or status"
	filter.CharLimit = 120

	m := monitorModel{
		apiBase:  strings.TrimRight(*api, "/"),
		interval: *interval,
		filter:   filter,
	}
	p := tea.NewProgram(m, tea.WithAltScreen())
	finalModel, err := p.Run()
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "tty") {
			return errors.New("dlhubtop requires an interactive terminal (TTY)")
		}
		return err
	}
	if fm, ok := finalModel.(monitorModel); ok {
		return fm.fatalErr
	}
	return nil
}

func stdinIsTTY() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

type snapshot struct {
	Queue []*model.Record `json:"queue"`
	Done  []*model.Record `json:"done"`
}

type snapshotMsg struct {
	snap snapshot
	err  error
}

type tickMsg time.Time

type monitorModel struct {
	apiBase  string
	interval time.Duration

	snap      snapshot
	fetchErr  error
	fetchedAt time.Time

	filter    textinput.Model
	filtering bool

	width  int
	height int

	fatalErr error
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(fetchSnapshotCmd(m.apiBase), tickCmd(m.interval))
}

func fetchSnapshotCmd(apiBase string) tea.Cmd {
	return func() tea.Msg {
		client := &http.Client{Timeout: 10 * time.Second}
		resp, err := client.Get(apiBase + "/api/queue")
		if err != nil {
			return snapshotMsg{err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return snapshotMsg{err: fmt.Errorf("queue endpoint returned %s", resp.Status)}
		}
		var snap snapshot
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			return snapshotMsg{err: err}
		}
		return snapshotMsg{snap: snap}
	}
}

func tickCmd(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.filter.Width = msg.Width - 4
		return m, nil
	case snapshotMsg:
		if msg.err != nil {
			m.fetchErr = msg.err
			return m, nil
		}
		m.fetchErr = nil
		m.snap = msg.snap
		sortByTimestamp(m.snap.Done)
		m.fetchedAt = time.Now()
		return m, nil
	case tickMsg:
		return m, tea.Batch(fetchSnapshotCmd(m.apiBase), tickCmd(m.interval))
	case tea.KeyMsg:
		return m.updateKey(msg)
	}
	return m, nil
}

func (m monitorModel) updateKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.filtering {
		switch msg.String() {
		case "esc":
			m.filtering = false
			m.filter.Blur()
			m.filter.SetValue("")
			return m, nil
		case "enter":
			m.filtering = false
			m.filter.Blur()
			return m, nil
		case "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.filter, cmd = m.filter.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "/":
		m.filtering = true
		return m, m.filter.Focus()
	case "r":
		return m, fetchSnapshotCmd(m.apiBase)
	}
	return m, nil
}

func (m monitorModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("dlhub monitor"))
	b.WriteString("  ")
	if m.fetchErr != nil {
		b.WriteString(errorStyle.Render("offline: " + m.fetchErr.Error()))
	} else if !m.fetchedAt.IsZero() {
		b.WriteString(mutedStyle.Render("updated " + m.fetchedAt.Format("15:04:05")))
	}
	b.WriteString("\n\n")

	if m.filtering || m.filter.Value() != "" {
		b.WriteString(m.filter.View())
		b.WriteString("\n\n")
	}

	needle := strings.ToLower(m.filter.Value())
	live := filterRecords(m.snap.Queue, needle)
	done := filterRecords(m.snap.Done, needle)

	b.WriteString(headerStyle.Render(fmt.Sprintf("Active & queued (%d)", len(live))))
	b.WriteString("\n")
	if len(live) == 0 {
		b.WriteString(mutedStyle.Render("  nothing in flight"))
		b.WriteString("\n")
	}
	for _, rec := range live {
		b.WriteString(renderLiveRow(rec))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(headerStyle.Render(fmt.Sprintf("History (%d)", len(done))))
	b.WriteString("\n")
	for i, rec := range done {
		if i >= m.historyRows() {
			b.WriteString(mutedStyle.Render(fmt.Sprintf("  ... %d more", len(done)-i)))
			b.WriteString("\n")
			break
		}
		b.WriteString(renderDoneRow(rec))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(mutedStyle.Render("q quit · / filter · r refresh"))
	return panelStyle.Width(max(m.width-2, 40)).Render(b.String())
}

// historyRows bounds the history section to what fits on screen.
func (m monitorModel) historyRows() int {
	rows := m.height - 12
	if rows < 5 {
		rows = 5
	}
	return rows
}

func filterRecords(recs []*model.Record, needle string) []*model.Record {
	if needle == "" {
		return recs
	}
	out := make([]*model.Record, 0, len(recs))
	for _, rec := range recs {
		haystack := strings.ToLower(rec.Title + " " + rec.Filename + " " + rec.Status + " " + string(rec.Provider))
		if strings.Contains(haystack, needle) {
			out = append(out, rec)
		}
	}
	return out
}

func renderLiveRow(rec *model.Record) string {
	status := rec.Status
	style := mutedStyle
	if status == model.StatusActive || status == model.StatusPreparing {
		style = activeStyle
	}
	progress := "      "
	if rec.Percent != nil {
		progress = fmt.Sprintf("%5.1f%%", *rec.Percent)
	}
	speed := ""
	if rec.Speed != nil {
		speed = formatBytesIEC(int64(*rec.Speed)) + "/s"
	}
	eta := ""
	if rec.ETA != nil {
		eta = formatDuration(*rec.ETA)
	}
	detail := strings.TrimSpace(strings.Join([]string{speed, eta, rec.Msg}, "  "))
	return fmt.Sprintf("  %s %s %s  %s",
		style.Render(fmt.Sprintf("%-9s", status)), progress, displayName(rec), mutedStyle.Render(detail))
}

func renderDoneRow(rec *model.Record) string {
	style := okStyle
	switch rec.Status {
	case model.StatusError:
		style = errorStyle
	case model.StatusCanceled:
		style = canceledStyle
	}
	size := ""
	if rec.Size != nil {
		size = formatBytesIEC(*rec.Size)
	}
	detail := size
	if rec.Status == model.StatusError && rec.Error != "" {
		detail = rec.Error
	}
	return fmt.Sprintf("  %s %s  %s",
		style.Render(fmt.Sprintf("%-9s", rec.Status)), displayName(rec), mutedStyle.Render(detail))
}

func displayName(rec *model.Record) string {
	if rec.Filename != "" {
		return rec.Filename
	}
	return rec.Title
}

func sortByTimestamp(recs []*model.Record) {
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Timestamp > recs[j].Timestamp })
}

func formatBytesIEC(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGT"[exp])
}

func formatDuration(seconds int) string {
	if seconds < 0 {
		return ""
	}
	d := time.Duration(seconds) * time.Second
	if d >= time.Hour {
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
	return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
}
