package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/kylemclaren/checkin-tasks/internal/db"
)

// View represents the current view
type View int

const (
	ViewList View = iota
	ViewDetail
)

// KeyMap defines keybindings
type KeyMap struct {
	Up      key.Binding
	Down    key.Binding
	Enter   key.Binding
	Back    key.Binding
	Filter  key.Binding
	Next    key.Binding
	Prev    key.Binding
	Refresh key.Binding
	Quit    key.Binding
}

var keys = KeyMap{
	Up:      key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:    key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Enter:   key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "details")),
	Back:    key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "back")),
	Filter:  key.NewBinding(key.WithKeys("f"), key.WithHelp("f", "status filter")),
	Next:    key.NewBinding(key.WithKeys("n", "right"), key.WithHelp("n", "next page")),
	Prev:    key.NewBinding(key.WithKeys("p", "left"), key.WithHelp("p", "prev page")),
	Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
	Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Enter, k.Filter, k.Prev, k.Next, k.Refresh, k.Quit}
}

func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.Enter, k.Back},
		{k.Filter, k.Prev, k.Next},
		{k.Refresh, k.Quit},
	}
}

// statusFilters is the cycle the filter key walks through; "" shows all
var statusFilters = []db.RecordStatus{
	"",
	db.RecordStatusPending,
	db.RecordStatusSuccess,
	db.RecordStatusFailure,
	db.RecordStatusOutOfTime,
	db.RecordStatusTokenExpired,
	db.RecordStatusUnknown,
}

// RecordsOptions narrows what the browser shows
type RecordsOptions struct {
	TaskID   int64
	UserID   int64
	PageSize int
}

// Model is the records browser
type Model struct {
	db   *db.DB
	opts RecordsOptions

	// View state
	currentView View
	width       int
	height      int

	// List view
	records   []*db.Record
	taskNames map[int64]string
	total     int
	page      int
	filterIdx int
	table     table.Model

	// Help
	help help.Model

	// Detail view
	selected   *db.Record
	viewport   viewport.Model
	mdRenderer *glamour.TermRenderer

	// Status
	statusMsg   string
	statusErr   bool
	statusTimer int
}

// Layout constants
const (
	minWidth           = 60
	maxTableWidth      = 160
	headerHeight       = 4 // Logo + spacing
	footerHeight       = 4 // Help + status
	minTableHeight     = 5
	detailHeaderHeight = 4
	detailFooterHeight = 3
	refreshInterval    = 5 * time.Second
)

// calculateTableColumns returns column definitions sized for the given width
func calculateTableColumns(width int) []table.Column {
	availableWidth := width - 4
	if availableWidth < minWidth {
		availableWidth = minWidth
	}
	if availableWidth > maxTableWidth {
		availableWidth = maxTableWidth
	}

	// Fixed: ID 6, Trigger 10, Status 14, Time 12; the rest split between task and message
	fixed := 6 + 10 + 14 + 12 + 12 // 12 for column separators
	remaining := availableWidth - fixed
	taskWidth := remaining * 35 / 100
	if taskWidth < 10 {
		taskWidth = 10
	}
	messageWidth := remaining - taskWidth
	if messageWidth < 16 {
		messageWidth = 16
	}

	return []table.Column{
		{Title: "ID", Width: 6},
		{Title: "Task", Width: taskWidth},
		{Title: "Trigger", Width: 10},
		{Title: "Status", Width: 14},
		{Title: "Time", Width: 12},
		{Title: "Message", Width: messageWidth},
	}
}

// NewModel creates a records browser
func NewModel(database *db.DB, opts RecordsOptions) Model {
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}

	// Help
	h := help.New()
	h.Styles.ShortKey = helpKeyStyle
	h.Styles.ShortDesc = helpDescStyle

	// Table - start with reasonable default, will resize on WindowSizeMsg
	t := table.New(
		table.WithColumns(calculateTableColumns(100)),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	ts := table.DefaultStyles()
	ts.Header = ts.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(dimTextColor).
		BorderBottom(true).
		Bold(true).
		Foreground(accentColor)
	ts.Selected = ts.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(primaryColor).
		Bold(true)
	t.SetStyles(ts)

	// Markdown renderer
	renderer, _ := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)

	return Model{
		db:         database,
		opts:       opts,
		taskNames:  make(map[int64]string),
		table:      t,
		help:       h,
		viewport:   viewport.New(80, 20),
		mdRenderer: renderer,
	}
}

// Messages
type recordsLoadedMsg struct {
	records   []*db.Record
	total     int
	taskNames map[int64]string
}
type errMsg struct{ err error }
type tickMsg time.Time

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.loadRecords(), tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) filter() db.RecordFilter {
	return db.RecordFilter{
		TaskID: m.opts.TaskID,
		UserID: m.opts.UserID,
		Status: statusFilters[m.filterIdx],
		Skip:   m.page * m.opts.PageSize,
		Limit:  m.opts.PageSize,
	}
}

func (m Model) loadRecords() tea.Cmd {
	f := m.filter()
	return func() tea.Msg {
		records, total, err := m.db.ListRecords(f)
		if err != nil {
			return errMsg{err}
		}
		names := make(map[int64]string)
		for _, rec := range records {
			if _, ok := names[rec.TaskID]; ok {
				continue
			}
			if task, err := m.db.GetTask(rec.TaskID); err == nil {
				names[rec.TaskID] = task.Name
			}
		}
		return recordsLoadedMsg{records: records, total: total, taskNames: names}
	}
}

func (m *Model) updateTable() {
	if len(m.records) == 0 {
		m.table.SetRows([]table.Row{})
		return
	}

	columns := m.table.Columns()
	taskWidth, messageWidth := 18, 30
	if len(columns) >= 6 {
		taskWidth = columns[1].Width - 2
		messageWidth = columns[5].Width - 2
	}

	rows := make([]table.Row, len(m.records))
	for i, rec := range m.records {
		name := m.taskNames[rec.TaskID]
		if name == "" {
			name = fmt.Sprintf("#%d", rec.TaskID)
		}
		rows[i] = table.Row{
			fmt.Sprintf("%d", rec.ID),
			truncate(name, taskWidth),
			string(rec.TriggerType),
			statusIcon(rec.Status) + " " + string(rec.Status),
			formatTime(rec.CheckInTime),
			truncate(oneLine(rec.ErrorMessage), messageWidth),
		}
	}
	m.table.SetRows(rows)
}

func statusIcon(s db.RecordStatus) string {
	switch s {
	case db.RecordStatusSuccess:
		return "✓"
	case db.RecordStatusPending:
		return "●"
	case db.RecordStatusUnknown:
		return "?"
	default:
		return "✗"
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	t = t.Local()
	now := time.Now()
	if now.Sub(t) < 24*time.Hour && t.Day() == now.Day() {
		return t.Format("15:04:05")
	}
	return t.Format("Jan 02 15:04")
}

// truncate shortens s to max runes
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func (m Model) pageCount() int {
	if m.total == 0 {
		return 1
	}
	return (m.total + m.opts.PageSize - 1) / m.opts.PageSize
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}

		switch m.currentView {
		case ViewList:
			return m.updateList(msg)
		case ViewDetail:
			return m.updateDetail(msg)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		m.table.SetColumns(calculateTableColumns(msg.Width))
		tableWidth := msg.Width - 4
		if tableWidth > maxTableWidth {
			tableWidth = maxTableWidth
		}
		m.table.SetWidth(tableWidth)

		availableHeight := msg.Height - headerHeight - footerHeight - 2 // 2 for app padding
		if availableHeight < minTableHeight {
			availableHeight = minTableHeight
		}
		m.table.SetHeight(availableHeight)

		viewportHeight := msg.Height - detailHeaderHeight - detailFooterHeight - 2
		if viewportHeight < 5 {
			viewportHeight = 5
		}
		m.viewport.Width = msg.Width - 6
		m.viewport.Height = viewportHeight

		m.help.Width = msg.Width

		// Update markdown renderer for new width
		if renderer, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(msg.Width-10),
		); err == nil {
			m.mdRenderer = renderer
		}
		m.updateTable()

	case tickMsg:
		// Decrement status timer
		if m.statusTimer > 0 {
			m.statusTimer--
			if m.statusTimer == 0 {
				m.statusMsg = ""
			}
		}
		cmds = append(cmds, tickCmd())
		if m.currentView == ViewList {
			cmds = append(cmds, m.loadRecords())
		}

	case recordsLoadedMsg:
		m.records = msg.records
		m.total = msg.total
		for id, name := range msg.taskNames {
			m.taskNames[id] = name
		}
		m.updateTable()

	case errMsg:
		m.setStatus("Error: "+msg.err.Error(), true)
	}

	return m, tea.Batch(cmds...)
}

func (m *Model) updateList(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, keys.Enter):
		idx := m.table.Cursor()
		if idx < 0 || idx >= len(m.records) {
			return m, nil
		}
		m.selected = m.records[idx]
		m.currentView = ViewDetail
		m.viewport.SetContent(m.renderDetailContent())
		m.viewport.GotoTop()
		return m, nil

	case key.Matches(msg, keys.Filter):
		m.filterIdx = (m.filterIdx + 1) % len(statusFilters)
		m.page = 0
		label := string(statusFilters[m.filterIdx])
		if label == "" {
			label = "all"
		}
		m.setStatus("Filter: "+label, false)
		return m, m.loadRecords()

	case key.Matches(msg, keys.Next):
		if m.page+1 < m.pageCount() {
			m.page++
			return m, m.loadRecords()
		}
		return m, nil

	case key.Matches(msg, keys.Prev):
		if m.page > 0 {
			m.page--
			return m, m.loadRecords()
		}
		return m, nil

	case key.Matches(msg, keys.Refresh):
		return m, m.loadRecords()
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *Model) updateDetail(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Back):
		m.currentView = ViewList
		m.selected = nil
		return m, m.loadRecords()
	case key.Matches(msg, keys.Quit):
		return m, tea.Quit
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *Model) setStatus(msg string, isErr bool) {
	m.statusMsg = msg
	m.statusErr = isErr
	m.statusTimer = 1
}

func (m Model) View() string {
	var content string
	switch m.currentView {
	case ViewDetail:
		content = m.renderDetail()
	default:
		content = m.renderList()
	}
	return appStyle.Render(content)
}

func (m Model) renderList() string {
	var b strings.Builder

	b.WriteString(logoStyle.Render("签到记录"))
	filter := "all"
	if s := statusFilters[m.filterIdx]; s != "" {
		filter = string(s)
	}
	b.WriteString("  ")
	b.WriteString(subtitleStyle.Render(fmt.Sprintf("%d records · filter: %s · page %d/%d", m.total, filter, m.page+1, m.pageCount())))
	b.WriteString("\n\n")

	if len(m.records) == 0 {
		b.WriteString(emptyBoxStyle.Render("No records yet"))
	} else {
		b.WriteString(m.table.View())
	}
	b.WriteString("\n\n")

	if m.statusMsg != "" {
		if m.statusErr {
			b.WriteString(errorMsgStyle.Render(m.statusMsg))
		} else {
			b.WriteString(successMsgStyle.Render(m.statusMsg))
		}
		b.WriteString("\n")
	}
	b.WriteString(m.help.View(keys))
	return b.String()
}

func (m Model) renderDetail() string {
	var b strings.Builder
	if m.selected != nil {
		b.WriteString(logoStyle.Render(fmt.Sprintf("记录 #%d", m.selected.ID)))
		b.WriteString("  ")
		b.WriteString(statusStyle(string(m.selected.Status)).Render(string(m.selected.Status)))
	}
	b.WriteString("\n")
	b.WriteString(dividerStyle.Render(strings.Repeat("─", max(m.viewport.Width, 10))))
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(helpDescStyle.Render("esc back · ↑/↓ scroll · q quit"))
	return b.String()
}

func (m Model) renderDetailContent() string {
	md := recordMarkdown(m.selected, m.taskNames[m.selected.TaskID])
	if m.mdRenderer == nil {
		return md
	}
	out, err := m.mdRenderer.Render(md)
	if err != nil {
		return md
	}
	return out
}

// recordMarkdown describes a record for the detail view
func recordMarkdown(rec *db.Record, taskName string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Record %d\n\n", rec.ID)
	fmt.Fprintf(&b, "| | |\n|---|---|\n")
	if taskName != "" {
		fmt.Fprintf(&b, "| Task | %s (#%d) |\n", taskName, rec.TaskID)
	} else {
		fmt.Fprintf(&b, "| Task | #%d |\n", rec.TaskID)
	}
	fmt.Fprintf(&b, "| Status | %s |\n", rec.Status)
	fmt.Fprintf(&b, "| Trigger | %s |\n", rec.TriggerType)
	fmt.Fprintf(&b, "| Started | %s |\n", rec.CheckInTime.Local().Format(time.RFC3339))
	if rec.FinishedAt != nil {
		fmt.Fprintf(&b, "| Finished | %s |\n", rec.FinishedAt.Local().Format(time.RFC3339))
	}
	if rec.ErrorMessage != "" {
		fmt.Fprintf(&b, "\n## Message\n\n%s\n", rec.ErrorMessage)
	}
	if rec.ResponseText != "" {
		fmt.Fprintf(&b, "\n## Upstream response\n\n```json\n%s\n```\n", rec.ResponseText)
	}
	return b.String()
}

// Run starts the records browser
func Run(database *db.DB, opts RecordsOptions) error {
	m := NewModel(database, opts)
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
