package ui

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"rentreclaim/internal/logging"
	"rentreclaim/internal/solana"
	"rentreclaim/internal/store"
	"rentreclaim/internal/types"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Source is the read-only store surface the dashboard shows.
type Source interface {
	Stats(ctx context.Context) (*store.Stats, error)
	ListAccounts(ctx context.Context, f store.AccountFilter) ([]*types.SponsoredAccount, error)
	ListOperations(ctx context.Context, f store.OperationFilter) ([]types.ReclaimOperation, error)
	ListPassiveReclaims(ctx context.Context, limit int) ([]types.PassiveReclaim, error)
}

// Snapshot is one consistent read of the store.
type Snapshot struct {
	Stats      *store.Stats
	Accounts   []*types.SponsoredAccount
	Operations []types.ReclaimOperation
	Passive    []types.PassiveReclaim
	LoadedAt   time.Time
}

const (
	maxRows    = 500
	maxPassive = 10
)

// Load reads a Snapshot.
func Load(ctx context.Context, src Source) (*Snapshot, error) {
	st, err := src.Stats(ctx)
	if err != nil {
		return nil, err
	}
	accounts, err := src.ListAccounts(ctx, store.AccountFilter{Limit: maxRows})
	if err != nil {
		return nil, err
	}
	ops, err := src.ListOperations(ctx, store.OperationFilter{Limit: maxRows})
	if err != nil {
		return nil, err
	}
	passive, err := src.ListPassiveReclaims(ctx, maxPassive)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Stats: st, Accounts: accounts, Operations: ops, Passive: passive, LoadedAt: time.Now()}, nil
}

// MarkdownStyle picks the glamour style for w. Anything that is not a
// terminal gets "notty" so redirected output carries no escape codes.
func MarkdownStyle(w io.Writer, dark bool) string {
	f, ok := w.(*os.File)
	if !ok || !isatty.IsTerminal(f.Fd()) {
		return "notty"
	}
	return themeStyle(dark)
}

func themeStyle(dark bool) string {
	if dark {
		return "dark"
	}
	return "light"
}

// RenderMarkdown renders md with the named glamour style.
func RenderMarkdown(md string, width int, style string) (string, error) {
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(style),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", err
	}
	return r.Render(md)
}

type tab int

const (
	tabOverview tab = iota
	tabAccounts
	tabOperations
	tabCount
)

var tabNames = [...]string{"Overview", "Accounts", "Operations"}

type snapshotMsg struct {
	snap *Snapshot
	err  error
}

type tickMsg time.Time

// Model is the dashboard. r refreshes, tab switches, q quits.
type Model struct {
	src     Source
	styles  Styles
	refresh time.Duration

	tab      tab
	overview viewport.Model
	accounts table.Model
	ops      table.Model
	spinner  spinner.Model

	loading bool
	snap    *Snapshot
	err     error
	width   int
	height  int
}

// NewModel creates a dashboard over src. A positive refresh reloads the
// snapshot periodically.
func NewModel(src Source, refresh time.Duration) Model {
	styles := DefaultStyles()
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styles.Spinner

	m := Model{
		src:      src,
		styles:   styles,
		refresh:  refresh,
		overview: viewport.New(80, 20),
		accounts: newTable([]table.Column{
			{Title: "Pubkey", Width: 44},
			{Title: "Type", Width: 8},
			{Title: "Status", Width: 30},
			{Title: "Rent", Width: 16},
			{Title: "Discovered", Width: 19},
		}),
		ops: newTable([]table.Column{
			{Title: "Time", Width: 19},
			{Title: "Account", Width: 44},
			{Title: "Outcome", Width: 10},
			{Title: "Amount", Width: 16},
			{Title: "Detail", Width: 40},
		}),
		spinner: sp,
		loading: true,
	}
	return m
}

func newTable(cols []table.Column) table.Model {
	return table.New(
		table.WithColumns(cols),
		table.WithFocused(true),
		table.WithHeight(15),
	)
}

// Init starts the first load.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.load())
}

func (m Model) load() tea.Cmd {
	src := m.src
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		snap, err := Load(ctx, src)
		return snapshotMsg{snap: snap, err: err}
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "tab":
			m.tab = (m.tab + 1) % tabCount
			return m, nil
		case "shift+tab":
			m.tab = (m.tab + tabCount - 1) % tabCount
			return m, nil
		case "1", "2", "3":
			m.tab = tab(msg.String()[0] - '1')
			return m, nil
		case "r":
			if m.loading {
				return m, nil
			}
			m.loading = true
			return m, tea.Batch(m.spinner.Tick, m.load())
		}
		return m.updateActive(msg)

	case snapshotMsg:
		m.loading = false
		m.err = msg.err
		if msg.err != nil {
			logging.Get(logging.CategoryUI).Warnf("Dashboard refresh failed: %v", msg.err)
		} else {
			m.snap = msg.snap
			m.fill()
		}
		if m.refresh > 0 {
			return m, tea.Tick(m.refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
		}
		return m, nil

	case tickMsg:
		if m.loading {
			return m, nil
		}
		m.loading = true
		return m, tea.Batch(m.spinner.Tick, m.load())

	case spinner.TickMsg:
		if !m.loading {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) updateActive(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch m.tab {
	case tabOverview:
		m.overview, cmd = m.overview.Update(msg)
	case tabAccounts:
		m.accounts, cmd = m.accounts.Update(msg)
	case tabOperations:
		m.ops, cmd = m.ops.Update(msg)
	}
	return m, cmd
}

func (m *Model) resize(w, h int) {
	m.width, m.height = w, h
	body := h - 5 // header, tabs, footer
	if body < 3 {
		body = 3
	}
	m.overview.Width = w
	m.overview.Height = body
	m.accounts.SetHeight(body)
	m.ops.SetHeight(body)
	m.fill()
}

// fill pushes the snapshot into the tab components.
func (m *Model) fill() {
	if m.snap == nil {
		return
	}
	width := m.width
	if width <= 0 {
		width = 80
	}
	md := StatsMarkdown(m.snap.Stats, m.snap.Passive)
	if out, err := RenderMarkdown(md, width-4, themeStyle(m.styles.Theme.IsDark)); err == nil {
		m.overview.SetContent(out)
	} else {
		m.overview.SetContent(md)
	}

	rows := make([]table.Row, 0, len(m.snap.Accounts))
	for _, a := range m.snap.Accounts {
		rows = append(rows, table.Row{
			a.Pubkey, string(a.Type.Kind), a.StatusLabel(),
			solana.FormatSOL(a.BalanceLamports), a.DiscoveredAt.Local().Format(time.DateTime),
		})
	}
	m.accounts.SetRows(rows)

	rows = make([]table.Row, 0, len(m.snap.Operations))
	for _, op := range m.snap.Operations {
		detail := op.Signature
		if op.Outcome == types.OutcomeFailed {
			detail = op.Reason
		}
		rows = append(rows, table.Row{
			op.AttemptedAt.Local().Format(time.DateTime), op.AccountPubkey, string(op.Outcome),
			solana.FormatSOL(op.Lamports), detail,
		})
	}
	m.ops.SetRows(rows)
}

// View renders the dashboard.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.styles.Header.Render("rentreclaim"))
	if m.loading {
		b.WriteString(" " + m.spinner.View() + m.styles.Muted.Render(" loading"))
	} else if m.snap != nil {
		b.WriteString(m.styles.Muted.Render(" updated " + m.snap.LoadedAt.Format(time.TimeOnly)))
	}
	b.WriteString("\n")

	tabs := make([]string, len(tabNames))
	for i, name := range tabNames {
		if tab(i) == m.tab {
			tabs[i] = m.styles.ActiveTab.Render(name)
		} else {
			tabs[i] = m.styles.Tab.Render(name)
		}
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, tabs...))
	b.WriteString("\n")

	switch {
	case m.err != nil:
		b.WriteString(m.styles.Error.Render(fmt.Sprintf("Error: %v", m.err)))
	case m.snap == nil:
		b.WriteString(m.styles.Muted.Render("Loading..."))
	default:
		switch m.tab {
		case tabOverview:
			b.WriteString(m.overview.View())
		case tabAccounts:
			b.WriteString(m.accounts.View())
		case tabOperations:
			b.WriteString(m.ops.View())
		}
	}
	b.WriteString("\n")
	b.WriteString(m.styles.Footer.Render("tab switch • r refresh • ↑/↓ scroll • q quit"))
	return b.String()
}

// Run starts the dashboard on the terminal.
func Run(src Source, refresh time.Duration) error {
	_, err := tea.NewProgram(NewModel(src, refresh), tea.WithAltScreen()).Run()
	return err
}
