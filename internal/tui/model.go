package tui

import (
	"os"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/surge-downloader/partdl/internal/engine/types"
	"github.com/surge-downloader/partdl/internal/tui/colors"
)

// row is the display state of one item, rebuilt from engine events.
type row struct {
	id         int
	name       string
	status     types.Status
	downloaded int64
	total      int64
	speed      float64
	eta        time.Duration
	conns      int
	elapsed    time.Duration
	err        error
	lastLog    string
}

func (r *row) percent() float64 {
	if r.status == types.StatusCompleted {
		return 1
	}
	if r.total <= 0 {
		return 0
	}
	return min(float64(r.downloaded)/float64(r.total), 1)
}

// Model renders the progress of a batch of downloads until the manager
// goes idle or the user quits.
type Model struct {
	rows     []*row
	byID     map[int]*row
	idle     func() bool
	bar      progress.Model
	width    int
	quitting bool
	finished bool
}

type tickMsg time.Time

// NewModel seeds one row per item. idle reports whether nothing is running,
// queued or scheduled; the program exits once it returns true.
func NewModel(items []*types.DownloadItem, idle func() bool) Model {
	m := Model{
		byID:  make(map[int]*row),
		idle:  idle,
		bar:   progress.New(progress.WithGradient(colors.ProgressStart, colors.ProgressEnd), progress.WithoutPercentage()),
		width: DefaultWidth,
	}
	for _, it := range items {
		r := m.row(it.ID, it.Name)
		r.status = it.Status()
		r.downloaded = it.Downloaded()
		r.total = it.Size()
	}
	m.resize(DefaultWidth)
	return m
}

func (m Model) Init() tea.Cmd {
	return tick()
}

// Quitting reports whether the user asked to leave before the batch ended.
func (m Model) Quitting() bool { return m.quitting }

// Counts returns how many rows completed and how many failed.
func (m Model) Counts() (done, failed int) {
	for _, r := range m.rows {
		switch r.status {
		case types.StatusCompleted:
			done++
		case types.StatusError:
			failed++
		}
	}
	return done, failed
}

func (m *Model) row(id int, name string) *row {
	if r, ok := m.byID[id]; ok {
		if name != "" {
			r.name = name
		}
		return r
	}
	r := &row{id: id, name: name, status: types.StatusPending}
	m.byID[id] = r
	m.rows = append(m.rows, r)
	return r
}

func (m *Model) resize(width int) {
	if width <= 0 {
		width = DefaultWidth
	}
	m.width = width
	m.bar.Width = max(width-ProgressBarWidthOffset, MinBarWidth)
}

func tick() tea.Cmd {
	return tea.Tick(TickInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// ConfigureColors picks the lipgloss color profile. Colors are dropped
// when noColor is set or NO_COLOR is present in the environment.
func ConfigureColors(noColor bool) {
	if _, ok := os.LookupEnv("NO_COLOR"); noColor || ok {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(termenv.EnvColorProfile())
}
