package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/surge-downloader/partdl/internal/engine/events"
	"github.com/surge-downloader/partdl/internal/engine/types"
)

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil

	case tickMsg:
		if m.idle != nil && m.idle() {
			m.finished = true
			return m, tea.Quit
		}
		return m, tick()

	case events.DownloadStartedMsg:
		r := m.row(msg.ItemID, msg.Filename)
		r.status = types.StatusDownloading
		r.total = msg.Total
		r.err = nil

	case events.ProgressMsg:
		r := m.row(msg.ItemID, msg.Name)
		r.status = msg.Status
		r.downloaded = msg.Downloaded
		r.total = msg.Total
		r.speed = msg.Speed
		r.eta = msg.TimeLeft
		r.conns = msg.ActiveConnections

	case events.StatusChangedMsg:
		r := m.row(msg.ItemID, "")
		r.status = msg.To
		if msg.To != types.StatusDownloading {
			r.speed = 0
			r.conns = 0
		}

	case events.DownloadCompleteMsg:
		r := m.row(msg.ItemID, msg.Filename)
		r.status = types.StatusCompleted
		if msg.Total > 0 {
			r.total = msg.Total
			r.downloaded = msg.Total
		}
		r.elapsed = msg.Elapsed
		r.speed = 0

	case events.LogMsg:
		m.row(msg.ItemID, "").lastLog = msg.Line

	case events.DownloadErrorMsg:
		r := m.row(msg.ItemID, "")
		r.status = types.StatusError
		r.err = msg.Err
		r.speed = 0
	}
	return m, nil
}
