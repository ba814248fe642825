package tui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// Forward relays engine events from ch into the program until ch closes
// or done is closed.
func Forward(p *tea.Program, ch <-chan any, done <-chan struct{}) {
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			p.Send(msg)
		case <-done:
			return
		}
	}
}
