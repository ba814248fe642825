package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/surge-downloader/partdl/internal/download"
	"github.com/surge-downloader/partdl/internal/engine/types"
	"github.com/surge-downloader/partdl/internal/tui"
)

// readURLsFromFile reads URLs from a file, one per line. Blank lines and
// lines starting with # are skipped.
func readURLsFromFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	var urls []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			urls = append(urls, line)
		}
	}
	return urls, scanner.Err()
}

// parseAt turns an HH:MM wall-clock time into the next matching instant
// after now. An empty string means no schedule.
func parseAt(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation("15:04", s, now.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	at := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
	if !at.After(now) {
		at = at.AddDate(0, 0, 1)
	}
	return at, nil
}

// runManager shows progress for items until the manager goes idle or the
// user interrupts, then shuts the manager down. Unfinished items are left
// paused for a later resume.
func runManager(m *download.Manager, items []*types.DownloadItem, progress <-chan any, quiet bool) error {
	done := make(chan struct{})

	if quiet {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		go consumeHeadless(progress, done, os.Stdout, itemName(m))
		err := m.Wait(ctx)
		close(done)
		m.Shutdown()
		if err != nil {
			fmt.Println("Interrupted.")
		}
		return summarize(items)
	}

	p := tea.NewProgram(tui.NewModel(items, m.Idle))
	go tui.Forward(p, progress, done)
	_, err := p.Run()
	close(done)
	m.Shutdown()
	if err != nil && !errors.Is(err, tea.ErrInterrupted) && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("progress view failed: %w", err)
	}
	return summarize(items)
}

func itemName(m *download.Manager) func(int) string {
	return func(id int) string {
		if item, err := m.Get(id); err == nil {
			return item.Name
		}
		return fmt.Sprintf("#%d", id+1)
	}
}

// summarize prints a resume hint for unfinished items and fails when any
// item ended in error.
func summarize(items []*types.DownloadItem) error {
	var failed, unfinished int
	for _, item := range items {
		switch item.Status() {
		case types.StatusError:
			failed++
		case types.StatusCompleted, types.StatusCancelled:
		default:
			unfinished++
		}
	}
	if unfinished > 0 {
		fmt.Printf("%d download(s) paused. Run 'partdl resume' to continue.\n", unfinished)
	}
	if failed > 0 {
		return fmt.Errorf("%d download(s) failed, see 'partdl ls'", failed)
	}
	return nil
}
