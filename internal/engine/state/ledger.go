package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Ledger is a durable set of part-file names kept inside an item's temp
// folder. The ThreadManager keeps one for fetched parts and the
// FileManager one for merged parts.
type Ledger struct {
	path  string
	mu    sync.Mutex
	names map[string]struct{}
}

// NewLedger returns an empty ledger stored at dir/file.
func NewLedger(dir, file string) *Ledger {
	return &Ledger{path: filepath.Join(dir, file), names: make(map[string]struct{})}
}

// Path is the ledger file location.
func (l *Ledger) Path() string { return l.path }

// Load replaces the in-memory set with the file contents. A missing file
// is an empty ledger.
func (l *Ledger) Load() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read ledger: %w", err)
	}

	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return fmt.Errorf("failed to parse ledger %s: %w", l.path, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.names = make(map[string]struct{}, len(names))
	for _, n := range names {
		l.names[n] = struct{}{}
	}
	return nil
}

func (l *Ledger) Add(name string) {
	l.mu.Lock()
	l.names[name] = struct{}{}
	l.mu.Unlock()
}

func (l *Ledger) Remove(name string) {
	l.mu.Lock()
	delete(l.names, name)
	l.mu.Unlock()
}

func (l *Ledger) Has(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.names[name]
	return ok
}

// Names returns the sorted contents.
func (l *Ledger) Names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.names))
	for n := range l.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.names)
}

// Save writes the ledger atomically. It is a no-op once the temp folder
// has been removed, which happens after a successful finish.
func (l *Ledger) Save() error {
	dir := filepath.Dir(l.path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}

	data, err := json.Marshal(l.Names())
	if err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("failed to commit ledger: %w", err)
	}
	return nil
}
