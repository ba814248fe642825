package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/surge-downloader/partdl/internal/engine"
	"github.com/surge-downloader/partdl/internal/engine/brain"
	"github.com/surge-downloader/partdl/internal/engine/events"
	"github.com/surge-downloader/partdl/internal/engine/ffmpeg"
	"github.com/surge-downloader/partdl/internal/engine/limiter"
	"github.com/surge-downloader/partdl/internal/engine/manifest"
	"github.com/surge-downloader/partdl/internal/engine/types"
	"github.com/surge-downloader/partdl/internal/utils"
)

// Store persists items between runs. *state.Registry satisfies it.
type Store interface {
	SaveItem(item *types.DownloadItem) error
	DeleteItem(uid string) error
	LoadItems() ([]*types.DownloadItem, error)
}

// Request describes a download to add.
type Request struct {
	URL         string
	Folder      string
	Filename    string // optional; derived from the server response when empty
	AudioURL    string
	Protocol    string
	Connections int
	PartSize    int64
	ScheduledAt time.Time
	PostAction  types.PostAction
}

// Options configure a Manager. Only Runtime is required.
type Options struct {
	Runtime  *types.RuntimeConfig
	Client   *http.Client
	Store    Store
	Progress chan<- any
	Resolver manifest.Resolver
	Merger   ffmpeg.Merger
}

// Manager is the application context: it owns the item list, runs at most
// MaxConcurrentDownloads items at a time and queues the rest.
type Manager struct {
	mu            sync.RWMutex
	items         []*types.DownloadItem // index is the item ID, nil once deleted
	active        map[int]context.CancelFunc
	pending       []int
	timers        map[int]*time.Timer
	maxConcurrent int

	runtime  *types.RuntimeConfig
	client   *http.Client
	hosts    *limiter.Registry
	resolver manifest.Resolver
	merger   ffmpeg.Merger
	store    Store
	progress chan<- any

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(opts Options) *Manager {
	if opts.Runtime == nil {
		opts.Runtime = &types.RuntimeConfig{}
	}
	if opts.Client == nil {
		opts.Client = engine.NewHTTPClient(opts.Runtime)
	}
	if opts.Resolver == nil {
		opts.Resolver = manifest.NewHLSResolver(opts.Client, opts.Runtime.GetUserAgent())
	}
	if opts.Merger == nil {
		opts.Merger = ffmpeg.New(opts.Runtime)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		active:        make(map[int]context.CancelFunc),
		timers:        make(map[int]*time.Timer),
		maxConcurrent: opts.Runtime.GetMaxConcurrentDownloads(),
		runtime:       opts.Runtime,
		client:        opts.Client,
		hosts:         limiter.NewRegistry(),
		resolver:      opts.Resolver,
		merger:        opts.Merger,
		store:         opts.Store,
		progress:      opts.Progress,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// LoadFromStore restores the items saved by an earlier process. Items that
// were running come back paused.
func (m *Manager) LoadFromStore() (int, error) {
	if m.store == nil {
		return 0, nil
	}
	items, err := m.store.LoadItems()
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range items {
		if item.ID < 0 {
			item.ID = len(m.items)
		}
		for len(m.items) <= item.ID {
			m.items = append(m.items, nil)
		}
		if m.items[item.ID] != nil {
			item.ID = len(m.items)
			m.items = append(m.items, nil)
		}
		m.adopt(item)
		m.items[item.ID] = item
	}
	utils.Debug("Manager: loaded %d items", len(items))
	return len(items), nil
}

// Add probes the URL, creates the item and starts it now or at
// req.ScheduledAt. Destination problems are returned as
// types.ErrInvalidDestination.
func (m *Manager) Add(ctx context.Context, req Request) (*types.DownloadItem, error) {
	if strings.TrimSpace(req.URL) == "" {
		return nil, errors.New("empty url")
	}
	if err := checkFolder(req.Folder); err != nil {
		return nil, err
	}
	if req.Filename != "" && utils.SanitizeFilename(req.Filename) != req.Filename {
		return nil, fmt.Errorf("%w: invalid file name %q", types.ErrInvalidDestination, req.Filename)
	}

	protocol := strings.ToLower(req.Protocol)
	if protocol == "" {
		protocol = types.ProtocolHTTP
	}

	var (
		name      = req.Filename
		effURL    = req.URL
		size      int64
		resumable bool
	)
	if types.IsFragmented(protocol) {
		if name == "" {
			n := utils.ResolveFilename(req.URL, nil, nil)
			name = strings.TrimSuffix(n, filepath.Ext(n)) + ".ts"
		}
	} else {
		probe, err := engine.ProbeServer(ctx, m.client, req.URL, req.Filename, m.runtime.GetUserAgent())
		if err != nil {
			return nil, fmt.Errorf("probe failed: %w", err)
		}
		name, effURL, size, resumable = probe.Filename, probe.EffectiveURL, probe.FileSize, probe.SupportsRange
	}

	m.mu.Lock()
	item, err := m.reuseOrCreate(req, name)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	// a finishing Brain may still be saving this item
	item.Edit(func(it *types.DownloadItem) {
		it.URL = req.URL
		it.EffURL = effURL
		it.Resumable = resumable
		it.Protocol = protocol
		it.AudioURL = req.AudioURL
		it.PostAction = req.PostAction
		it.ScheduledAt = req.ScheduledAt
		if req.PartSize > 0 {
			it.PartSize = req.PartSize
		}
	})
	item.SetSize(size)
	conns := m.runtime.GetMaxConnections()
	if req.Connections > 0 {
		conns = min(req.Connections, types.MaxConnectionsLimit)
	}
	item.SetMaxConnections(conns)
	m.mu.Unlock()

	m.persist(item)
	utils.Debug("Manager: added #%d %s -> %s", item.Num(), req.URL, item.TargetPath())

	if wait := time.Until(req.ScheduledAt); !req.ScheduledAt.IsZero() && wait > 0 {
		m.schedule(item, wait)
		return item, nil
	}
	if err := m.Start(item.ID); err != nil {
		return item, err
	}
	return item, nil
}

// reuseOrCreate returns the unfinished item already writing to
// folder/name, or a new item with a name no other item or file uses.
// Must be called with m.mu held.
func (m *Manager) reuseOrCreate(req Request, name string) (*types.DownloadItem, error) {
	target := filepath.Join(req.Folder, name)
	reserved := make(map[string]bool)
	for _, it := range m.items {
		if it == nil {
			continue
		}
		if it.TargetPath() == target && it.Status() != types.StatusCompleted {
			if _, running := m.active[it.ID]; running || it.Status().IsActive() {
				return nil, fmt.Errorf("#%d %s: %w", it.Num(), it.Name, types.ErrAlreadyDownloading)
			}
			return it, nil
		}
		reserved[it.TargetPath()] = true
	}

	path := utils.UniqueFilePath(req.Folder, name, reserved)
	item := types.NewDownloadItem(req.URL, req.Folder, filepath.Base(path), 0)
	item.ID = len(m.items)
	m.adopt(item)
	m.items = append(m.items, item)
	return item, nil
}

// adopt wires the hooks that publish transitions and log lines and
// persist the item when it stops downloading.
func (m *Manager) adopt(item *types.DownloadItem) {
	item.OnStatusChange(func(it *types.DownloadItem, from, to types.Status) {
		m.publish(events.StatusChangedMsg{ItemID: it.ID, From: from, To: to})
		if to != types.StatusDownloading {
			m.persist(it)
		}
	})
	item.OnLog(func(it *types.DownloadItem, line string) {
		utils.Debug("#%d %s: %s", it.Num(), it.Name, line)
		m.publish(events.LogMsg{ItemID: it.ID, Line: line})
	})
}

func checkFolder(folder string) error {
	if folder == "" {
		return fmt.Errorf("%w: no folder given", types.ErrInvalidDestination)
	}
	info, err := os.Stat(folder)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidDestination, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", types.ErrInvalidDestination, folder)
	}
	probe, err := os.CreateTemp(folder, ".partdl-write-*")
	if err != nil {
		return fmt.Errorf("%w: %s is not writable", types.ErrInvalidDestination, folder)
	}
	probe.Close()
	os.Remove(probe.Name())
	return nil
}

// Get returns the item with id or types.ErrNotFound.
func (m *Manager) Get(id int) (*types.DownloadItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id)
}

func (m *Manager) getLocked(id int) (*types.DownloadItem, error) {
	if id < 0 || id >= len(m.items) || m.items[id] == nil {
		return nil, fmt.Errorf("#%d: %w", id+1, types.ErrNotFound)
	}
	return m.items[id], nil
}

// Items returns every live item in ID order.
func (m *Manager) Items() []*types.DownloadItem {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.DownloadItem, 0, len(m.items))
	for _, it := range m.items {
		if it != nil {
			out = append(out, it)
		}
	}
	return out
}

// Delete cancels the item, removes its temp artifacts and forgets it.
// removeFiles also deletes the downloaded file.
func (m *Manager) Delete(id int, removeFiles bool) error {
	item, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := m.Cancel(id); err != nil && !errors.Is(err, types.ErrInvalidTransition) {
		return err
	}
	m.waitStopped(id, 5*time.Second)

	m.mu.Lock()
	m.items[id] = nil
	m.mu.Unlock()

	os.Remove(item.TempFile())
	os.RemoveAll(item.TempFolder())
	if item.IsDash() {
		audio := item.AudioItem()
		os.Remove(audio.TempFile())
		os.RemoveAll(audio.TempFolder())
		os.Remove(item.AudioFile())
	}
	if removeFiles {
		if err := os.Remove(item.TargetPath()); err != nil && !os.IsNotExist(err) {
			utils.Debug("Manager: failed to remove %s: %v", item.TargetPath(), err)
		}
	}
	if m.store != nil {
		if err := m.store.DeleteItem(item.UID); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) waitStopped(id int, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		m.mu.RLock()
		_, running := m.active[id]
		m.mu.RUnlock()
		if !running {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (m *Manager) persist(item *types.DownloadItem) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveItem(item); err != nil {
		utils.Debug("Manager: failed to save #%d: %v", item.Num(), err)
	}
}

func (m *Manager) publish(msg any) {
	if m.progress == nil {
		return
	}
	select {
	case m.progress <- msg:
	default:
	}
}

func (m *Manager) brainOptions() brain.Options {
	return brain.Options{
		Client:   m.client,
		Runtime:  m.runtime,
		Hosts:    m.hosts,
		Resolver: m.resolver,
		Merger:   m.merger,
		Notifier: brain.EventNotifier{Ch: m.progress},
		Registry: m,
		Progress: m.progress,
	}
}
