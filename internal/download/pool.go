package download

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/surge-downloader/partdl/internal/engine/brain"
	"github.com/surge-downloader/partdl/internal/engine/types"
	"github.com/surge-downloader/partdl/internal/utils"
)

// Start runs the item now, or queues it when MaxConcurrentDownloads items
// are already running.
func (m *Manager) Start(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if _, running := m.active[id]; running {
		return types.ErrAlreadyDownloading
	}
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
	if m.ctx.Err() != nil {
		return m.ctx.Err()
	}

	if len(m.active) >= m.maxConcurrent {
		if err := item.Transition(types.StatusPending); err != nil {
			return err
		}
		if !slices.Contains(m.pending, id) {
			m.pending = append(m.pending, id)
		}
		utils.Debug("Manager: #%d queued (%d running)", item.Num(), len(m.active))
		return nil
	}
	m.launch(item)
	return nil
}

// Resume restarts a paused, failed or cancelled item.
func (m *Manager) Resume(id int) error {
	item, err := m.Get(id)
	if err != nil {
		return err
	}
	if item.Status().IsActive() {
		return types.ErrAlreadyDownloading
	}
	return m.Start(id)
}

// Pause stops a running or queued item. Its parts stay on disk.
func (m *Manager) Pause(id int) error {
	return m.stop(id, types.StatusPaused)
}

// Cancel stops the item for good; it can still be restarted with Start.
func (m *Manager) Cancel(id int) error {
	return m.stop(id, types.StatusCancelled)
}

func (m *Manager) stop(id int, to types.Status) error {
	m.mu.Lock()
	item, err := m.getLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.pending = slices.DeleteFunc(m.pending, func(p int) bool { return p == id })
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()

	if err := item.Transition(to); err != nil {
		return fmt.Errorf("#%d: %w", item.Num(), err)
	}
	item.AppendLog("%s by user", to)
	return nil
}

// schedule starts the item after d.
func (m *Manager) schedule(item *types.DownloadItem, d time.Duration) {
	id := item.ID
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[id]; ok {
		t.Stop()
	}
	item.AppendLog("scheduled for %s", item.Record().ScheduledAt.Format(time.DateTime))
	m.timers[id] = time.AfterFunc(d, func() {
		m.mu.Lock()
		delete(m.timers, id)
		m.mu.Unlock()
		if err := m.Start(id); err != nil {
			utils.Debug("Manager: scheduled start of #%d failed: %v", id+1, err)
		}
	})
}

// launch starts a Brain for item. Must be called with m.mu held.
func (m *Manager) launch(item *types.DownloadItem) {
	ctx, cancel := context.WithCancel(m.ctx)
	m.active[item.ID] = cancel
	m.wg.Add(1)

	b := brain.New(item, m.brainOptions())
	go func() {
		defer m.wg.Done()
		defer cancel()
		err := b.Run(ctx)
		if errors.Is(err, types.ErrAlreadyDownloading) {
			// refused before taking the item; nothing else will release it
			m.Release(item)
		}
		if err != nil {
			utils.Debug("Manager: #%d finished with %v", item.Num(), err)
		}
	}()
}

// Release is called by a Brain when its run ends. It saves the item and
// starts queued items while there is capacity.
func (m *Manager) Release(item *types.DownloadItem) {
	m.mu.Lock()
	if _, ok := m.active[item.ID]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.active, item.ID)

	for len(m.pending) > 0 && len(m.active) < m.maxConcurrent && m.ctx.Err() == nil {
		id := m.pending[0]
		m.pending = m.pending[1:]
		next, err := m.getLocked(id)
		if err != nil || next.Status() != types.StatusPending {
			continue
		}
		m.launch(next)
	}
	m.mu.Unlock()

	m.persist(item)
}

// Idle reports whether nothing is running, queued or scheduled.
func (m *Manager) Idle() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active) == 0 && len(m.pending) == 0 && len(m.timers) == 0
}

// Wait blocks until nothing is running, queued or scheduled.
func (m *Manager) Wait(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !m.Idle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Shutdown pauses running items, drops timers and waits for every Brain
// to exit. Items merging audio are cancelled instead. The Manager cannot start items afterwards.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.pending = nil
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	for _, item := range m.Items() {
		m.persist(item)
	}
	utils.Debug("Manager: shut down")
}
