package state

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/surge-downloader/partdl/internal/engine/types"
)

const itemColumns = `uid, num, url, eff_url, name, folder, size, resumable, protocol, type, status,
	downloaded, part_size, audio_url, audio_size, post_action, created_at, updated_at, completed_at`

// SaveItem upserts the item's persistent fields.
func (r *Registry) SaveItem(item *types.DownloadItem) error {
	if item.UID == "" {
		item.UID = uuid.New().String()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}

	now := time.Now().Unix()
	rec := item.Record()
	status := item.Status()
	var completedAt sql.NullInt64
	if status == types.StatusCompleted {
		completedAt = sql.NullInt64{Int64: now, Valid: true}
	}

	return r.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO items (`+itemColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(uid) DO UPDATE SET
				num=excluded.num,
				url=excluded.url,
				eff_url=excluded.eff_url,
				name=excluded.name,
				folder=excluded.folder,
				size=excluded.size,
				resumable=excluded.resumable,
				protocol=excluded.protocol,
				type=excluded.type,
				status=excluded.status,
				downloaded=excluded.downloaded,
				part_size=excluded.part_size,
				audio_url=excluded.audio_url,
				audio_size=excluded.audio_size,
				post_action=excluded.post_action,
				updated_at=excluded.updated_at,
				completed_at=COALESCE(excluded.completed_at, items.completed_at)
		`,
			item.UID, item.Num(), rec.URL, rec.EffURL, item.Name, item.Folder, item.Size(), rec.Resumable,
			rec.Protocol, string(item.Type), string(status), item.Downloaded(), rec.PartSize,
			rec.AudioURL, rec.AudioSize, rec.PostAction.String(), item.CreatedAt.Unix(), now, completedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert item: %w", err)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*types.DownloadItem, error) {
	var (
		uid, url, name, folder, status string
		effURL, protocol, typ          sql.NullString
		audioURL, postAction           sql.NullString
		num                            int
		size, downloaded, partSize     int64
		audioSize                      int64
		resumable                      bool
		createdAt, updatedAt           sql.NullInt64
		completedAt                    sql.NullInt64
	)
	if err := row.Scan(&uid, &num, &url, &effURL, &name, &folder, &size, &resumable, &protocol, &typ,
		&status, &downloaded, &partSize, &audioURL, &audioSize, &postAction, &createdAt, &updatedAt, &completedAt); err != nil {
		return nil, err
	}

	item := types.NewDownloadItem(url, folder, name, size)
	item.UID = uid
	item.ID = num - 1
	item.EffURL = effURL.String
	if item.EffURL == "" {
		item.EffURL = url
	}
	item.Resumable = resumable
	if protocol.Valid && protocol.String != "" {
		item.Protocol = protocol.String
	}
	if typ.Valid && typ.String != "" {
		item.Type = types.ItemType(typ.String)
	}
	item.PartSize = partSize
	item.AudioURL = audioURL.String
	item.AudioSize = audioSize
	item.PostAction = types.ParsePostAction(postAction.String)
	if createdAt.Valid {
		item.CreatedAt = time.Unix(createdAt.Int64, 0)
	}
	item.SetDownloaded(downloaded)

	st, err := types.ParseStatus(status)
	if err != nil {
		st = types.StatusPaused
	}
	// a run interrupted by process exit resumes as paused
	if st.IsActive() {
		st = types.StatusPaused
	}
	item.RestoreStatus(st)
	return item, nil
}

// LoadItems returns every stored item ordered by display number.
func (r *Registry) LoadItems() ([]*types.DownloadItem, error) {
	rows, err := r.db.Query(`SELECT ` + itemColumns + ` FROM items ORDER BY num, created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var items []*types.DownloadItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// GetItem returns the item with uid, or types.ErrNotFound.
func (r *Registry) GetItem(uid string) (*types.DownloadItem, error) {
	row := r.db.QueryRow(`SELECT `+itemColumns+` FROM items WHERE uid = ?`, uid)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", uid, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query item: %w", err)
	}
	return item, nil
}

// FindByPrefix resolves a (possibly shortened) uid. It fails when the
// prefix matches nothing or more than one item.
func (r *Registry) FindByPrefix(prefix string) (*types.DownloadItem, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return nil, fmt.Errorf("empty id: %w", types.ErrNotFound)
	}
	rows, err := r.db.Query(`SELECT uid FROM items WHERE uid LIKE ? || '%'`, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	var uids []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			rows.Close()
			return nil, err
		}
		uids = append(uids, uid)
	}
	rows.Close()

	switch len(uids) {
	case 0:
		return nil, fmt.Errorf("%s: %w", prefix, types.ErrNotFound)
	case 1:
		return r.GetItem(uids[0])
	default:
		return nil, fmt.Errorf("id prefix %q is ambiguous (%d matches)", prefix, len(uids))
	}
}

// DeleteItem removes an item. Deleting a missing item is not an error.
func (r *Registry) DeleteItem(uid string) error {
	if _, err := r.db.Exec("DELETE FROM items WHERE uid = ?", uid); err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	return nil
}

// UpdateStatus changes only the status column.
func (r *Registry) UpdateStatus(uid string, status types.Status) error {
	result, err := r.db.Exec("UPDATE items SET status = ?, updated_at = ? WHERE uid = ?",
		string(status), time.Now().Unix(), uid)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("%s: %w", uid, types.ErrNotFound)
	}
	return nil
}

// RemoveCompleted deletes every completed item and returns how many went.
func (r *Registry) RemoveCompleted() (int64, error) {
	result, err := r.db.Exec("DELETE FROM items WHERE status = ?", string(types.StatusCompleted))
	if err != nil {
		return 0, fmt.Errorf("failed to remove completed items: %w", err)
	}
	return result.RowsAffected()
}
