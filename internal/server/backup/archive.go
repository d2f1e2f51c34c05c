package backup

import (
	"archive/zip"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/busybridge/internal/server/gcal"
	"github.com/dmitrijs2005/busybridge/internal/server/models"
)

const archiveVersion = "1"

// dumpedTables lists what goes into an archive, in dump order. Lock rows are
// leases and meaningless after a restore.
var dumpedTables = []string{
	"users",
	"oauth_tokens",
	"calendars",
	"event_mappings",
	"busy_blocks",
	"webhook_channels",
	"alert_queue",
	"sync_log",
}

type metadata struct {
	Version        string         `json:"version"`
	BackupID       string         `json:"backup_id"`
	Class          string         `json:"backup_type"`
	CreatedAt      time.Time      `json:"created_at"`
	TableCounts    map[string]int `json:"table_counts"`
	SnapshotUsers  int            `json:"snapshot_users"`
	SnapshotEvents int            `json:"snapshot_events"`
	SnapshotErrors []string       `json:"snapshot_errors,omitempty"`
}

// buildArchive assembles the ZIP in memory: one JSON dump per table, one
// remote snapshot per user, metadata last so it carries the counts.
func (s *Service) buildArchive(ctx context.Context, now time.Time, class string) ([]byte, *metadata, error) {
	meta := &metadata{
		Version:     archiveVersion,
		BackupID:    uuid.NewString(),
		Class:       class,
		CreatedAt:   now,
		TableCounts: make(map[string]int),
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	for _, table := range dumpedTables {
		rows, err := dumpTable(ctx, s.db, table)
		if err != nil {
			return nil, nil, fmt.Errorf("dump %s: %w", table, err)
		}
		meta.TableCounts[table] = len(rows)
		if err := writeJSON(zw, "tables/"+table+".json", rows); err != nil {
			return nil, nil, err
		}
	}

	snaps, err := s.snapshotUsers(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, snap := range snaps {
		if err := writeJSON(zw, "snapshots/"+snap.Email+".json", snap); err != nil {
			return nil, nil, err
		}
		for _, cal := range snap.Calendars {
			meta.SnapshotEvents += len(cal.Events)
		}
		meta.SnapshotErrors = append(meta.SnapshotErrors, snap.Errors...)
	}
	meta.SnapshotUsers = len(snaps)

	if err := writeJSON(zw, "metadata.json", meta); err != nil {
		return nil, nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, nil, fmt.Errorf("close archive: %w", err)
	}
	return buf.Bytes(), meta, nil
}

// dumpTable reads a whole table into generic records. Table names only ever
// come from dumpedTables.
func dumpTable(ctx context.Context, db *sql.DB, table string) ([]map[string]any, error) {
	rows, err := db.QueryContext(ctx, "SELECT * FROM "+table+" ORDER BY 1")
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns error: %w", err)
	}

	out := []map[string]any{}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		rec := make(map[string]any, len(cols))
		for i, col := range cols {
			rec[col] = vals[i]
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func writeJSON(zw *zip.Writer, name string, v any) error {
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

type userSnapshot struct {
	UserID    int64               `json:"user_id"`
	Email     string              `json:"email"`
	Calendars []*calendarSnapshot `json:"calendars"`
	Errors    []string            `json:"errors,omitempty"`
}

type calendarSnapshot struct {
	CalendarID int64               `json:"calendar_id"`
	Role       models.CalendarRole `json:"role"`
	RemoteID   string              `json:"remote_id"`
	Summary    string              `json:"summary"`
	Events     []*gcal.Event       `json:"events"`
}

// snapshotUsers captures every user's managed remote objects: the copies on
// the main calendar and the blocks on client calendars. Snapshot failures go
// into the snapshot's error list, never fail the backup.
func (s *Service) snapshotUsers(ctx context.Context) ([]*userSnapshot, error) {
	users, err := s.repos.Users(s.db).List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	snaps := make([]*userSnapshot, len(users))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.SyncWorkers)
	for i, u := range users {
		g.Go(func() error {
			snaps[i] = s.snapshotUser(gctx, u)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snaps, nil
}

func (s *Service) snapshotUser(ctx context.Context, u *models.User) *userSnapshot {
	snap := &userSnapshot{UserID: u.ID, Email: u.Email, Calendars: []*calendarSnapshot{}}

	cals, err := s.repos.Calendars(s.db).ListActiveByUser(ctx, u.ID)
	if err != nil {
		snap.Errors = append(snap.Errors, fmt.Sprintf("list calendars: %v", err))
		return snap
	}

	for _, cal := range cals {
		if cal.Role == models.RolePersonal {
			// Read-only origin; nothing managed lives there.
			continue
		}
		cs := &calendarSnapshot{
			CalendarID: cal.ID,
			Role:       cal.Role,
			RemoteID:   cal.RemoteID,
			Summary:    cal.DisplayName,
			Events:     []*gcal.Event{},
		}
		snap.Calendars = append(snap.Calendars, cs)

		client, err := s.provider.ClientFor(ctx, cal.UserID, cal.AccountEmail)
		if err != nil {
			snap.Errors = append(snap.Errors, fmt.Sprintf("calendar %d: client: %v", cal.ID, err))
			continue
		}
		set, err := client.ListChanges(ctx, cal.RemoteID, "")
		if err != nil {
			snap.Errors = append(snap.Errors, fmt.Sprintf("calendar %d: listing: %v", cal.ID, err))
			continue
		}
		for _, ch := range set.Changes {
			e := ch.Event
			if e == nil || e.Cancelled() || !client.IsManaged(e) {
				continue
			}
			cs.Events = append(cs.Events, e)
		}
	}
	return snap
}
