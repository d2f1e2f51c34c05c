package backup

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/dmitrijs2005/busybridge/internal/filex"
	"github.com/dmitrijs2005/busybridge/internal/logging"
	"github.com/dmitrijs2005/busybridge/internal/server/config"
	"github.com/dmitrijs2005/busybridge/internal/server/models"
	"github.com/dmitrijs2005/busybridge/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/busybridge/internal/server/tokens"
)

const keyPrefix = "backups/"

// ObjectStore is the storage seam; *Store implements it over S3.
type ObjectStore interface {
	Upload(ctx context.Context, key string, body []byte) error
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// Service takes nightly snapshot backups: a ZIP of table dumps plus per-user
// remote snapshots, uploaded to S3 and pruned on a tiered schedule.
type Service struct {
	db       *sql.DB
	repos    repomanager.RepositoryManager
	provider tokens.ClientFactory
	store    ObjectStore
	cfg      *config.Config
	logger   logging.Logger

	now func() time.Time
	// spoolDir receives archives that could not be uploaded.
	spoolDir string
}

func NewService(db *sql.DB, repos repomanager.RepositoryManager, provider tokens.ClientFactory, store ObjectStore, cfg *config.Config, logger logging.Logger) *Service {
	return &Service{
		db:       db,
		repos:    repos,
		provider: provider,
		store:    store,
		cfg:      cfg,
		logger:   logger.With("module", "backup"),
		now:      time.Now,
		spoolDir: "backup-spool",
	}
}

// Run takes one backup: build, upload, prune, record on the sync trail.
func (s *Service) Run(ctx context.Context) error {
	now := s.now().UTC()
	class := classify(now)

	archive, meta, err := s.buildArchive(ctx, now, class)
	if err != nil {
		s.logFailure(ctx, err)
		return fmt.Errorf("build archive: %w", err)
	}

	key := archiveKey(now, class)
	if err := s.store.Upload(ctx, key, archive); err != nil {
		// The snapshot was expensive to take; keep it on local disk so a
		// store outage doesn't cost the night's backup.
		if path, spoolErr := s.spool(key, archive); spoolErr != nil {
			s.logger.Error(ctx, "backup spool failed", "error", spoolErr)
		} else {
			s.logger.Warn(ctx, "upload failed, archive spooled locally", "path", path)
		}
		s.logFailure(ctx, err)
		return fmt.Errorf("upload archive: %w", err)
	}
	s.logger.Info(ctx, "backup uploaded",
		"key", key, "bytes", len(archive), "class", class,
		"users", meta.SnapshotUsers, "events", meta.SnapshotEvents)

	deleted, err := s.prune(ctx)
	if err != nil {
		// The archive is safe; a failed prune just leaves extra history.
		s.logger.Warn(ctx, "backup prune failed", "error", err)
	}

	s.logRun(ctx, key, meta, len(archive), deleted)
	return nil
}

// classify names the retention tier a backup taken at t belongs to.
func classify(t time.Time) string {
	switch {
	case t.Day() == 1:
		return "monthly"
	case t.Weekday() == time.Sunday:
		return "weekly"
	default:
		return "daily"
	}
}

// archiveKey builds backups/2026/03/backup-20260310-033000-daily.zip. The
// timestamp and tier in the name let pruning work from a listing alone.
func archiveKey(now time.Time, class string) string {
	return fmt.Sprintf("%s%04d/%02d/backup-%s-%s.zip",
		keyPrefix, now.Year(), int(now.Month()), now.Format("20060102-150405"), class)
}

// spool writes the archive into the spool directory, named after its object
// key.
func (s *Service) spool(key string, archive []byte) (string, error) {
	dir, err := filex.EnsureSubDir(s.spoolDir)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, filepath.Base(key))
	if err := os.WriteFile(path, archive, 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

var archiveKeyPattern = regexp.MustCompile(`^backups/\d{4}/\d{2}/backup-\d{8}-\d{6}-(daily|weekly|monthly)\.zip$`)

// prune enforces tiered retention, newest first per tier. Objects that don't
// look like our archives are left alone.
func (s *Service) prune(ctx context.Context) ([]string, error) {
	keys, err := s.store.List(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}

	byClass := make(map[string][]string)
	for _, key := range keys {
		m := archiveKeyPattern.FindStringSubmatch(key)
		if m == nil {
			continue
		}
		byClass[m[1]] = append(byClass[m[1]], key)
	}

	tiers := []struct {
		class string
		keep  int
	}{
		{"daily", s.cfg.BackupKeepDaily},
		{"weekly", s.cfg.BackupKeepWeekly},
		{"monthly", s.cfg.BackupKeepMonthly},
	}

	var deleted []string
	for _, tier := range tiers {
		ks := byClass[tier.class]
		// Zero-padded timestamps: lexicographic order is time order.
		sort.Sort(sort.Reverse(sort.StringSlice(ks)))
		for _, key := range ks[min(tier.keep, len(ks)):] {
			if err := s.store.Delete(ctx, key); err != nil {
				s.logger.Warn(ctx, "delete of old backup failed", "key", key, "error", err)
				continue
			}
			s.logger.Info(ctx, "pruned old backup", "key", key)
			deleted = append(deleted, key)
		}
	}
	return deleted, nil
}

func (s *Service) logRun(ctx context.Context, key string, meta *metadata, size int, deleted []string) {
	details, err := json.Marshal(map[string]any{
		"backup_id":       meta.BackupID,
		"key":             key,
		"backup_type":     meta.Class,
		"bytes":           size,
		"snapshot_users":  meta.SnapshotUsers,
		"snapshot_events": meta.SnapshotEvents,
		"snapshot_errors": len(meta.SnapshotErrors),
		"pruned":          len(deleted),
	})
	if err != nil {
		details = []byte("{}")
	}
	entry := &models.SyncLogEntry{
		Action:  "backup",
		Status:  models.SyncLogStatusSuccess,
		Details: string(details),
	}
	if err := s.repos.SyncLog(s.db).Append(ctx, entry); err != nil {
		s.logger.Warn(ctx, "sync log append failed", "error", err)
	}
}

func (s *Service) logFailure(ctx context.Context, cause error) {
	details, err := json.Marshal(map[string]string{"error": cause.Error()})
	if err != nil {
		details = []byte("{}")
	}
	entry := &models.SyncLogEntry{
		Action:  "backup",
		Status:  models.SyncLogStatusFailure,
		Details: string(details),
	}
	if err := s.repos.SyncLog(s.db).Append(ctx, entry); err != nil {
		s.logger.Warn(ctx, "sync log append failed", "error", err)
	}
}
