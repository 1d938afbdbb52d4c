// Package sqlite keeps release history in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"stevedore/internal/image"
	"stevedore/internal/release"
)

var _ release.Store = (*Store)(nil)

// ErrAmbiguous is returned when an id prefix matches more than one release.
var ErrAmbiguous = errors.New("release id prefix is ambiguous")

// timeLayout has a fixed-width fraction so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set state db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set state db busy timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS releases (
	id TEXT PRIMARY KEY,
	phase TEXT NOT NULL,
	failed_stage TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	host TEXT NOT NULL DEFAULT '',
	trigger_json TEXT NOT NULL,
	artifacts_json TEXT NOT NULL,
	started_at TEXT NOT NULL,
	finished_at TEXT NOT NULL DEFAULT ''
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize releases schema: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS releases_started_at ON releases (started_at)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize releases index: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveRelease inserts or replaces the record for r.ID.
func (s *Store) SaveRelease(ctx context.Context, r release.Release) error {
	triggerJSON, err := json.Marshal(r.Trigger)
	if err != nil {
		return fmt.Errorf("marshal release trigger: %w", err)
	}
	artifacts := r.Artifacts
	if artifacts == nil {
		artifacts = []image.Artifact{}
	}
	artifactsJSON, err := json.Marshal(artifacts)
	if err != nil {
		return fmt.Errorf("marshal release artifacts: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO releases (id, phase, failed_stage, error, host, trigger_json, artifacts_json, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		 phase = excluded.phase,
		 failed_stage = excluded.failed_stage,
		 error = excluded.error,
		 host = excluded.host,
		 trigger_json = excluded.trigger_json,
		 artifacts_json = excluded.artifacts_json,
		 started_at = excluded.started_at,
		 finished_at = excluded.finished_at`,
		r.ID,
		r.Phase.String(),
		r.FailedStage,
		r.Error,
		r.Host,
		string(triggerJSON),
		string(artifactsJSON),
		formatTime(r.StartedAt),
		formatTime(r.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("save release %s: %w", r.ID, err)
	}
	return nil
}

const selectColumns = `SELECT id, phase, failed_stage, error, host, trigger_json, artifacts_json, started_at, finished_at FROM releases`

// GetRelease returns the release whose id is, or starts with, idOrPrefix.
func (s *Store) GetRelease(ctx context.Context, idOrPrefix string) (release.Release, bool, error) {
	idOrPrefix = strings.TrimSpace(idOrPrefix)
	if idOrPrefix == "" {
		return release.Release{}, false, nil
	}

	rows, err := s.db.QueryContext(ctx, selectColumns+` WHERE id = ? OR id LIKE ? ESCAPE '\' ORDER BY id = ? DESC LIMIT 2`,
		idOrPrefix, escapeLike(idOrPrefix)+"%", idOrPrefix)
	if err != nil {
		return release.Release{}, false, fmt.Errorf("query release %q: %w", idOrPrefix, err)
	}
	defer rows.Close()

	found, err := scanReleases(rows)
	if err != nil {
		return release.Release{}, false, err
	}
	switch {
	case len(found) == 0:
		return release.Release{}, false, nil
	case found[0].ID == idOrPrefix || len(found) == 1:
		return found[0], true, nil
	default:
		return release.Release{}, false, fmt.Errorf("%w: %q", ErrAmbiguous, idOrPrefix)
	}
}

// ListReleases returns up to limit releases, newest first. A limit of zero
// or less returns all of them.
func (s *Store) ListReleases(ctx context.Context, limit int) ([]release.Release, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list releases: %w", err)
	}
	defer rows.Close()
	return scanReleases(rows)
}

func scanReleases(rows *sql.Rows) ([]release.Release, error) {
	out := make([]release.Release, 0)
	for rows.Next() {
		var (
			r                         release.Release
			phase                     string
			triggerJSON, artifactJSON string
			startedAt, finishedAt     string
		)
		if err := rows.Scan(&r.ID, &phase, &r.FailedStage, &r.Error, &r.Host, &triggerJSON, &artifactJSON, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan release row: %w", err)
		}
		p, ok := release.ParsePhase(phase)
		if !ok {
			return nil, fmt.Errorf("release %s: invalid phase %q", r.ID, phase)
		}
		r.Phase = p
		if err := json.Unmarshal([]byte(triggerJSON), &r.Trigger); err != nil {
			return nil, fmt.Errorf("unmarshal trigger of release %s: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(artifactJSON), &r.Artifacts); err != nil {
			return nil, fmt.Errorf("unmarshal artifacts of release %s: %w", r.ID, err)
		}
		var err error
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, fmt.Errorf("release %s started_at: %w", r.ID, err)
		}
		if r.FinishedAt, err = parseTime(finishedAt); err != nil {
			return nil, fmt.Errorf("release %s finished_at: %w", r.ID, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate release rows: %w", err)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
