package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/warreth/OpenlibExtended-sub001/internal/logging"

	_ "modernc.org/sqlite"
)

// InstanceRow represents a row in the instances table.
type InstanceRow struct {
	Name        string    `json:"name"`
	BaseURL     string    `json:"base_url"`
	Enabled     bool      `json:"enabled"`
	Rank        int       `json:"rank"`
	LatencyMS   int64     `json:"latency_ms"` // -1 when never measured or unreachable
	LastProbed  time.Time `json:"last_probed"`
	UserDefined bool      `json:"user_defined"`
}

// ProviderRow represents a row in the dns_providers table.
type ProviderRow struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Custom bool   `json:"custom"`
}

// Well-known settings keys.
const (
	SettingDonationKey     = "donation_key"
	SettingCurrentProvider = "current_dns_provider"
	SettingDoHEnabled      = "doh_enabled"
	SettingLastRankedAt    = "last_ranked_at"
)

// Store wraps an sql.DB and provides typed helpers for the preference data
// that survives restarts: archive instances, DoH providers and settings.
// In-flight download tasks are deliberately not persisted.
type Store struct {
	db *sql.DB

	subMu sync.RWMutex
	subs  map[chan ChangeEvent]struct{}
}

type ChangeType string

const (
	ChangeInstances ChangeType = "instances"
	ChangeProviders ChangeType = "providers"
	ChangeSettings  ChangeType = "settings"
)

type ChangeEvent struct {
	Type ChangeType
	Name string // affected row name, "" means "resync needed"
}

// Open opens or creates a SQLite database at the given path and ensures schema.
func Open(path string) (*Store, error) {
	// Pragmas: busy timeout and WAL for better concurrency.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// Conservative limits.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{
		db:   db,
		subs: make(map[chan ChangeEvent]struct{}),
	}, nil
}

func initSchema(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS instances (
    name TEXT PRIMARY KEY,
    base_url TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    rank INTEGER NOT NULL DEFAULT 0,
    latency_ms INTEGER NOT NULL DEFAULT -1,
    last_probed TIMESTAMP,
    user_defined INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS dns_providers (
    name TEXT PRIMARY KEY,
    url TEXT NOT NULL,
    custom INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_instances_rank ON instances(rank);
`
	_, err := db.Exec(ddl)
	return err
}

// Close closes the underlying DB.
func (s *Store) Close() error { return s.db.Close() }

// SubscribeChanges subscribes to mutation events.
// The returned unsubscribe function must be called to avoid leaks.
func (s *Store) SubscribeChanges(buffer int) (<-chan ChangeEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan ChangeEvent, buffer)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	unsubscribe := func() {
		s.subMu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
		}
		s.subMu.Unlock()
	}
	return ch, unsubscribe
}

func (s *Store) emitChange(evt ChangeEvent) {
	s.subMu.RLock()
	targets := make([]chan ChangeEvent, 0, len(s.subs))
	for ch := range s.subs {
		targets = append(targets, ch)
	}
	s.subMu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- evt:
		default:
			// Channel is saturated; collapse to a single resync event.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ChangeEvent{Type: evt.Type, Name: ""}:
			default:
			}
		}
	}
}

// UpsertInstance inserts or updates an instance row keyed by name.
func (s *Store) UpsertInstance(ctx context.Context, row InstanceRow) error {
	if strings.TrimSpace(row.Name) == "" {
		return ErrEmptyName
	}
	if strings.TrimSpace(row.BaseURL) == "" {
		return ErrEmptyURL
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO instances (name, base_url, enabled, rank, latency_ms, last_probed, user_defined)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
    base_url = excluded.base_url,
    enabled = excluded.enabled,
    rank = excluded.rank,
    latency_ms = excluded.latency_ms,
    last_probed = excluded.last_probed`,
		row.Name, row.BaseURL, boolToInt(row.Enabled), row.Rank,
		row.LatencyMS, nullableTime(row.LastProbed), boolToInt(row.UserDefined))
	logging.LogDBOperation("upsert_instance", err)
	if err != nil {
		return err
	}
	s.emitChange(ChangeEvent{Type: ChangeInstances, Name: row.Name})
	return nil
}

// ListInstances returns all instance rows ordered by ascending rank.
func (s *Store) ListInstances(ctx context.Context) ([]InstanceRow, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT name, base_url, enabled, rank, latency_ms, last_probed, user_defined
FROM instances ORDER BY rank ASC, name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]InstanceRow, 0, 8)
	for rows.Next() {
		var (
			r       InstanceRow
			enabled int
			user    int
			probed  sql.NullTime
		)
		if err := rows.Scan(&r.Name, &r.BaseURL, &enabled, &r.Rank, &r.LatencyMS, &probed, &user); err != nil {
			return nil, err
		}
		r.Enabled = enabled != 0
		r.UserDefined = user != 0
		if probed.Valid {
			r.LastProbed = probed.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetInstanceEnabled toggles the enabled flag for one instance.
func (s *Store) SetInstanceEnabled(ctx context.Context, name string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE instances SET enabled = ? WHERE name = ?`, boolToInt(enabled), name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	s.emitChange(ChangeEvent{Type: ChangeInstances, Name: name})
	return nil
}

// SaveRanking persists a full ranking pass atomically: for each row the rank,
// latency and probe time are updated in one transaction.
func (s *Store) SaveRanking(ctx context.Context, rowsIn []InstanceRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
UPDATE instances SET rank = ?, latency_ms = ?, last_probed = ? WHERE name = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rowsIn {
		if _, err := stmt.ExecContext(ctx, r.Rank, r.LatencyMS, nullableTime(r.LastProbed), r.Name); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	logging.LogDBOperation("save_ranking", nil)
	s.emitChange(ChangeEvent{Type: ChangeInstances, Name: ""})
	return nil
}

// AddProvider appends a DoH provider row. Built-in providers are seeded with
// custom = false; user entries must set custom = true.
func (s *Store) AddProvider(ctx context.Context, row ProviderRow) error {
	if strings.TrimSpace(row.Name) == "" {
		return ErrEmptyName
	}
	if strings.TrimSpace(row.URL) == "" {
		return ErrEmptyURL
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO dns_providers (name, url, custom) VALUES (?, ?, ?)
ON CONFLICT(name) DO UPDATE SET url = excluded.url`,
		row.Name, row.URL, boolToInt(row.Custom))
	logging.LogDBOperation("add_provider", err)
	if err != nil {
		return err
	}
	s.emitChange(ChangeEvent{Type: ChangeProviders, Name: row.Name})
	return nil
}

// ListProviders returns all providers, built-ins first, then customs by name.
func (s *Store) ListProviders(ctx context.Context) ([]ProviderRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, url, custom FROM dns_providers ORDER BY custom ASC, name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ProviderRow, 0, 8)
	for rows.Next() {
		var (
			r      ProviderRow
			custom int
		)
		if err := rows.Scan(&r.Name, &r.URL, &custom); err != nil {
			return nil, err
		}
		r.Custom = custom != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetSetting returns the value for key, or "" when unset.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetSetting stores a settings key/value pair.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyName
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO settings (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	logging.LogDBOperation("set_setting", err)
	if err != nil {
		return err
	}
	s.emitChange(ChangeEvent{Type: ChangeSettings, Name: key})
	return nil
}

// LastRankedAt reads the persisted timestamp of the last ranking pass.
// The zero time is returned when no pass has ever run.
func (s *Store) LastRankedAt(ctx context.Context) (time.Time, error) {
	raw, err := s.GetSetting(ctx, SettingLastRankedAt)
	if err != nil || raw == "" {
		return time.Time{}, err
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		// Unparseable value is treated as never ranked.
		return time.Time{}, nil
	}
	return ts, nil
}

// SetLastRankedAt persists the timestamp of a completed ranking pass.
func (s *Store) SetLastRankedAt(ctx context.Context, ts time.Time) error {
	return s.SetSetting(ctx, SettingLastRankedAt, ts.UTC().Format(time.RFC3339))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
