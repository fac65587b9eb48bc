package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"tickerwire/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Config configures the sqlite backend.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means 5s
	Retention   time.Duration // 0 means 30 days
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	retention time.Duration

	// Opportunistic prune cadence: every pruneEvery writes.
	opCount    atomic.Uint64
	pruneEvery uint64
}

// Open initializes the sqlite-backed store, running migrations and an
// initial retention prune.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; readers go through WAL snapshots, so
	// concurrent HasSeen calls never block indefinitely on a committing job.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	retention := cfg.Retention
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}

	st := &sqliteStore{db: db, log: log, retention: retention, pruneEvery: 256}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if n, err := st.PruneBefore(context.Background(), time.Now().Add(-retention)); err == nil && n > 0 {
		log.Debug("pruned expired delivery records", logx.Int64("rows", n))
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) HasSeen(ctx context.Context, sourceID, itemKey string) (bool, error) {
	query, args, err := sq.Select("1").
		From("deliveries").
		Where(sq.Eq{"source_id": sourceID, "item_key": itemKey}).
		Limit(1).
		ToSql()
	if err != nil {
		return false, err
	}
	var one int
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has seen: %w", err)
	}
	return true, nil
}

func (s *sqliteStore) SeenKeys(ctx context.Context, sourceID string) (map[string]struct{}, error) {
	query, args, err := sq.Select("item_key").
		From("deliveries").
		Where(sq.Eq{"source_id": sourceID}).
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("seen keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]struct{})
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys[k] = struct{}{}
	}
	return keys, rows.Err()
}

// MarkSeen inserts the record. The PRIMARY KEY on (source_id, item_key)
// makes the racing second insert a no-op, which we surface as
// ErrAlreadySeen instead of inspecting driver error codes.
func (s *sqliteStore) MarkSeen(ctx context.Context, rec DeliveryRecord) error {
	if rec.SourceID == "" || rec.ItemKey == "" {
		return errors.New("mark seen: source_id and item_key are required")
	}
	at := rec.DeliveredAt
	if at.IsZero() {
		at = time.Now()
	}
	query, args, err := sq.Insert("deliveries").
		Options("OR IGNORE").
		Columns("source_id", "item_key", "title", "delivered_at").
		Values(rec.SourceID, rec.ItemKey, nullStr(rec.Title), at.UTC().Format(time.RFC3339Nano)).
		ToSql()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	if n == 0 {
		return ErrAlreadySeen
	}
	s.maybePrune()
	return nil
}

func (s *sqliteStore) AppendRun(ctx context.Context, rec RunRecord) error {
	skipped := 0
	if rec.Skipped {
		skipped = 1
	}
	at := rec.StartedAt
	if at.IsZero() {
		at = time.Now()
	}
	query, args, err := sq.Insert("runs").
		Columns("source_id", "started_at", "dur_ms", "sent", "failed", "skipped", "err").
		Values(rec.SourceID, at.UTC().Format(time.RFC3339Nano), rec.Duration.Milliseconds(),
			rec.Sent, rec.Failed, skipped, nullStr(rec.Error)).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("append run: %w", err)
	}
	s.maybePrune()
	return nil
}

func (s *sqliteStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	mark := cutoff.UTC().Format(time.RFC3339Nano)
	var total int64
	for _, table := range []string{"deliveries", "runs"} {
		col := "delivered_at"
		if table == "runs" {
			col = "started_at"
		}
		query, args, err := sq.Delete(table).Where(sq.Lt{col: mark}).ToSql()
		if err != nil {
			return total, err
		}
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", table, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}

func (s *sqliteStore) maybePrune() {
	if s.opCount.Add(1)%s.pruneEvery != 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := s.PruneBefore(ctx, time.Now().Add(-s.retention)); err != nil {
		s.log.Debug("opportunistic prune failed", logx.Err(err))
	}
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
