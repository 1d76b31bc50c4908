package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-faster/city"
	_ "modernc.org/sqlite"

	"github.com/pv/aqua-alert-go/internal/snapshot"
)

const snapshotsTable = "snapshots"

type Config struct {
	Source  string
	WAL     bool // PRAGMA journal_mode=WAL
	SyncOff bool // PRAGMA synchronous=OFF
	Logger  *log.Logger
}

// Store хранит снимки датасетов в файле SQLite, по строке на ключ.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Source == "" {
		return nil, fmt.Errorf("sqlite: database path is empty")
	}
	db, err := sql.Open("sqlite", NormalizeSource(cfg.Source))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// modernc sqlite не любит параллельных писателей на одном файле
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	store := &Store{db: db, logger: logger}
	if err := store.applyPragmas(ctx, cfg); err != nil {
		db.Close()
		return nil, err
	}
	if err := store.ensureTable(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

func (s *Store) Load(ctx context.Context, key string) (snapshot.Snapshot, bool) {
	var payload []byte
	var checksum int64
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, checksum FROM `+snapshotsTable+` WHERE key = ?`, key).Scan(&payload, &checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false
	}
	if err != nil {
		s.logger.Printf("[snapshot] load %s: %v", key, err)
		return nil, false
	}
	if int64(city.Hash64(payload)) != checksum {
		s.logger.Printf("[snapshot] load %s: checksum mismatch, ignoring cached snapshot", key)
		return nil, false
	}
	snap, err := decode(payload)
	if err != nil {
		s.logger.Printf("[snapshot] load %s: %v, ignoring cached snapshot", key, err)
		return nil, false
	}
	return snap, true
}

func (s *Store) Save(ctx context.Context, key string, snap snapshot.Snapshot) error {
	payload, err := encode(snap)
	if err != nil {
		return &snapshot.CacheError{Op: "save", Key: key, Err: err}
	}
	_, err = s.db.ExecContext(ctx, upsertSQL, key, payload, int64(city.Hash64(payload)), time.Now().UnixMilli())
	if err != nil {
		return &snapshot.CacheError{Op: "save", Key: key, Err: fmt.Errorf("sqlite: upsert: %w", err)}
	}
	return nil
}

func (s *Store) Clear(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM `+snapshotsTable+` WHERE key = ?`, key); err != nil {
		return &snapshot.CacheError{Op: "clear", Key: key, Err: fmt.Errorf("sqlite: delete: %w", err)}
	}
	return nil
}

// SavedAt возвращает момент последней записи ключа (zero, если записи нет).
func (s *Store) SavedAt(ctx context.Context, key string) (time.Time, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT saved_at FROM `+snapshotsTable+` WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: saved_at: %w", err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (s *Store) applyPragmas(ctx context.Context, cfg Config) error {
	var pragmas []string
	if cfg.WAL {
		pragmas = append(pragmas, `PRAGMA journal_mode=WAL`)
	}
	if cfg.SyncOff {
		pragmas = append(pragmas, `PRAGMA synchronous=OFF`)
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("sqlite: %s: %w", p, err)
		}
	}
	return nil
}

func (s *Store) ensureTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+snapshotsTable+`(
	key TEXT PRIMARY KEY,
	payload BLOB NOT NULL,
	checksum INTEGER NOT NULL,
	saved_at INTEGER NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("sqlite: init snapshots table: %w", err)
	}
	return nil
}

const upsertSQL = `
INSERT INTO ` + snapshotsTable + `(key, payload, checksum, saved_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	payload = excluded.payload,
	checksum = excluded.checksum,
	saved_at = excluded.saved_at;
`

func IsSource(src string) bool {
	if src == "" {
		return false
	}
	lower := strings.ToLower(src)
	switch {
	case strings.HasPrefix(lower, "sqlite://"),
		strings.HasPrefix(lower, "file:"),
		strings.HasSuffix(lower, ".db"),
		src == ":memory:":
		return true
	default:
		return false
	}
}

func NormalizeSource(src string) string {
	if strings.HasPrefix(src, "sqlite://") {
		return strings.TrimPrefix(src, "sqlite://")
	}
	return src
}
