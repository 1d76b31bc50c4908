package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pv/aqua-alert-go/internal/storage"
)

const (
	minBackoff = 200 * time.Millisecond
	maxBackoff = 5 * time.Second

	// subscriptionBuffer — ёмкость канала событий одной подписки.
	subscriptionBuffer = 64
)

type Config struct {
	ConnString string
	MaxConns   int32
	Logger     *log.Logger
}

// Store — источник данных поверх Postgres: выборки через row_to_json,
// запись через json_populate_record, изменения через LISTEN/NOTIFY.
type Store struct {
	pool   *pgxpool.Pool
	logger *log.Logger
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.ConnString == "" {
		return nil, fmt.Errorf("postgres: connection string is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	// row_to_json форматирует timestamptz в часовом поясе сессии
	poolCfg.ConnConfig.RuntimeParams["timezone"] = "UTC"

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	s := &Store{pool: pool, logger: logger}
	if err := s.checkTimezone(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// checkTimezone проверяет, что сессии работают в UTC.
func (s *Store) checkTimezone(ctx context.Context) error {
	var tz string
	if err := s.pool.QueryRow(ctx, "SHOW timezone").Scan(&tz); err != nil {
		return fmt.Errorf("postgres: check timezone: %w", err)
	}
	if tz != "UTC" && tz != "Etc/UTC" {
		s.logger.Printf("[postgres] WARNING: session timezone is %q, expected UTC", tz)
	}
	return nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping проверяет доступность сервера.
func (s *Store) Ping(ctx context.Context) error {
	return storage.Wrap("ping", "", s.pool.Ping(ctx))
}

func (s *Store) Query(ctx context.Context, q storage.Query) ([]storage.Record, error) {
	sql, args, err := buildSelect(q)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, storage.Wrap("query", q.Table, err)
	}
	defer rows.Close()

	var out []storage.Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, storage.Wrap("query", q.Table, err)
		}
		out = append(out, storage.Record(raw))
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap("query", q.Table, err)
	}
	return out, nil
}

func (s *Store) Insert(ctx context.Context, table string, values storage.Record) (storage.Record, error) {
	cols, err := payloadColumns(table, values, false)
	if err != nil {
		return nil, err
	}
	var raw string
	if err := s.pool.QueryRow(ctx, buildInsert(table, cols), string(values)).Scan(&raw); err != nil {
		return nil, storage.Wrap("insert", table, err)
	}
	return storage.Record(raw), nil
}

func (s *Store) Update(ctx context.Context, table, id string, patch storage.Record) (storage.Record, error) {
	cols, err := payloadColumns(table, patch, true)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("postgres: update %s: empty patch", table)
	}
	var raw string
	err = s.pool.QueryRow(ctx, buildUpdate(table, cols), id, string(patch)).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.Wrap("update", table, storage.ErrNotFound)
	}
	if err != nil {
		return nil, storage.Wrap("update", table, err)
	}
	return storage.Record(raw), nil
}

// Subscribe слушает канал changes_<table>. При обрыве соединения подписка
// переподключается с экспоненциальной задержкой; события за время обрыва теряются.
func (s *Store) Subscribe(ctx context.Context, table string, filter storage.EventFilter) *storage.Subscription {
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan storage.Change, subscriptionBuffer)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer close(out)
		if err := storage.CheckTable(table); err != nil {
			s.logger.Printf("[postgres] subscribe: %v", err)
			return
		}
		s.listen(ctx, table, filter, out)
	}()
	return storage.NewSubscription(table, out, cancel, done)
}

func (s *Store) listen(ctx context.Context, table string, filter storage.EventFilter, out chan<- storage.Change) {
	backoff := minBackoff
	for {
		err := s.listenOnce(ctx, table, filter, out, func() { backoff = minBackoff })
		if ctx.Err() != nil {
			return
		}
		s.logger.Printf("[postgres] listen %s: %v; reconnecting in %s", table, err, backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff)
	}
}

func (s *Store) listenOnce(ctx context.Context, table string, filter storage.EventFilter, out chan<- storage.Change, connected func()) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer func() {
		if needsUnlisten(ctx, conn.Conn().IsClosed()) {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if _, err := conn.Exec(cleanupCtx, "UNLISTEN *"); err != nil {
				s.logger.Printf("[postgres] unlisten %s: %v", table, err)
			}
		}
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+channelName(table)); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	connected()
	s.logger.Printf("[postgres] listening on %s", channelName(table))

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		change, id, ok, err := decodeNotification(n, filter)
		if err != nil {
			s.logger.Printf("[postgres] %s: skip notification: %v", table, err)
			continue
		}
		if !ok {
			continue
		}
		if change.Kind != storage.ChangeDelete {
			row, found, err := fetchRow(ctx, conn.Conn(), change.Table, id)
			if err != nil {
				return fmt.Errorf("fetch %s %s: %w", change.Table, id, err)
			}
			if !found {
				// строку уже удалили, событие DELETE придёт следом
				continue
			}
			change.New = row
		}
		select {
		case out <- change:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// needsUnlisten: отменённый WaitForNotification закрывает соединение,
// и UNLISTEN на нём только даёт ошибку в логе.
func needsUnlisten(ctx context.Context, closed bool) bool {
	return ctx.Err() == nil && !closed
}

func channelName(table string) string {
	return pgx.Identifier{"changes_" + table}.Sanitize()
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

type notification struct {
	Type  string `json:"type"`
	Table string `json:"table"`
	ID    string `json:"id"`
}

// decodeNotification разбирает payload триггера aqua_notify_change. ok=false —
// событие отфильтровано. Для DELETE Old содержит только id, для INSERT и UPDATE
// строку нужно выбрать по id.
func decodeNotification(n *pgconn.Notification, filter storage.EventFilter) (storage.Change, string, bool, error) {
	var msg notification
	if err := json.Unmarshal([]byte(n.Payload), &msg); err != nil {
		return storage.Change{}, "", false, fmt.Errorf("decode payload: %w", err)
	}
	kind, err := storage.ParseChangeKind(msg.Type)
	if err != nil {
		return storage.Change{}, "", false, err
	}
	if msg.ID == "" {
		return storage.Change{}, "", false, fmt.Errorf("%s notification without id", msg.Type)
	}
	if err := storage.CheckTable(msg.Table); err != nil {
		return storage.Change{}, "", false, err
	}
	if !filter.Match(kind) {
		return storage.Change{}, "", false, nil
	}
	change := storage.Change{Kind: kind, Table: msg.Table}
	if kind == storage.ChangeDelete {
		old, err := json.Marshal(map[string]string{"id": msg.ID})
		if err != nil {
			return storage.Change{}, "", false, err
		}
		change.Old = storage.Record(old)
	}
	return change, msg.ID, true, nil
}

// rowQuerier — то, что нужно fetchRow от соединения.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// fetchRow выбирает текущий образ строки. found=false — строки уже нет.
func fetchRow(ctx context.Context, q rowQuerier, table, id string) (storage.Record, bool, error) {
	var raw string
	err := q.QueryRow(ctx, buildSelectByID(table), id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return storage.Record(raw), true, nil
}

func buildSelectByID(table string) string {
	return fmt.Sprintf("SELECT row_to_json(t)::text FROM %s AS t WHERE t.id::text = $1", pgx.Identifier{table}.Sanitize())
}

func buildSelect(q storage.Query) (string, []any, error) {
	if err := storage.CheckColumn(q.Table, q.OrderBy); err != nil {
		return "", nil, err
	}
	dir := "DESC"
	if q.Ascending {
		dir = "ASC"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT row_to_json(t)::text FROM %s AS t ORDER BY t.%s %s",
		pgx.Identifier{q.Table}.Sanitize(), pgx.Identifier{q.OrderBy}.Sanitize(), dir)
	var args []any
	if q.Limit > 0 {
		b.WriteString(" LIMIT $1")
		args = append(args, q.Limit)
	}
	return b.String(), args, nil
}

// payloadColumns возвращает отсортированные колонки JSON-объекта, проверяя их по схеме.
func payloadColumns(table string, payload storage.Record, skipID bool) ([]string, error) {
	if err := storage.CheckTable(table); err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("postgres: decode %s payload: %w", table, err)
	}
	cols := make([]string, 0, len(fields))
	for name := range fields {
		if skipID && name == "id" {
			continue
		}
		if err := storage.CheckColumn(table, name); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	sort.Strings(cols)
	return cols, nil
}

// buildInsert строит вставку; отсутствующие в payload колонки получают значения по умолчанию.
func buildInsert(table string, cols []string) string {
	tbl := pgx.Identifier{table}.Sanitize()
	if len(cols) == 0 {
		return fmt.Sprintf("INSERT INTO %s AS x DEFAULT VALUES RETURNING row_to_json(x)::text", tbl)
	}
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	list := strings.Join(quoted, ", ")
	return fmt.Sprintf(
		"INSERT INTO %s AS x (%s) SELECT %s FROM json_populate_record(NULL::%s, $1::json) RETURNING row_to_json(x)::text",
		tbl, list, list, tbl)
}

func buildUpdate(table string, cols []string) string {
	tbl := pgx.Identifier{table}.Sanitize()
	sets := make([]string, len(cols))
	for i, c := range cols {
		col := pgx.Identifier{c}.Sanitize()
		sets[i] = col + " = p." + col
	}
	return fmt.Sprintf(
		"UPDATE %s AS x SET %s FROM json_populate_record(NULL::%s, $2::json) AS p WHERE x.id::text = $1 RETURNING row_to_json(x)::text",
		tbl, strings.Join(sets, ", "), tbl)
}

func IsPostgresURL(db string) bool {
	return strings.HasPrefix(db, "postgres://") || strings.HasPrefix(db, "postgresql://")
}
