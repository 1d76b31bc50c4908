package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/pv/aqua-alert-go/internal/storage"
)

// Source хранит таблицы в памяти и рассылает изменения подписчикам.
// Используется в тестах и в демо-режиме без базы.
type Source struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	tables  map[string][]map[string]any
	subs    map[*subscriber]struct{}
	queries int

	queryErr error
	writeErr error

	// BeforeQuery вызывается перед каждой выборкой (вне блокировки). Ошибка прерывает выборку.
	BeforeQuery func(ctx context.Context, q storage.Query) error
}

// New создаёт пустой источник. clock может быть nil.
func New(clock clockwork.Clock) *Source {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Source{
		clock:  clock,
		tables: map[string][]map[string]any{},
		subs:   map[*subscriber]struct{}{},
	}
}

// Seed добавляет строки без рассылки событий.
func (s *Source) Seed(table string, records ...any) error {
	if err := storage.CheckTable(table); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		row, err := toRow(rec)
		if err != nil {
			return fmt.Errorf("memstore: seed %s: %w", table, err)
		}
		s.tables[table] = append(s.tables[table], row)
	}
	return nil
}

// SetQueryError заставляет все последующие выборки завершаться ошибкой (nil — снять).
func (s *Source) SetQueryError(err error) {
	s.mu.Lock()
	s.queryErr = err
	s.mu.Unlock()
}

// SetWriteError заставляет Insert/Update/Delete завершаться ошибкой (nil — снять).
func (s *Source) SetWriteError(err error) {
	s.mu.Lock()
	s.writeErr = err
	s.mu.Unlock()
}

// Queries возвращает число выполненных вызовов Query.
func (s *Source) Queries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries
}

// Subscribers возвращает число активных подписок.
func (s *Source) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Ping реализует проверку доступности для монитора связи.
func (s *Source) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryErr
}

func (s *Source) Query(ctx context.Context, q storage.Query) ([]storage.Record, error) {
	if err := storage.CheckTable(q.Table); err != nil {
		return nil, storage.Wrap("query", q.Table, err)
	}
	if q.OrderBy != "" {
		if err := storage.CheckColumn(q.Table, q.OrderBy); err != nil {
			return nil, storage.Wrap("query", q.Table, err)
		}
	}

	s.mu.Lock()
	s.queries++
	hook := s.BeforeQuery
	s.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, q); err != nil {
			return nil, storage.Wrap("query", q.Table, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, storage.Wrap("query", q.Table, err)
	}

	s.mu.Lock()
	if s.queryErr != nil {
		err := s.queryErr
		s.mu.Unlock()
		return nil, storage.Wrap("query", q.Table, err)
	}
	rows := make([]map[string]any, len(s.tables[q.Table]))
	copy(rows, s.tables[q.Table])
	s.mu.Unlock()

	if q.OrderBy != "" {
		sort.SliceStable(rows, func(i, j int) bool {
			c := compareValues(rows[i][q.OrderBy], rows[j][q.OrderBy])
			if q.Ascending {
				return c < 0
			}
			return c > 0
		})
	}
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}

	result := make([]storage.Record, 0, len(rows))
	for _, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			return nil, storage.Wrap("query", q.Table, err)
		}
		result = append(result, data)
	}
	return result, nil
}

func (s *Source) Insert(ctx context.Context, table string, values storage.Record) (storage.Record, error) {
	if err := storage.CheckTable(table); err != nil {
		return nil, storage.Wrap("insert", table, err)
	}
	row, err := decodeRow(table, values)
	if err != nil {
		return nil, storage.Wrap("insert", table, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, storage.Wrap("insert", table, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return nil, storage.Wrap("insert", table, s.writeErr)
	}

	now := s.now()
	if id, _ := row["id"].(string); id == "" {
		row["id"] = uuid.NewString()
	}
	for _, col := range []string{"created_at", "updated_at"} {
		if storage.CheckColumn(table, col) == nil && row[col] == nil {
			row[col] = now
		}
	}
	for _, existing := range s.tables[table] {
		if existing["id"] == row["id"] {
			return nil, storage.Wrap("insert", table, fmt.Errorf("duplicate id %v", row["id"]))
		}
	}
	s.tables[table] = append(s.tables[table], row)

	data, err := json.Marshal(row)
	if err != nil {
		return nil, storage.Wrap("insert", table, err)
	}
	s.publishLocked(storage.Change{Kind: storage.ChangeInsert, Table: table, New: data})
	return data, nil
}

func (s *Source) Update(ctx context.Context, table, id string, patch storage.Record) (storage.Record, error) {
	if err := storage.CheckTable(table); err != nil {
		return nil, storage.Wrap("update", table, err)
	}
	changes, err := decodeRow(table, patch)
	if err != nil {
		return nil, storage.Wrap("update", table, err)
	}
	delete(changes, "id")
	if err := ctx.Err(); err != nil {
		return nil, storage.Wrap("update", table, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return nil, storage.Wrap("update", table, s.writeErr)
	}

	rows := s.tables[table]
	for i, row := range rows {
		if row["id"] != id {
			continue
		}
		oldData, err := json.Marshal(row)
		if err != nil {
			return nil, storage.Wrap("update", table, err)
		}
		updated := make(map[string]any, len(row))
		for k, v := range row {
			updated[k] = v
		}
		for k, v := range changes {
			updated[k] = v
		}
		if storage.CheckColumn(table, "updated_at") == nil {
			if _, explicit := changes["updated_at"]; !explicit {
				updated["updated_at"] = s.now()
			}
		}
		rows[i] = updated

		data, err := json.Marshal(updated)
		if err != nil {
			return nil, storage.Wrap("update", table, err)
		}
		s.publishLocked(storage.Change{Kind: storage.ChangeUpdate, Table: table, New: data, Old: oldData})
		return data, nil
	}
	return nil, storage.Wrap("update", table, storage.ErrNotFound)
}

// Delete удаляет строку и рассылает событие Delete.
func (s *Source) Delete(ctx context.Context, table, id string) error {
	if err := storage.CheckTable(table); err != nil {
		return storage.Wrap("delete", table, err)
	}
	if err := ctx.Err(); err != nil {
		return storage.Wrap("delete", table, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return storage.Wrap("delete", table, s.writeErr)
	}
	rows := s.tables[table]
	for i, row := range rows {
		if row["id"] != id {
			continue
		}
		oldData, err := json.Marshal(row)
		if err != nil {
			return storage.Wrap("delete", table, err)
		}
		s.tables[table] = append(rows[:i:i], rows[i+1:]...)
		s.publishLocked(storage.Change{Kind: storage.ChangeDelete, Table: table, Old: oldData})
		return nil
	}
	return storage.Wrap("delete", table, storage.ErrNotFound)
}

func (s *Source) Subscribe(ctx context.Context, table string, filter storage.EventFilter) *storage.Subscription {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscriber{
		table:  table,
		filter: filter,
		out:    make(chan storage.Change),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer close(sub.done)
		sub.pump(subCtx)
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	}()

	return storage.NewSubscription(table, sub.out, cancel, sub.done)
}

// Emit рассылает произвольное событие подписчикам, не меняя таблицы.
// Нужен для сценариев вроде «событие пришло раньше выборки».
func (s *Source) Emit(change storage.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishLocked(change)
}

func (s *Source) publishLocked(change storage.Change) {
	for sub := range s.subs {
		if sub.table != change.Table || !sub.filter.Match(change.Kind) {
			continue
		}
		sub.push(change)
	}
}

func (s *Source) now() string {
	return s.clock.Now().UTC().Format(time.RFC3339Nano)
}

// subscriber буферизует события без ограничения, чтобы запись не блокировалась на медленном читателе.
type subscriber struct {
	table  string
	filter storage.EventFilter
	out    chan storage.Change
	signal chan struct{}
	done   chan struct{}

	mu    sync.Mutex
	queue []storage.Change
}

func (sub *subscriber) push(change storage.Change) {
	sub.mu.Lock()
	sub.queue = append(sub.queue, change)
	sub.mu.Unlock()
	select {
	case sub.signal <- struct{}{}:
	default:
	}
}

func (sub *subscriber) pump(ctx context.Context) {
	defer close(sub.out)
	for {
		sub.mu.Lock()
		if len(sub.queue) == 0 {
			sub.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-sub.signal:
			}
			continue
		}
		next := sub.queue[0]
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case sub.out <- next:
		}
	}
}

func toRow(rec any) (map[string]any, error) {
	var data []byte
	switch v := rec.(type) {
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	default:
		var err error
		data, err = json.Marshal(rec)
		if err != nil {
			return nil, err
		}
	}
	row := map[string]any{}
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, err
	}
	return row, nil
}

func decodeRow(table string, data storage.Record) (map[string]any, error) {
	row, err := toRow(data)
	if err != nil {
		return nil, err
	}
	for col := range row {
		if err := storage.CheckColumn(table, col); err != nil {
			return nil, err
		}
	}
	return row, nil
}

// compareValues сравнивает значения колонок из JSON: числа, строки (RFC3339 как время), bool.
// nil меньше любого значения.
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	switch av := a.(type) {
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case string:
		if bv, ok := b.(string); ok {
			at, aErr := time.Parse(time.RFC3339Nano, av)
			bt, bErr := time.Parse(time.RFC3339Nano, bv)
			if aErr == nil && bErr == nil {
				return at.Compare(bt)
			}
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0
			case !av:
				return -1
			}
			return 1
		}
	}
	return 0
}
