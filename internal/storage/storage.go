package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Record — одна строка таблицы в JSON-представлении (имена колонок как ключи).
type Record = json.RawMessage

// Query задаёт точечную выборку упорядоченной коллекции.
type Query struct {
	Table     string
	OrderBy   string
	Ascending bool
	Limit     int // 0 — без ограничения
}

// ChangeKind — тип изменения строки.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeUpdate ChangeKind = "UPDATE"
	ChangeDelete ChangeKind = "DELETE"
)

// ParseChangeKind разбирает тип изменения без учёта регистра.
func ParseChangeKind(raw string) (ChangeKind, error) {
	switch kind := ChangeKind(strings.ToUpper(strings.TrimSpace(raw))); kind {
	case ChangeInsert, ChangeUpdate, ChangeDelete:
		return kind, nil
	default:
		return "", fmt.Errorf("storage: unknown change kind %q", raw)
	}
}

// Change — одно событие push-подписки. Для Delete заполнен только Old.
type Change struct {
	Kind  ChangeKind `json:"type"`
	Table string     `json:"table"`
	New   Record     `json:"new,omitempty"`
	Old   Record     `json:"old,omitempty"`
}

// Row возвращает актуальное представление строки: New, а для Delete — Old.
func (c Change) Row() Record {
	if c.Kind == ChangeDelete || len(c.New) == 0 {
		return c.Old
	}
	return c.New
}

// EventFilter ограничивает типы событий подписки.
type EventFilter string

const (
	FilterInsert EventFilter = "insert"
	FilterUpdate EventFilter = "update"
	FilterDelete EventFilter = "delete"
	FilterAll    EventFilter = "*"
)

// Match сообщает, пропускает ли фильтр событие данного типа.
func (f EventFilter) Match(kind ChangeKind) bool {
	switch f {
	case FilterAll, "":
		return true
	default:
		return strings.EqualFold(string(f), string(kind))
	}
}

// Source — удалённый источник данных с realtime-подпиской (Postgres, ClickHouse, memstore...).
type Source interface {
	// Query возвращает упорядоченную выборку строк таблицы.
	Query(ctx context.Context, q Query) ([]Record, error)
	// Subscribe регистрирует подписку и сразу возвращается; события приходят асинхронно.
	Subscribe(ctx context.Context, table string, filter EventFilter) *Subscription
	// Insert добавляет строку и возвращает сохранённый вариант.
	Insert(ctx context.Context, table string, values Record) (Record, error)
	// Update меняет строку с заданным id и возвращает сохранённый вариант.
	Update(ctx context.Context, table, id string, patch Record) (Record, error)
}

// Subscription — живой поток изменений одной таблицы.
type Subscription struct {
	table  string
	events <-chan Change
	cancel context.CancelFunc
	done   <-chan struct{}
	once   sync.Once
}

// NewSubscription связывает канал событий с функцией отмены.
// done закрывается, когда продюсер полностью остановился (может быть nil).
func NewSubscription(table string, events <-chan Change, cancel context.CancelFunc, done <-chan struct{}) *Subscription {
	return &Subscription{table: table, events: events, cancel: cancel, done: done}
}

// Table возвращает имя таблицы подписки.
func (s *Subscription) Table() string { return s.table }

// Events возвращает канал событий; он закрывается после Cancel.
func (s *Subscription) Events() <-chan Change { return s.events }

// Cancel останавливает доставку и освобождает ресурсы. Повторный вызов безопасен.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.done != nil {
			<-s.done
		}
	})
}

var (
	// ErrNotFound — строка с указанным id отсутствует.
	ErrNotFound = errors.New("record not found")
	// ErrReadOnly — источник не поддерживает запись.
	ErrReadOnly = errors.New("source is read-only")
)

// RemoteError — ошибка транспорта или авторизации удалённого источника.
type RemoteError struct {
	Op    string
	Table string
	Err   error
}

func (e *RemoteError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("remote: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("remote: %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// Wrap оборачивает err в RemoteError; nil и уже обёрнутые ошибки возвращаются как есть.
func Wrap(op, table string, err error) error {
	if err == nil {
		return nil
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return err
	}
	return &RemoteError{Op: op, Table: table, Err: err}
}
