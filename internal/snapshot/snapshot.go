package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Snapshot — последний успешно загруженный набор коллекций одного датасета.
// Ключи — имена полей (sensors, readings, alerts), значения — сериализованные записи.
type Snapshot map[string]json.RawMessage

// Has сообщает, есть ли в снимке поле.
func (s Snapshot) Has(field string) bool {
	_, ok := s[field]
	return ok
}

// Decode разбирает поле в v. Возвращает false, если поля нет или оно не разбирается.
func (s Snapshot) Decode(field string, v any) bool {
	raw, ok := s[field]
	if !ok {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}

// With возвращает копию снимка, в которой поле field заменено на v.
func (s Snapshot) With(field string, v any) (Snapshot, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("snapshot: encode %s: %w", field, err)
	}
	out := s.Clone()
	if out == nil {
		out = Snapshot{}
	}
	out[field] = data
	return out, nil
}

// Clone делает глубокую копию.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Store — персистентный кэш снимков по ключу датасета.
type Store interface {
	// Load возвращает снимок или false, если его нет либо он повреждён.
	Load(ctx context.Context, key string) (Snapshot, bool)
	// Save перезаписывает снимок ключа.
	Save(ctx context.Context, key string, snap Snapshot) error
	// Clear удаляет снимок ключа.
	Clear(ctx context.Context, key string) error
}

// CacheError — нефатальная ошибка записи или очистки кэша.
type CacheError struct {
	Op  string
	Key string
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// Memory хранит снимки в памяти процесса.
type Memory struct {
	mu    sync.Mutex
	items map[string]Snapshot
	err   error
}

func NewMemory() *Memory {
	return &Memory{items: map[string]Snapshot{}}
}

// SetSaveError заставляет Save и Clear возвращать ошибку (nil — снять).
func (m *Memory) SetSaveError(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *Memory) Load(_ context.Context, key string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.items[key]
	if !ok {
		return nil, false
	}
	return snap.Clone(), true
}

func (m *Memory) Save(_ context.Context, key string, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return &CacheError{Op: "save", Key: key, Err: m.err}
	}
	m.items[key] = snap.Clone()
	return nil
}

func (m *Memory) Clear(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return &CacheError{Op: "clear", Key: key, Err: m.err}
	}
	delete(m.items, key)
	return nil
}
