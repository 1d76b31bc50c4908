package dataset

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/pv/aqua-alert-go/internal/snapshot"
	"github.com/pv/aqua-alert-go/internal/storage"
)

// feedBase — общая часть коллекции, не зависящая от типа записи.
type feedBase struct {
	name   string // имя коллекции и поля снимка
	query  storage.Query
	filter storage.EventFilter
	status FeedStatus
	seq    uint64
}

// feedRunner позволяет ядру менеджера работать с коллекциями разных типов.
// Все методы вызываются под блокировкой менеджера.
type feedRunner interface {
	base() *feedBase
	setRecords(recs []storage.Record) error
	loadCached(bag snapshot.Snapshot) bool
	apply(change storage.Change) (bool, error)
	value() any
	count() int
}

// feed — упорядоченная коллекция записей одной таблицы.
type feed[T any] struct {
	feedBase
	items []T
	idOf  func(T) string
	// place вставляет запись с новым id в нужную позицию.
	place func(items []T, item T) []T
	// sorted: порядок зависит от полей записи, поэтому известная запись
	// при повторной вставке или обновлении переставляется через place.
	sorted bool
}

func (f *feed[T]) base() *feedBase { return &f.feedBase }

func (f *feed[T]) count() int { return len(f.items) }

func (f *feed[T]) value() any {
	if f.items == nil {
		return []T{}
	}
	return f.items
}

func (f *feed[T]) setRecords(recs []storage.Record) error {
	items := make([]T, 0, len(recs))
	for _, rec := range recs {
		var item T
		if err := json.Unmarshal(rec, &item); err != nil {
			return fmt.Errorf("dataset: decode %s row: %w", f.name, err)
		}
		items = append(items, item)
	}
	f.items = items
	return nil
}

func (f *feed[T]) loadCached(bag snapshot.Snapshot) bool {
	var items []T
	if !bag.Decode(f.name, &items) {
		return false
	}
	if items == nil {
		items = []T{}
	}
	f.items = items
	return true
}

func (f *feed[T]) indexOf(id string) int {
	return slices.IndexFunc(f.items, func(item T) bool { return f.idOf(item) == id })
}

// apply применяет событие подписки. Возвращает false, если коллекция не изменилась.
func (f *feed[T]) apply(change storage.Change) (bool, error) {
	var item T
	if err := json.Unmarshal(change.Row(), &item); err != nil {
		return false, fmt.Errorf("dataset: decode %s %s event: %w", f.name, change.Kind, err)
	}
	id := f.idOf(item)
	if id == "" {
		return false, fmt.Errorf("dataset: %s %s event without id", f.name, change.Kind)
	}
	idx := f.indexOf(id)

	switch change.Kind {
	case storage.ChangeInsert:
		if idx >= 0 {
			f.replace(idx, item)
			return true, nil
		}
		f.items = f.place(f.items, item)
		// запись старше всего заполненного окна не попадает в коллекцию
		return f.indexOf(id) >= 0, nil
	case storage.ChangeUpdate:
		if idx < 0 {
			return false, nil
		}
		f.replace(idx, item)
		return true, nil
	case storage.ChangeDelete:
		if idx < 0 {
			return false, nil
		}
		f.items = slices.Delete(f.items, idx, idx+1)
		return true, nil
	default:
		return false, fmt.Errorf("dataset: unknown change kind %q", change.Kind)
	}
}

// replace заменяет запись по индексу. В упорядоченной коллекции запись
// вынимается и вставляется заново, а при заполненном окне может быть вытеснена.
func (f *feed[T]) replace(idx int, item T) {
	if !f.sorted {
		f.items[idx] = item
		return
	}
	f.items = f.place(slices.Delete(f.items, idx, idx+1), item)
}

func prepend[T any](items []T, item T) []T {
	return append([]T{item}, items...)
}

// insertSorted вставляет item перед первым элементом, для которого before(item, x) истинно,
// и обрезает коллекцию до limit (0 — без ограничения).
func insertSorted[T any](items []T, item T, before func(a, b T) bool, limit int) []T {
	idx := len(items)
	for i, existing := range items {
		if before(item, existing) {
			idx = i
			break
		}
	}
	if limit > 0 && idx >= limit {
		return items
	}
	items = slices.Insert(items, idx, item)
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
