package dataset

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/pv/aqua-alert-go/internal/model"
)

// State — состояние загрузки одной коллекции.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateLoading       State = "loading"
	StateReady         State = "ready"
	StateStale         State = "stale"
	StateError         State = "error"
	StateClosed        State = "closed"
)

// FeedStatus описывает коллекцию одной таблицы.
type FeedStatus struct {
	State     State     `json:"state"`
	Error     string    `json:"error,omitempty"`
	Count     int       `json:"count"`
	FromCache bool      `json:"from_cache"`
	LoadedAt  time.Time `json:"loaded_at,omitzero"`
}

// Status — сводное состояние менеджера.
type Status struct {
	Dataset string                `json:"dataset"`
	Online  bool                  `json:"online"`
	Feeds   map[string]FeedStatus `json:"feeds"`
}

// Error возвращает первую ошибку загрузки среди коллекций или пустую строку.
func (s Status) Error() string {
	for _, fs := range s.Feeds {
		if fs.Error != "" {
			return fs.Error
		}
	}
	return ""
}

// Event — применённое изменение коллекции. Kind: INSERT, UPDATE, DELETE или reset
// после загрузки коллекции целиком.
type Event struct {
	Dataset string          `json:"dataset"`
	Feed    string          `json:"feed"`
	Kind    string          `json:"kind"`
	Record  json.RawMessage `json:"record,omitempty"`
}

// EventReset сообщает, что коллекция заменена целиком.
const EventReset = "reset"

// Listener получает события под блокировкой менеджера: не должен блокироваться
// и обращаться к менеджеру.
type Listener func(Event)

// ErrClosed возвращается при обращении к закрытому менеджеру.
var ErrClosed = errors.New("dataset: manager closed")

// WriteResult — итог записи: сохранённое предупреждение либо текст ошибки.
// Err хранит исходную ошибку для сопоставления через errors.Is/As.
type WriteResult struct {
	Alert *model.HazardAlert `json:"data,omitempty"`
	Error string             `json:"error,omitempty"`
	Err   error              `json:"-"`
}

// OK сообщает об успешной записи.
func (r WriteResult) OK() bool { return r.Error == "" }
