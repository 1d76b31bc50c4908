package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/pv/aqua-alert-go/internal/model"
	"github.com/pv/aqua-alert-go/internal/storage"
)

const (
	// AlertsKey — ключ датасета предупреждений.
	AlertsKey  = "alerts"
	FeedAlerts = "alerts"
)

// AlertStatus — фильтр списка предупреждений по активности.
type AlertStatus string

const (
	AlertStatusAll      AlertStatus = "all"
	AlertStatusActive   AlertStatus = "active"
	AlertStatusResolved AlertStatus = "resolved"
)

// ParseAlertStatus разбирает фильтр; пустая строка означает all.
func ParseAlertStatus(raw string) (AlertStatus, error) {
	switch s := AlertStatus(raw); s {
	case "", AlertStatusAll:
		return AlertStatusAll, nil
	case AlertStatusActive, AlertStatusResolved:
		return s, nil
	default:
		return "", &model.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", raw)}
	}
}

// AlertManager держит предупреждения в порядке убывания created_at.
type AlertManager struct {
	core
	alerts *feed[model.HazardAlert]
}

func NewAlertManager(opts Options) *AlertManager {
	m := &AlertManager{
		alerts: &feed[model.HazardAlert]{
			feedBase: feedBase{
				name:   FeedAlerts,
				query:  storage.Query{Table: model.TableAlerts, OrderBy: "created_at"},
				filter: storage.FilterAll,
			},
			idOf:  func(a model.HazardAlert) string { return a.ID },
			place: prepend[model.HazardAlert],
		},
	}
	m.init(AlertsKey, opts)
	m.feeds = []feedRunner{m.alerts}
	return m
}

// Alerts возвращает копию всех предупреждений.
func (m *AlertManager) Alerts() []model.HazardAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.alerts.items)
}

// Alert ищет предупреждение по id.
func (m *AlertManager) Alert(id string) (model.HazardAlert, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.alerts.indexOf(id)
	if idx < 0 {
		return model.HazardAlert{}, false
	}
	return m.alerts.items[idx], true
}

func (m *AlertManager) filter(keep func(model.HazardAlert) bool) []model.HazardAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.HazardAlert
	for _, a := range m.alerts.items {
		if keep(a) {
			out = append(out, a)
		}
	}
	return out
}

func (m *AlertManager) ActiveAlerts() []model.HazardAlert {
	return m.filter(func(a model.HazardAlert) bool { return a.IsActive })
}

func (m *AlertManager) AlertsByType(t model.HazardType) []model.HazardAlert {
	return m.filter(func(a model.HazardAlert) bool { return a.Type == t })
}

func (m *AlertManager) AlertsBySeverity(s model.Severity) []model.HazardAlert {
	return m.filter(func(a model.HazardAlert) bool { return a.Severity == s })
}

// AlertsByStatus фильтрует по активности: all, active (is_active) или resolved.
func (m *AlertManager) AlertsByStatus(status AlertStatus) []model.HazardAlert {
	switch status {
	case AlertStatusActive:
		return m.ActiveAlerts()
	case AlertStatusResolved:
		return m.filter(func(a model.HazardAlert) bool { return !a.IsActive })
	default:
		return m.Alerts()
	}
}

// CriticalActive возвращает число активных предупреждений уровня critical.
func (m *AlertManager) CriticalActive() int {
	return len(m.filter(func(a model.HazardAlert) bool {
		return a.IsActive && a.Severity == model.SeverityCritical
	}))
}

// CreateAlert отправляет новое предупреждение в источник. Локальная коллекция
// не меняется: запись придёт событием подписки.
func (m *AlertManager) CreateAlert(ctx context.Context, alert model.NewAlert) WriteResult {
	if err := alert.Validate(); err != nil {
		return m.writeFailed("create", err)
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		return m.writeFailed("create", err)
	}
	return m.write("create", func() (storage.Record, error) {
		return m.source.Insert(ctx, model.TableAlerts, payload)
	})
}

// UpdateAlert меняет заданные поля предупреждения id. Локальная коллекция не меняется.
func (m *AlertManager) UpdateAlert(ctx context.Context, id string, patch model.AlertPatch) WriteResult {
	if id == "" {
		return m.writeFailed("update", &model.ValidationError{Field: "id", Message: "id is required"})
	}
	if err := patch.Validate(); err != nil {
		return m.writeFailed("update", err)
	}
	payload, err := json.Marshal(patch)
	if err != nil {
		return m.writeFailed("update", err)
	}
	return m.write("update", func() (storage.Record, error) {
		return m.source.Update(ctx, model.TableAlerts, id, payload)
	})
}

func (m *AlertManager) write(op string, call func() (storage.Record, error)) WriteResult {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return m.writeFailed(op, ErrClosed)
	}

	stored, err := call()
	if err != nil {
		m.logger.Printf("[dataset] alerts: %s failed: %v", op, err)
		return m.writeFailed(op, err)
	}
	var alert model.HazardAlert
	if err := json.Unmarshal(stored, &alert); err != nil {
		return m.writeFailed(op, fmt.Errorf("dataset: decode stored alert: %w", err))
	}
	m.metrics.ObserveWrite(op, false)
	return WriteResult{Alert: &alert}
}

func (m *AlertManager) writeFailed(op string, err error) WriteResult {
	m.metrics.ObserveWrite(op, true)
	return WriteResult{Error: err.Error(), Err: err}
}
