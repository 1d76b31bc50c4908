package dataset

import (
	"slices"
	"strings"
	"time"

	"github.com/pv/aqua-alert-go/internal/model"
	"github.com/pv/aqua-alert-go/internal/storage"
)

const (
	// SensorsKey — ключ датасета датчиков и показаний.
	SensorsKey = "sensors"
	// DefaultReadingsLimit — размер окна последних показаний.
	DefaultReadingsLimit = 1000
	// DefaultWindowHours — окно ReadingsForSensor по умолчанию.
	DefaultWindowHours = 24

	FeedSensors  = "sensors"
	FeedReadings = "readings"
)

// SensorManager держит список датчиков (по имени) и окно последних показаний
// (по убыванию времени).
type SensorManager struct {
	core
	sensors  *feed[model.Sensor]
	readings *feed[model.SensorReading]
}

func NewSensorManager(opts Options) *SensorManager {
	limit := opts.ReadingsLimit
	if limit <= 0 {
		limit = DefaultReadingsLimit
	}
	m := &SensorManager{
		sensors: &feed[model.Sensor]{
			feedBase: feedBase{
				name:   FeedSensors,
				query:  storage.Query{Table: model.TableSensors, OrderBy: "name", Ascending: true},
				filter: storage.FilterAll,
			},
			idOf:   func(s model.Sensor) string { return s.ID },
			sorted: true,
			place: func(items []model.Sensor, s model.Sensor) []model.Sensor {
				return insertSorted(items, s, func(a, b model.Sensor) bool {
					return strings.Compare(a.Name, b.Name) < 0
				}, 0)
			},
		},
		readings: &feed[model.SensorReading]{
			feedBase: feedBase{
				name:   FeedReadings,
				query:  storage.Query{Table: model.TableReadings, OrderBy: "timestamp", Limit: limit},
				filter: storage.FilterAll,
			},
			idOf:   func(r model.SensorReading) string { return r.ID },
			sorted: true,
			place: func(items []model.SensorReading, r model.SensorReading) []model.SensorReading {
				// новое показание встаёт перед первым не более новым, то есть для самого свежего это prepend
				return insertSorted(items, r, func(a, b model.SensorReading) bool {
					return !b.Timestamp.After(a.Timestamp)
				}, limit)
			},
		},
	}
	m.init(SensorsKey, opts)
	m.feeds = []feedRunner{m.sensors, m.readings}
	return m
}

// Sensors возвращает копию списка датчиков.
func (m *SensorManager) Sensors() []model.Sensor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.sensors.items)
}

// ActiveSensors возвращает датчики с is_active.
func (m *SensorManager) ActiveSensors() []model.Sensor {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Sensor
	for _, s := range m.sensors.items {
		if s.IsActive {
			out = append(out, s)
		}
	}
	return out
}

// Sensor ищет датчик по id.
func (m *SensorManager) Sensor(id string) (model.Sensor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.sensors.indexOf(id)
	if idx < 0 {
		return model.Sensor{}, false
	}
	return m.sensors.items[idx], true
}

// Readings возвращает копию окна показаний.
func (m *SensorManager) Readings() []model.SensorReading {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.readings.items)
}

// ReadingsForSensor возвращает показания датчика новее now-windowHours.
// windowHours <= 0 означает DefaultWindowHours.
func (m *SensorManager) ReadingsForSensor(sensorID string, windowHours int) []model.SensorReading {
	if windowHours <= 0 {
		windowHours = DefaultWindowHours
	}
	cutoff := m.clock.Now().Add(-time.Duration(windowHours) * time.Hour)

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.SensorReading
	for _, r := range m.readings.items {
		if r.SensorID == sensorID && r.Timestamp.After(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

// LatestReadingForSensor возвращает самое свежее показание датчика.
// Линейный поиск по окну; при окне заметно больше DefaultReadingsLimit нужен индекс по sensor_id.
func (m *SensorManager) LatestReadingForSensor(sensorID string) (model.SensorReading, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.readings.items {
		if r.SensorID == sensorID {
			return r, true
		}
	}
	return model.SensorReading{}, false
}
