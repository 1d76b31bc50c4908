package model

import (
	"fmt"
	"strings"
	"time"
)

// Имена таблиц удалённого хранилища.
const (
	TableSensors  = "sensors"
	TableReadings = "sensor_readings"
	TableAlerts   = "hazard_alerts"
	TableProfiles = "user_profiles"
)

// SensorReading — одно измерение датчика. После создания не изменяется.
type SensorReading struct {
	ID              string    `json:"id"`
	SensorID        string    `json:"sensor_id"`
	Timestamp       time.Time `json:"timestamp"`
	PH              float64   `json:"ph"`
	Temperature     float64   `json:"temperature"`
	Turbidity       float64   `json:"turbidity"`
	DissolvedOxygen float64   `json:"dissolved_oxygen"`
	Conductivity    float64   `json:"conductivity"`
	Salinity        float64   `json:"salinity"`
	WaterLevel      float64   `json:"water_level"`
	LocationLat     float64   `json:"location_lat"`
	LocationLng     float64   `json:"location_lng"`
	CreatedAt       time.Time `json:"created_at"`
}

// Sensor описывает измерительную станцию.
type Sensor struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	LocationLat   float64    `json:"location_lat"`
	LocationLng   float64    `json:"location_lng"`
	IsActive      bool       `json:"is_active"`
	LastReadingAt *time.Time `json:"last_reading_at"`
	CreatedAt     time.Time  `json:"created_at"`
}

// HazardType — тип опасности.
type HazardType string

const (
	HazardTsunami             HazardType = "tsunami"
	HazardHighWaves           HazardType = "high_waves"
	HazardOilSpill            HazardType = "oil_spill"
	HazardChemicalPollution   HazardType = "chemical_pollution"
	HazardBiologicalPollution HazardType = "biological_pollution"
)

// HazardTypes перечисляет все допустимые типы в порядке отображения.
var HazardTypes = []HazardType{
	HazardTsunami,
	HazardHighWaves,
	HazardOilSpill,
	HazardChemicalPollution,
	HazardBiologicalPollution,
}

// Valid сообщает, входит ли тип в перечисление.
func (t HazardType) Valid() bool {
	for _, known := range HazardTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Severity — уровень опасности, упорядочен от low к critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank возвращает порядковый номер уровня (0 для неизвестного).
func (s Severity) Rank() int { return severityRank[s] }

// Valid сообщает, входит ли уровень в перечисление.
func (s Severity) Valid() bool { return s.Rank() > 0 }

// AtLeast возвращает true, если уровень не ниже other.
func (s Severity) AtLeast(other Severity) bool { return s.Rank() >= other.Rank() }

// HazardAlert — предупреждение об опасности. Активность и уровень меняются со временем.
type HazardAlert struct {
	ID             string     `json:"id"`
	Type           HazardType `json:"type"`
	Severity       Severity   `json:"severity"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	LocationLat    float64    `json:"location_lat"`
	LocationLng    float64    `json:"location_lng"`
	AffectedRadius float64    `json:"affected_radius"`
	IsActive       bool       `json:"is_active"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// NewAlert — поля, которые задаёт автор при создании предупреждения.
type NewAlert struct {
	Type           HazardType `json:"type"`
	Severity       Severity   `json:"severity"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	LocationLat    float64    `json:"location_lat"`
	LocationLng    float64    `json:"location_lng"`
	AffectedRadius float64    `json:"affected_radius"`
	IsActive       bool       `json:"is_active"`
}

// Validate проверяет поля формы создания.
func (a NewAlert) Validate() error {
	if !a.Type.Valid() {
		return &ValidationError{Field: "type", Message: fmt.Sprintf("unknown hazard type %q", a.Type)}
	}
	if !a.Severity.Valid() {
		return &ValidationError{Field: "severity", Message: fmt.Sprintf("unknown severity %q", a.Severity)}
	}
	if strings.TrimSpace(a.Title) == "" {
		return &ValidationError{Field: "title", Message: "title is required"}
	}
	if !ValidCoordinate(a.LocationLat, a.LocationLng) {
		return &ValidationError{Field: "location", Message: "coordinate out of range"}
	}
	if a.AffectedRadius < 0 {
		return &ValidationError{Field: "affected_radius", Message: "radius must not be negative"}
	}
	return nil
}

// AlertPatch — частичное обновление предупреждения. nil-поля не меняются.
type AlertPatch struct {
	Type           *HazardType `json:"type,omitempty"`
	Severity       *Severity   `json:"severity,omitempty"`
	Title          *string     `json:"title,omitempty"`
	Description    *string     `json:"description,omitempty"`
	LocationLat    *float64    `json:"location_lat,omitempty"`
	LocationLng    *float64    `json:"location_lng,omitempty"`
	AffectedRadius *float64    `json:"affected_radius,omitempty"`
	IsActive       *bool       `json:"is_active,omitempty"`
}

// Empty сообщает, что патч ничего не меняет.
func (p AlertPatch) Empty() bool {
	return p.Type == nil && p.Severity == nil && p.Title == nil && p.Description == nil &&
		p.LocationLat == nil && p.LocationLng == nil && p.AffectedRadius == nil && p.IsActive == nil
}

// Validate проверяет заданные поля патча.
func (p AlertPatch) Validate() error {
	if p.Empty() {
		return &ValidationError{Field: "patch", Message: "nothing to update"}
	}
	if p.Type != nil && !p.Type.Valid() {
		return &ValidationError{Field: "type", Message: fmt.Sprintf("unknown hazard type %q", *p.Type)}
	}
	if p.Severity != nil && !p.Severity.Valid() {
		return &ValidationError{Field: "severity", Message: fmt.Sprintf("unknown severity %q", *p.Severity)}
	}
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return &ValidationError{Field: "title", Message: "title is required"}
	}
	if p.LocationLat != nil && (*p.LocationLat < -90 || *p.LocationLat > 90) {
		return &ValidationError{Field: "location_lat", Message: "latitude out of range"}
	}
	if p.LocationLng != nil && (*p.LocationLng < -180 || *p.LocationLng > 180) {
		return &ValidationError{Field: "location_lng", Message: "longitude out of range"}
	}
	if p.AffectedRadius != nil && *p.AffectedRadius < 0 {
		return &ValidationError{Field: "affected_radius", Message: "radius must not be negative"}
	}
	return nil
}

// ValidCoordinate проверяет широту и долготу.
func ValidCoordinate(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// ValidationError описывает ошибку ввода в конкретном поле.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}
