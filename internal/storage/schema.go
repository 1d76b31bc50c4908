package storage

import (
	"fmt"

	"github.com/pv/aqua-alert-go/internal/model"
)

// Columns перечисляет колонки известных таблиц в порядке схемы.
var Columns = map[string][]string{
	model.TableSensors: {
		"id", "name", "location_lat", "location_lng", "is_active", "last_reading_at", "created_at",
	},
	model.TableReadings: {
		"id", "sensor_id", "timestamp", "ph", "temperature", "turbidity", "dissolved_oxygen",
		"conductivity", "salinity", "water_level", "location_lat", "location_lng", "created_at",
	},
	model.TableAlerts: {
		"id", "type", "severity", "title", "description", "location_lat", "location_lng",
		"affected_radius", "is_active", "created_at", "updated_at",
	},
	model.TableProfiles: {
		"id", "email", "role", "full_name", "organization", "created_at", "updated_at",
	},
}

// CheckColumn проверяет, что таблица известна и содержит колонку.
func CheckColumn(table, column string) error {
	cols, ok := Columns[table]
	if !ok {
		return fmt.Errorf("storage: unknown table %q", table)
	}
	for _, c := range cols {
		if c == column {
			return nil
		}
	}
	return fmt.Errorf("storage: table %q has no column %q", table, column)
}

// CheckTable проверяет, что таблица известна.
func CheckTable(table string) error {
	if _, ok := Columns[table]; !ok {
		return fmt.Errorf("storage: unknown table %q", table)
	}
	return nil
}
