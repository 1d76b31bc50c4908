package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/pv/aqua-alert-go/internal/model"
)

const dateLayout = "2006-01-02"

// RecentAlertsLimit — сколько предупреждений попадает в сводку.
const RecentAlertsLimit = 10

// Range — отчётный период по календарным дням UTC; To включает весь последний день.
type Range struct {
	From time.Time
	To   time.Time
}

// Period — предустановленная длина периода.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

func (p Period) days() (int, error) {
	switch p {
	case PeriodDaily, "":
		return 1, nil
	case PeriodWeekly:
		return 7, nil
	case PeriodMonthly:
		return 30, nil
	default:
		return 0, &model.ValidationError{Field: "period", Message: fmt.Sprintf("unknown period %q", p)}
	}
}

// ParseRange разбирает даты YYYY-MM-DD. Пустой from отсчитывается от to на длину period,
// пустой to означает текущий день.
func ParseRange(from, to string, period Period, now time.Time) (Range, error) {
	days, err := period.days()
	if err != nil {
		return Range{}, err
	}
	end := now.UTC()
	if to != "" {
		end, err = time.Parse(dateLayout, to)
		if err != nil {
			return Range{}, &model.ValidationError{Field: "to", Message: "expected YYYY-MM-DD"}
		}
	}
	endDay := truncateDay(end)

	start := endDay.AddDate(0, 0, -days)
	if from != "" {
		start, err = time.Parse(dateLayout, from)
		if err != nil {
			return Range{}, &model.ValidationError{Field: "from", Message: "expected YYYY-MM-DD"}
		}
	}
	r := Range{From: truncateDay(start), To: endDay.Add(24*time.Hour - time.Nanosecond)}
	if r.From.After(r.To) {
		return Range{}, &model.ValidationError{Field: "from", Message: "start date is after end date"}
	}
	return r, nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Contains проверяет попадание момента в период (границы включительно).
func (r Range) Contains(t time.Time) bool {
	return !t.Before(r.From) && !t.After(r.To)
}

// FileName возвращает имя файла выгрузки вида aqua-alert-<kind>-<from>-to-<to>.<ext>.
func (r Range) FileName(kind, ext string) string {
	return fmt.Sprintf("aqua-alert-%s-%s-to-%s.%s", kind, r.From.Format(dateLayout), r.To.Format(dateLayout), ext)
}

// FilterReadings оставляет показания с timestamp внутри периода, сохраняя порядок.
func FilterReadings(readings []model.SensorReading, r Range) []model.SensorReading {
	var out []model.SensorReading
	for _, rd := range readings {
		if r.Contains(rd.Timestamp) {
			out = append(out, rd)
		}
	}
	return out
}

// FilterAlerts оставляет предупреждения с created_at внутри периода, сохраняя порядок.
func FilterAlerts(alerts []model.HazardAlert, r Range) []model.HazardAlert {
	var out []model.HazardAlert
	for _, a := range alerts {
		if r.Contains(a.CreatedAt) {
			out = append(out, a)
		}
	}
	return out
}

// CSVHeader — заголовок выгрузки показаний.
var CSVHeader = []string{
	"Timestamp",
	"Sensor ID",
	"pH",
	"Temperature (°C)",
	"Turbidity (NTU)",
	"Dissolved Oxygen (mg/L)",
	"Conductivity (μS/cm)",
	"Salinity (PSU)",
	"Water Level (m)",
	"Latitude",
	"Longitude",
}

// WriteCSV пишет показания в CSV с заголовком CSVHeader.
func WriteCSV(w io.Writer, readings []model.SensorReading) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("report: write header: %w", err)
	}
	for _, rd := range readings {
		row := []string{
			rd.Timestamp.UTC().Format(time.RFC3339Nano),
			rd.SensorID,
			formatFloat(rd.PH),
			formatFloat(rd.Temperature),
			formatFloat(rd.Turbidity),
			formatFloat(rd.DissolvedOxygen),
			formatFloat(rd.Conductivity),
			formatFloat(rd.Salinity),
			formatFloat(rd.WaterLevel),
			formatFloat(rd.LocationLat),
			formatFloat(rd.LocationLng),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("report: write row %s: %w", rd.ID, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("report: flush: %w", err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Averages — средние значения основных параметров.
type Averages struct {
	PH              float64 `json:"ph"`
	Temperature     float64 `json:"temperature"`
	DissolvedOxygen float64 `json:"dissolved_oxygen"`
	Turbidity       float64 `json:"turbidity"`
}

// Summary — сводка за период.
type Summary struct {
	From           string              `json:"from"`
	To             string              `json:"to"`
	TotalReadings  int                 `json:"total_readings"`
	TotalAlerts    int                 `json:"total_alerts"`
	CriticalAlerts int                 `json:"critical_alerts"`
	Averages       *Averages           `json:"averages,omitempty"`
	RecentAlerts   []model.HazardAlert `json:"recent_alerts"`
}

// Summarize строит сводку по уже отфильтрованным коллекциям.
// Averages не заполняется, если показаний нет.
func Summarize(r Range, readings []model.SensorReading, alerts []model.HazardAlert) Summary {
	s := Summary{
		From:          r.From.Format(dateLayout),
		To:            r.To.Format(dateLayout),
		TotalReadings: len(readings),
		TotalAlerts:   len(alerts),
		RecentAlerts:  []model.HazardAlert{},
	}
	for _, a := range alerts {
		if a.Severity == model.SeverityCritical {
			s.CriticalAlerts++
		}
	}
	if n := len(readings); n > 0 {
		var avg Averages
		for _, rd := range readings {
			avg.PH += rd.PH
			avg.Temperature += rd.Temperature
			avg.DissolvedOxygen += rd.DissolvedOxygen
			avg.Turbidity += rd.Turbidity
		}
		avg.PH /= float64(n)
		avg.Temperature /= float64(n)
		avg.DissolvedOxygen /= float64(n)
		avg.Turbidity /= float64(n)
		s.Averages = &avg
	}
	limit := min(len(alerts), RecentAlertsLimit)
	s.RecentAlerts = append(s.RecentAlerts, alerts[:limit]...)
	return s
}
