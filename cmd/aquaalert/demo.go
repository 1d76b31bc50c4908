package main

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/pv/aqua-alert-go/internal/model"
	"github.com/pv/aqua-alert-go/internal/storage/memstore"
)

// demoHistory — глубина сгенерированной истории показаний.
const demoHistory = 48 * time.Hour

// seedDemo наполняет memstore станциями, почасовыми показаниями и парой предупреждений.
// Значения — синусоида вокруг нормы с небольшим шумом; детерминированы для заданного n.
func seedDemo(src *memstore.Source, now time.Time, n int) error {
	if n <= 0 {
		return nil
	}
	rng := rand.New(rand.NewSource(int64(n)))
	now = now.UTC().Truncate(time.Hour)

	sensors := make([]any, 0, n)
	var readings []any
	for i := 0; i < n; i++ {
		lat := 59.9 + float64(i)*0.05
		lng := 30.2 + float64(i)*0.07
		last := now
		sensor := model.Sensor{
			ID:            uuid.NewString(),
			Name:          fmt.Sprintf("Station %02d", i+1),
			LocationLat:   lat,
			LocationLng:   lng,
			IsActive:      i%5 != 4,
			LastReadingAt: &last,
			CreatedAt:     now.Add(-demoHistory),
		}
		sensors = append(sensors, sensor)

		phase := float64(i) * math.Pi / 4
		for ts := now.Add(-demoHistory); !ts.After(now); ts = ts.Add(time.Hour) {
			x := float64(ts.Hour())*math.Pi/12 + phase
			readings = append(readings, model.SensorReading{
				ID:              uuid.NewString(),
				SensorID:        sensor.ID,
				Timestamp:       ts,
				PH:              round2(7.8 + 0.5*math.Sin(x) + noise(rng, 0.1)),
				Temperature:     round2(14 + 4*math.Sin(x-math.Pi/2) + noise(rng, 0.5)),
				Turbidity:       round2(math.Abs(3 + 2*math.Sin(2*x) + noise(rng, 0.5))),
				DissolvedOxygen: round2(8 + 1.5*math.Cos(x) + noise(rng, 0.2)),
				Conductivity:    round2(42000 + 3000*math.Sin(x) + noise(rng, 200)),
				Salinity:        round2(33.5 + math.Sin(x) + noise(rng, 0.1)),
				WaterLevel:      round2(1.2*math.Sin(x*2) + noise(rng, 0.05)),
				LocationLat:     lat,
				LocationLng:     lng,
				CreatedAt:       ts,
			})
		}
	}

	alerts := []any{
		model.HazardAlert{
			ID:             uuid.NewString(),
			Type:           model.HazardHighWaves,
			Severity:       model.SeverityMedium,
			Title:          "Storm surge expected",
			Description:    "Wave height up to 3 m along the northern shore.",
			LocationLat:    60.0,
			LocationLng:    30.3,
			AffectedRadius: 12,
			IsActive:       true,
			CreatedAt:      now.Add(-6 * time.Hour),
			UpdatedAt:      now.Add(-6 * time.Hour),
		},
		model.HazardAlert{
			ID:             uuid.NewString(),
			Type:           model.HazardOilSpill,
			Severity:       model.SeverityHigh,
			Title:          "Oil sheen near the port",
			LocationLat:    59.93,
			LocationLng:    30.25,
			AffectedRadius: 2.5,
			IsActive:       false,
			CreatedAt:      now.Add(-30 * time.Hour),
			UpdatedAt:      now.Add(-20 * time.Hour),
		},
	}

	if err := src.Seed(model.TableSensors, sensors...); err != nil {
		return err
	}
	if err := src.Seed(model.TableReadings, readings...); err != nil {
		return err
	}
	return src.Seed(model.TableAlerts, alerts...)
}

func noise(rng *rand.Rand, amp float64) float64 {
	return (rng.Float64()*2 - 1) * amp
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
