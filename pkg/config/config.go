package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Параметры показаний, для которых заданы пороги.
const (
	ParamPH              = "ph"
	ParamTemperature     = "temperature"
	ParamTurbidity       = "turbidity"
	ParamDissolvedOxygen = "dissolved_oxygen"
	ParamConductivity    = "conductivity"
	ParamSalinity        = "salinity"
	ParamWaterLevel      = "water_level"
)

// Level — итог оценки значения.
type Level string

const (
	LevelNormal   Level = "normal"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Range — замкнутый диапазон [Min, Max].
type Range struct {
	Min float64 `json:"min" yaml:"min" toml:"min"`
	Max float64 `json:"max" yaml:"max" toml:"max"`
}

// Contains проверяет попадание значения в диапазон.
func (r Range) Contains(v float64) bool { return v >= r.Min && v <= r.Max }

// Threshold — нормальный и допустимый (критический) диапазоны параметра.
type Threshold struct {
	Min      float64 `json:"min" yaml:"min" toml:"min"`
	Max      float64 `json:"max" yaml:"max" toml:"max"`
	Critical Range   `json:"critical" yaml:"critical" toml:"critical"`
	Unit     string  `json:"unit,omitempty" yaml:"unit,omitempty" toml:"unit,omitempty"`
}

// Normal возвращает нормальный диапазон.
func (t Threshold) Normal() Range { return Range{Min: t.Min, Max: t.Max} }

func (t Threshold) validate(name string) error {
	if t.Min > t.Max {
		return fmt.Errorf("config: threshold %s: min %v > max %v", name, t.Min, t.Max)
	}
	if t.Critical.Min > t.Min || t.Critical.Max < t.Max {
		return fmt.Errorf("config: threshold %s: critical range must contain the normal range", name)
	}
	return nil
}

// Evaluation — оценка одного значения.
type Evaluation struct {
	Parameter string  `json:"parameter"`
	Value     float64 `json:"value"`
	Level     Level   `json:"level"`
	Valid     bool    `json:"valid"`
	Message   string  `json:"message,omitempty"`
}

// Config описывает пороги параметров и именованные наборы параметров.
type Config struct {
	Thresholds map[string]Threshold `json:"thresholds" yaml:"thresholds" toml:"thresholds"`
	Sets       map[string][]string  `json:"sets" yaml:"sets" toml:"sets"`
}

// Default возвращает стандартные пороги качества морской воды.
func Default() *Config {
	return &Config{
		Thresholds: map[string]Threshold{
			ParamPH:              {Min: 6.5, Max: 8.5, Critical: Range{Min: 6.0, Max: 9.0}, Unit: "pH"},
			ParamTemperature:     {Min: 5, Max: 30, Critical: Range{Min: 0, Max: 35}, Unit: "°C"},
			ParamTurbidity:       {Min: 0, Max: 10, Critical: Range{Min: 0, Max: 50}, Unit: "NTU"},
			ParamDissolvedOxygen: {Min: 4, Max: 12, Critical: Range{Min: 2, Max: 15}, Unit: "mg/L"},
			ParamConductivity:    {Min: 30000, Max: 50000, Critical: Range{Min: 20000, Max: 60000}, Unit: "μS/cm"},
			ParamSalinity:        {Min: 30, Max: 37, Critical: Range{Min: 25, Max: 40}, Unit: "PSU"},
			ParamWaterLevel:      {Min: -2, Max: 5, Critical: Range{Min: -5, Max: 10}, Unit: "m"},
		},
		Sets: map[string][]string{
			"water_quality": {ParamPH, ParamTurbidity, ParamDissolvedOxygen},
			"physical":      {ParamTemperature, ParamConductivity, ParamSalinity, ParamWaterLevel},
		},
	}
}

// Load читает пороги из JSON, YAML или TOML (по расширению) поверх значений Default.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config: path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	var file Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json", "":
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("config: failed to decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("config: failed to decode YAML: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("config: failed to decode TOML: %w", err)
		}
	default:
		return nil, fmt.Errorf("config: format %s is not supported yet", ext)
	}

	cfg := Default()
	for name, th := range file.Thresholds {
		cfg.Thresholds[strings.ToLower(name)] = th
	}
	for name, params := range file.Sets {
		cfg.Sets[name] = params
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет согласованность диапазонов и наборов.
func (c *Config) Validate() error {
	if c == nil || len(c.Thresholds) == 0 {
		return errors.New("config: thresholds list is empty")
	}
	for _, name := range c.Parameters() {
		if err := c.Thresholds[name].validate(name); err != nil {
			return err
		}
	}
	for set, params := range c.Sets {
		for _, p := range params {
			if _, ok := c.Thresholds[p]; !ok {
				return fmt.Errorf("config: set %q references unknown parameter %q", set, p)
			}
		}
	}
	return nil
}

// Parameters возвращает имена параметров в алфавитном порядке.
func (c *Config) Parameters() []string {
	names := make([]string, 0, len(c.Thresholds))
	for name := range c.Thresholds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Evaluate классифицирует значение параметра: вне критического диапазона — critical,
// вне нормального — warning, иначе normal. Неизвестный параметр — critical.
func (c *Config) Evaluate(parameter string, value float64) Evaluation {
	ev := Evaluation{Parameter: parameter, Value: value}
	th, ok := c.Thresholds[parameter]
	switch {
	case !ok:
		ev.Level = LevelCritical
		ev.Message = "Unknown parameter"
	case !th.Critical.Contains(value):
		ev.Level = LevelCritical
		ev.Message = fmt.Sprintf("Critical: Value outside safe range (%v-%v)", th.Critical.Min, th.Critical.Max)
	case !th.Normal().Contains(value):
		ev.Level = LevelWarning
		ev.Valid = true
		ev.Message = fmt.Sprintf("Warning: Value outside normal range (%v-%v)", th.Min, th.Max)
	default:
		ev.Level = LevelNormal
		ev.Valid = true
	}
	return ev
}

// Resolve возвращает список параметров согласно селектору.
// Селектор: "ALL", имя набора из Sets, имя параметра, шаблон (*, ?) или список через запятую.
func (c *Config) Resolve(selector string) ([]string, error) {
	if c == nil {
		return nil, errors.New("config: configuration is nil")
	}
	if selector == "" || strings.EqualFold(selector, "ALL") {
		return c.Parameters(), nil
	}
	if params, ok := c.Sets[selector]; ok {
		return append([]string(nil), params...), nil
	}
	if strings.Contains(selector, ",") {
		var params []string
		for _, part := range strings.Split(selector, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			resolved, err := c.resolveSingle(part)
			if err != nil {
				return nil, err
			}
			params = append(params, resolved...)
		}
		return params, nil
	}
	return c.resolveSingle(selector)
}

func (c *Config) resolveSingle(selector string) ([]string, error) {
	if _, ok := c.Thresholds[selector]; ok {
		return []string{selector}, nil
	}
	if params, ok := c.Sets[selector]; ok {
		return append([]string(nil), params...), nil
	}
	if strings.ContainsAny(selector, "*?") {
		var params []string
		for _, name := range c.Parameters() {
			ok, err := filepath.Match(selector, name)
			if err != nil {
				return nil, fmt.Errorf("config: invalid pattern %q: %w", selector, err)
			}
			if ok {
				params = append(params, name)
			}
		}
		if len(params) == 0 {
			return nil, fmt.Errorf("config: pattern %q matched nothing", selector)
		}
		return params, nil
	}
	return nil, fmt.Errorf("config: failed to resolve selector %q", selector)
}

// EvaluateValues оценивает значения в порядке params; отсутствующие в values пропускаются.
func (c *Config) EvaluateValues(values map[string]float64, params []string) []Evaluation {
	out := make([]Evaluation, 0, len(params))
	for _, p := range params {
		v, ok := values[p]
		if !ok {
			continue
		}
		out = append(out, c.Evaluate(p, v))
	}
	return out
}

// Worst возвращает наихудший уровень среди оценок (normal для пустого списка).
func Worst(evals []Evaluation) Level {
	worst := LevelNormal
	for _, ev := range evals {
		switch ev.Level {
		case LevelCritical:
			return LevelCritical
		case LevelWarning:
			worst = LevelWarning
		}
	}
	return worst
}
