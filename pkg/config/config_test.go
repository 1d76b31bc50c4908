package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestEvaluateLevels(t *testing.T) {
	cfg := Default()
	cases := []struct {
		param string
		value float64
		level Level
		valid bool
	}{
		{ParamPH, 7.2, LevelNormal, true},
		{ParamPH, 8.5, LevelNormal, true},
		{ParamPH, 8.7, LevelWarning, true},
		{ParamPH, 9.0, LevelWarning, true},
		{ParamPH, 9.1, LevelCritical, false},
		{ParamTemperature, -1, LevelCritical, false},
		{ParamWaterLevel, -3, LevelWarning, true},
		{ParamConductivity, 42000, LevelNormal, true},
		{"chlorophyll", 1, LevelCritical, false},
	}
	for _, tc := range cases {
		ev := cfg.Evaluate(tc.param, tc.value)
		if ev.Level != tc.level || ev.Valid != tc.valid {
			t.Fatalf("Evaluate(%s, %v) = %s/%v, want %s/%v", tc.param, tc.value, ev.Level, ev.Valid, tc.level, tc.valid)
		}
	}
	if msg := cfg.Evaluate(ParamPH, 5).Message; !strings.Contains(msg, "6-9") {
		t.Fatalf("unexpected critical message %q", msg)
	}
}

func TestLoadJSONOverridesDefaults(t *testing.T) {
	path := writeFile(t, "thresholds.json", `{
		"thresholds": {
			"ph": {"min": 7, "max": 8, "critical": {"min": 6.5, "max": 8.5}}
		},
		"sets": {"chem": ["ph", "salinity"]}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if got := cfg.Evaluate(ParamPH, 7.2).Level; got != LevelNormal {
		t.Fatalf("ph 7.2 level %s", got)
	}
	if got := cfg.Evaluate(ParamPH, 6.8).Level; got != LevelWarning {
		t.Fatalf("ph 6.8 level %s", got)
	}
	if _, ok := cfg.Thresholds[ParamSalinity]; !ok {
		t.Fatalf("defaults lost after override")
	}
	params, err := cfg.Resolve("chem")
	if err != nil || !reflect.DeepEqual(params, []string{"ph", "salinity"}) {
		t.Fatalf("Resolve chem = %v, %v", params, err)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "thresholds.yaml", `
thresholds:
  turbidity:
    min: 0
    max: 5
    unit: NTU
    critical:
      min: 0
      max: 20
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if got := cfg.Evaluate(ParamTurbidity, 25).Level; got != LevelCritical {
		t.Fatalf("turbidity 25 level %s", got)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "thresholds.toml", `
[thresholds.salinity]
min = 31
max = 36
[thresholds.salinity.critical]
min = 28
max = 39

[sets]
salt = ["salinity", "conductivity"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if got := cfg.Evaluate(ParamSalinity, 30).Level; got != LevelWarning {
		t.Fatalf("salinity 30 level %s", got)
	}
	if got, _ := cfg.Resolve("salt"); len(got) != 2 {
		t.Fatalf("Resolve salt = %v", got)
	}
}

func TestLoadRejectsInconsistentRanges(t *testing.T) {
	path := writeFile(t, "bad.json", `{"thresholds": {"ph": {"min": 6, "max": 9, "critical": {"min": 7, "max": 8}}}}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for critical range inside normal range")
	}
	path = writeFile(t, "bad_set.json", `{"sets": {"x": ["nitrates"]}}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown set parameter")
	}
	path = writeFile(t, "thresholds.ini", `ph=1`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unsupported format")
	}
}

func TestResolveSelectors(t *testing.T) {
	cfg := Default()

	all, err := cfg.Resolve("ALL")
	if err != nil || len(all) != 7 {
		t.Fatalf("Resolve ALL = %v, %v", all, err)
	}
	list, err := cfg.Resolve("ph, salinity")
	if err != nil || !reflect.DeepEqual(list, []string{"ph", "salinity"}) {
		t.Fatalf("Resolve list = %v, %v", list, err)
	}
	pattern, err := cfg.Resolve("s*")
	if err != nil || !reflect.DeepEqual(pattern, []string{"salinity"}) {
		t.Fatalf("Resolve pattern = %v, %v", pattern, err)
	}
	if _, err := cfg.Resolve("nitrates"); err == nil {
		t.Fatalf("expected error for unknown selector")
	}
	if _, err := cfg.Resolve("x*"); err == nil {
		t.Fatalf("expected error for empty pattern match")
	}
}

func TestEvaluateValuesAndWorst(t *testing.T) {
	cfg := Default()
	evals := cfg.EvaluateValues(map[string]float64{"ph": 7.5, "temperature": 31}, []string{"ph", "temperature", "salinity"})
	if len(evals) != 2 {
		t.Fatalf("expected 2 evaluations, got %d", len(evals))
	}
	if got := Worst(evals); got != LevelWarning {
		t.Fatalf("Worst = %s", got)
	}
	if got := Worst(nil); got != LevelNormal {
		t.Fatalf("Worst(nil) = %s", got)
	}
}
