package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"caserun/internal/app/executor"
	"caserun/internal/domain/execution"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Fatalf("addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Engine.TimeLimit != 5*time.Second || cfg.Engine.Concurrency != executor.DefaultConcurrency {
		t.Fatalf("unexpected engine defaults %+v", cfg.Engine)
	}
	if !reflect.DeepEqual(cfg.Kafka.Brokers, []string{"kafka:9092"}) {
		t.Fatalf("brokers = %v", cfg.Kafka.Brokers)
	}
	if cfg.Kafka.MaxParallel != 1 || cfg.Cases.Driver != "file" {
		t.Fatalf("unexpected defaults %+v %+v", cfg.Kafka, cfg.Cases)
	}
}

func TestLoadFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "caserun.yaml")
	doc := `
log:
  level: debug
  format: json
engine:
  time_limit: 2s
  exit_policy: require-zero
languages:
  python:
    image: python:3.13-alpine
  java:
    time_limit: 8s
cases:
  driver: sqlite
  path: /var/lib/caserun/cases.db
kafka:
  max_parallel: 4
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CASERUN_KAFKA_BROKERS", " broker1:9092 , ,broker2:9093 ,")
	t.Setenv("CASERUN_ENGINE_MEMORY_LIMIT_BYTES", "1048576")

	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Fatalf("unexpected log config %+v", cfg.Log)
	}
	if cfg.Engine.TimeLimit != 2*time.Second {
		t.Fatalf("time limit = %v", cfg.Engine.TimeLimit)
	}
	if cfg.Engine.MemoryLimitBytes != 1<<20 {
		t.Fatalf("memory limit = %d", cfg.Engine.MemoryLimitBytes)
	}
	if want := []string{"broker1:9092", "broker2:9093"}; !reflect.DeepEqual(cfg.Kafka.Brokers, want) {
		t.Fatalf("brokers = %v, want %v", cfg.Kafka.Brokers, want)
	}
	if cfg.Kafka.MaxParallel != 4 || cfg.Cases.Driver != "sqlite" {
		t.Fatalf("unexpected config %+v %+v", cfg.Kafka, cfg.Cases)
	}

	comparator, err := cfg.Comparator()
	if err != nil || comparator.Exit != executor.ExitRequireZero {
		t.Fatalf("comparator = %+v, %v", comparator, err)
	}

	profiles, err := cfg.Profiles()
	if err != nil {
		t.Fatalf("Profiles returned error: %v", err)
	}
	for _, p := range profiles {
		if p.Language == execution.LanguagePython && p.Image != "python:3.13-alpine" {
			t.Fatalf("python image override not applied: %q", p.Image)
		}
		if p.Language == execution.LanguageJava {
			if p.Limits.TimeLimit != 8*time.Second || p.Limits.MemoryLimitBytes != 512<<20 {
				t.Fatalf("java limits override not merged: %+v", p.Limits)
			}
		}
	}

	limits := cfg.RuntimeConfig().DefaultLimits
	if limits.TimeLimit != 2*time.Second || limits.MemoryLimitBytes != 1<<20 {
		t.Fatalf("unexpected limits %+v", limits)
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("CASERUN_HTTP_ADDR=:9999\n"), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("CASERUN_HTTP_ADDR", "")
	os.Unsetenv("CASERUN_HTTP_ADDR")
	chdir(t, dir)

	cfg, err := Load("", envFile)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.HTTP.Addr != ":9999" {
		t.Fatalf("addr = %q, want :9999", cfg.HTTP.Addr)
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"log level":               "log:\n  level: loud\n",
		"exit policy":             "engine:\n  exit_policy: sometimes\n",
		"driver":                  "cases:\n  driver: postgres\n",
		"zero time":               "engine:\n  time_limit: 0s\n",
		"zero build":              "engine:\n  build_time_limit: 0s\n",
		"negative language limit": "languages:\n  python:\n    memory_limit_bytes: -1\n",
	}
	for name, doc := range tests {
		path := filepath.Join(dir, strings.ReplaceAll(name, " ", "_")+".yaml")
		if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
		if _, err := Load(path, ""); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml"), ""); err == nil {
		t.Fatalf("expected error for explicit missing file")
	}
}

func TestLoadRejectsZeroTimeLimitFromEnvironment(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("CASERUN_ENGINE_TIME_LIMIT", "0s")

	_, err := Load("", "")
	if err == nil || !strings.Contains(err.Error(), "engine.time_limit must be positive") {
		t.Fatalf("expected time limit error, got %v", err)
	}
}

func TestProfilesRejectsUnknownLanguage(t *testing.T) {
	t.Parallel()

	cfg := &Config{Languages: map[string]LanguageOverride{"cobol": {Image: "cobol:latest"}}}
	if _, err := cfg.Profiles(); err == nil {
		t.Fatalf("expected error for unknown language override")
	}
}

func TestParseBrokerList(t *testing.T) {
	t.Parallel()

	input := " broker1:9092 , ,broker2:9093 ,"
	brokers := parseBrokerList(input)
	want := []string{"broker1:9092", "broker2:9093"}
	if !reflect.DeepEqual(brokers, want) {
		t.Fatalf("parseBrokerList(%q) = %v, want %v", input, brokers, want)
	}
}

func TestClampMaxParallel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		input int
		want  int
	}{
		{0, 1},
		{-5, 1},
		{3, 3},
	}

	for _, tc := range cases {
		if got := clampMaxParallel(tc.input); got != tc.want {
			t.Fatalf("clampMaxParallel(%d) = %d, want %d", tc.input, got, tc.want)
		}
	}
}
