// Package config loads caserun settings from a YAML file, a .env file and CASERUN_* variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"caserun/internal/app/executor"
	"caserun/internal/domain/execution"
	"caserun/internal/infra/httpapi"
	"caserun/internal/logging"
	"caserun/internal/runtime"
	"caserun/internal/runtime/docker"
)

const envPrefix = "CASERUN"

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
	GlobalRPS    float64       `mapstructure:"global_rps"`
	PerIPRPS     float64       `mapstructure:"per_ip_rps"`
	PerIPBurst   int           `mapstructure:"per_ip_burst"`
	IdleTTL      time.Duration `mapstructure:"idle_ttl"`
}

type DockerConfig struct {
	Host      string `mapstructure:"host"`
	TmpfsSize string `mapstructure:"tmpfs_size"`
	NanoCPUs  int64  `mapstructure:"nano_cpus"`
}

type EngineConfig struct {
	Concurrency      int           `mapstructure:"concurrency"`
	MaxSandboxes     int64         `mapstructure:"max_sandboxes"`
	TimeLimit        time.Duration `mapstructure:"time_limit"`
	BuildTimeLimit   time.Duration `mapstructure:"build_time_limit"`
	MemoryLimitBytes int64         `mapstructure:"memory_limit_bytes"`
	PidsLimit        int64         `mapstructure:"pids_limit"`
	MaxOutputBytes   int64         `mapstructure:"max_output_bytes"`
	ExitPolicy       string        `mapstructure:"exit_policy"`
	Workdir          string        `mapstructure:"workdir"`
	User             string        `mapstructure:"user"`
	PullImages       bool          `mapstructure:"pull_images"`
}

// LanguageOverride replaces the images and limits of a built-in language profile.
type LanguageOverride struct {
	Image            string        `mapstructure:"image"`
	RunImage         string        `mapstructure:"run_image"`
	TimeLimit        time.Duration `mapstructure:"time_limit"`
	MemoryLimitBytes int64         `mapstructure:"memory_limit_bytes"`
	PidsLimit        int64         `mapstructure:"pids_limit"`
}

type CasesConfig struct {
	Driver string `mapstructure:"driver"` // file, sqlite
	Path   string `mapstructure:"path"`
}

type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	RequestsTopic string   `mapstructure:"requests_topic"`
	ReportsTopic  string   `mapstructure:"reports_topic"`
	GroupID       string   `mapstructure:"group_id"`
	MaxRequests   int      `mapstructure:"max_requests"`
	MaxParallel   int      `mapstructure:"max_parallel"`
}

type Config struct {
	Log       LogConfig                   `mapstructure:"log"`
	HTTP      HTTPConfig                  `mapstructure:"http"`
	Docker    DockerConfig                `mapstructure:"docker"`
	Engine    EngineConfig                `mapstructure:"engine"`
	Languages map[string]LanguageOverride `mapstructure:"languages"`
	Cases     CasesConfig                 `mapstructure:"cases"`
	Kafka     KafkaConfig                 `mapstructure:"kafka"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 5*time.Minute)
	v.SetDefault("http.idle_timeout", time.Minute)
	v.SetDefault("http.max_body_bytes", 1<<20)
	v.SetDefault("http.global_rps", 100.0)
	v.SetDefault("http.per_ip_rps", 5.0)
	v.SetDefault("http.per_ip_burst", 10)
	v.SetDefault("http.idle_ttl", 10*time.Minute)

	v.SetDefault("docker.host", "")
	v.SetDefault("docker.tmpfs_size", "16m")
	v.SetDefault("docker.nano_cpus", 1_000_000_000)

	v.SetDefault("engine.concurrency", executor.DefaultConcurrency)
	v.SetDefault("engine.max_sandboxes", 8)
	v.SetDefault("engine.time_limit", 5*time.Second)
	v.SetDefault("engine.build_time_limit", 30*time.Second)
	v.SetDefault("engine.memory_limit_bytes", 256<<20)
	v.SetDefault("engine.pids_limit", 64)
	v.SetDefault("engine.max_output_bytes", 1<<20)
	v.SetDefault("engine.exit_policy", string(executor.ExitIgnore))
	v.SetDefault("engine.workdir", "/workspace")
	v.SetDefault("engine.user", "")
	v.SetDefault("engine.pull_images", true)

	v.SetDefault("cases.driver", "file")
	v.SetDefault("cases.path", "cases.yaml")

	v.SetDefault("kafka.brokers", "kafka:9092")
	v.SetDefault("kafka.requests_topic", "run-requests")
	v.SetDefault("kafka.reports_topic", "run-reports")
	v.SetDefault("kafka.group_id", "caserun-worker")
	v.SetDefault("kafka.max_requests", 0)
	v.SetDefault("kafka.max_parallel", 1)
}

// Load reads configuration. An empty path searches for caserun.yaml in the
// working directory and tolerates its absence; an explicit path must exist.
// envFile, when it exists, is loaded into the process environment first.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("loading %s: %w", envFile, err)
			}
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("caserun")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Kafka.Brokers = parseBrokerList(strings.Join(c.Kafka.Brokers, ","))
	c.Kafka.MaxParallel = clampMaxParallel(c.Kafka.MaxParallel)
	if c.Kafka.MaxRequests < 0 {
		c.Kafka.MaxRequests = 0
	}
	c.Cases.Driver = strings.ToLower(strings.TrimSpace(c.Cases.Driver))
}

// Validate reports settings that cannot be used.
func (c *Config) Validate() error {
	var errs []error
	if _, err := logging.New(logging.Config{Level: c.Log.Level, Format: c.Log.Format}); err != nil {
		errs = append(errs, err)
	}
	if _, err := executor.ParseExitPolicy(c.Engine.ExitPolicy); err != nil {
		errs = append(errs, err)
	}
	switch c.Cases.Driver {
	case "file", "sqlite":
		if c.Cases.Path == "" {
			errs = append(errs, fmt.Errorf("cases.path is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cases driver %q", c.Cases.Driver))
	}
	if c.Engine.TimeLimit <= 0 {
		errs = append(errs, fmt.Errorf("engine.time_limit must be positive"))
	}
	if c.Engine.BuildTimeLimit <= 0 {
		errs = append(errs, fmt.Errorf("engine.build_time_limit must be positive"))
	}
	for name, override := range c.Languages {
		if override.TimeLimit < 0 || override.MemoryLimitBytes < 0 || override.PidsLimit < 0 {
			errs = append(errs, fmt.Errorf("languages.%s: limits must not be negative", name))
		}
	}
	return errors.Join(errs...)
}

// Logging returns the logger settings.
func (c *Config) Logging() logging.Config {
	return logging.Config{Level: c.Log.Level, Format: c.Log.Format}
}

// RunLimits returns the limits applied to every vector run.
func (c *Config) RunLimits() execution.RunLimits {
	return execution.RunLimits{
		TimeLimit:        c.Engine.TimeLimit,
		MemoryLimitBytes: c.Engine.MemoryLimitBytes,
		PidsLimit:        c.Engine.PidsLimit,
		MaxOutputBytes:   c.Engine.MaxOutputBytes,
	}.Normalize()
}

// RuntimeConfig returns the runtime engine settings.
func (c *Config) RuntimeConfig() runtime.Config {
	return runtime.Config{
		DefaultLimits:  c.RunLimits(),
		BuildTimeLimit: c.Engine.BuildTimeLimit,
		MaxSandboxes:   c.Engine.MaxSandboxes,
		Workdir:        c.Engine.Workdir,
		User:           c.Engine.User,
		PullImages:     c.Engine.PullImages,
	}
}

// DockerRuntimeConfig returns the Docker adapter settings.
func (c *Config) DockerRuntimeConfig() docker.Config {
	return docker.Config{
		Host:            c.Docker.Host,
		TmpfsSize:       c.Docker.TmpfsSize,
		DefaultNanoCPUs: c.Docker.NanoCPUs,
	}
}

// Comparator returns the output comparison policy.
func (c *Config) Comparator() (executor.Comparator, error) {
	policy, err := executor.ParseExitPolicy(c.Engine.ExitPolicy)
	if err != nil {
		return executor.Comparator{}, err
	}
	return executor.Comparator{Exit: policy}, nil
}

// HTTPServerConfig returns the listener settings.
func (c *Config) HTTPServerConfig() httpapi.Config {
	return httpapi.Config{
		Addr:         c.HTTP.Addr,
		ReadTimeout:  c.HTTP.ReadTimeout,
		WriteTimeout: c.HTTP.WriteTimeout,
		IdleTimeout:  c.HTTP.IdleTimeout,
		MaxBodyBytes: c.HTTP.MaxBodyBytes,
		RateLimit: httpapi.RateLimitConfig{
			GlobalRPS:  c.HTTP.GlobalRPS,
			PerIPRPS:   c.HTTP.PerIPRPS,
			PerIPBurst: c.HTTP.PerIPBurst,
			IdleTTL:    c.HTTP.IdleTTL,
		},
	}
}

// Profiles returns the built-in language profiles with configured overrides applied.
func (c *Config) Profiles() ([]runtime.Profile, error) {
	profiles := runtime.DefaultProfiles()
	index := make(map[execution.Language]int, len(profiles))
	for i, p := range profiles {
		index[p.Language] = i
	}

	names := make([]string, 0, len(c.Languages))
	for name := range c.Languages {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		override := c.Languages[name]
		i, ok := index[execution.Language(strings.ToLower(name))]
		if !ok {
			return nil, fmt.Errorf("languages.%s: no built-in profile for this language", name)
		}
		if override.Image != "" {
			profiles[i].Image = override.Image
		}
		if override.RunImage != "" {
			profiles[i].RunImage = override.RunImage
		}
		profiles[i].Limits = profiles[i].Limits.Merge(execution.RunLimits{
			TimeLimit:        override.TimeLimit,
			MemoryLimitBytes: override.MemoryLimitBytes,
			PidsLimit:        override.PidsLimit,
		})
	}
	return profiles, nil
}

func parseBrokerList(raw string) []string {
	fields := strings.Split(raw, ",")
	brokers := make([]string, 0, len(fields))
	for _, field := range fields {
		if trimmed := strings.TrimSpace(field); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	return brokers
}

func clampMaxParallel(value int) int {
	if value <= 0 {
		return 1
	}
	return value
}
