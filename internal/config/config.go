// Package config loads the loader's YAML configuration and applies
// environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/obsrvr-parquet-loader/internal/audit"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/logging"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/mapping"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/metrics"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/routing"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/sink"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/storage"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	LoaderID   string               `yaml:"loader_id"`
	Source     storage.BucketConfig `yaml:"source"`
	Sink       sink.Config          `yaml:"sink"`
	Checkpoint checkpoint.Config    `yaml:"checkpoint"`
	Quarantine QuarantineConfig     `yaml:"quarantine"`
	Audit      audit.Config         `yaml:"audit"`
	Perf       PerfConfig           `yaml:"perf"`
	Metrics    metrics.Config       `yaml:"metrics"`
	Logging    logging.Config       `yaml:"logging"`
	Pipelines  []PipelineConfig     `yaml:"pipelines"`
}

// QuarantineConfig is on unless enabled is explicitly set to false.
type QuarantineConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Prefix  string `yaml:"prefix"`
}

func (q QuarantineConfig) IsEnabled() bool { return q.Enabled == nil || *q.Enabled }

type PerfConfig struct {
	Workers       int      `yaml:"workers"`
	QueueSize     int      `yaml:"queue_size"`
	BatchSize     int      `yaml:"batch_size"`
	FlushInterval Duration `yaml:"flush_interval"`
	PollInterval  Duration `yaml:"poll_interval"`
	RetryAttempts int      `yaml:"retry_attempts"`
	RetryBackoff  Duration `yaml:"retry_backoff"`
}

// PipelineConfig binds one source prefix to one destination table.
type PipelineConfig struct {
	Name         string           `yaml:"name"`
	Prefix       string           `yaml:"prefix"`
	Format       string           `yaml:"format"`
	Table        string           `yaml:"table"`
	CreateTable  bool             `yaml:"create_table"`
	MaxSkipRatio *float64         `yaml:"max_skip_ratio"`
	Columns      []mapping.Rule   `yaml:"columns"`
	Unpivot      *mapping.Unpivot `yaml:"unpivot"`
}

// Mapper compiles the pipeline's column rules.
func (p PipelineConfig) Mapper() (*mapping.Mapper, error) {
	return mapping.Compile(p.Columns, p.Unpivot)
}

// Duration is a time.Duration that unmarshals from YAML strings such as
// "250ms" or "5s". Bare integers are read as seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := parseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	return d, nil
}

// Load reads the YAML file at path, applies environment overrides and
// defaults, and validates the result. An empty path loads from the
// environment only.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	slog.Debug("configuration loaded", "component", "config", "path", path, "pipelines", len(cfg.Pipelines))
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	c.LoaderID = getenvDefault("LOADER_ID", c.LoaderID)

	c.Source.Backend = getenvDefault("SOURCE_BACKEND", c.Source.Backend)
	c.Source.Bucket = getenvDefault("SOURCE_BUCKET", c.Source.Bucket)
	c.Source.Region = getenvDefault("SOURCE_REGION", c.Source.Region)
	c.Source.Endpoint = getenvDefault("SOURCE_ENDPOINT", c.Source.Endpoint)
	c.Source.CredentialsRef = getenvDefault("SOURCE_CREDENTIALS_REF", c.Source.CredentialsRef)
	c.Source.LocalDir = getenvDefault("SOURCE_LOCAL_DIR", c.Source.LocalDir)

	c.Sink.Driver = getenvDefault("SINK_DRIVER", c.Sink.Driver)
	c.Sink.DSN = getenvDefault("SINK_DSN", c.Sink.DSN)

	c.Checkpoint.Backend = getenvDefault("CHECKPOINT_BACKEND", c.Checkpoint.Backend)
	c.Checkpoint.Dir = getenvDefault("CHECKPOINT_DIR", c.Checkpoint.Dir)
	c.Checkpoint.DSN = getenvDefault("CHECKPOINT_DSN", c.Checkpoint.DSN)

	c.Logging.Level = getenvDefault("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getenvDefault("LOG_FORMAT", c.Logging.Format)

	c.Metrics.Address = getenvDefault("METRICS_ADDR", c.Metrics.Address)
	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		c.Metrics.Enabled = v == "true"
	}

	c.Audit.Endpoint = getenvDefault("AUDIT_ENDPOINT", c.Audit.Endpoint)
	if v := os.Getenv("AUDIT_ENABLED"); v != "" {
		c.Audit.Enabled = v == "true"
	}

	var err error
	if c.Perf.Workers, err = getenvInt("WORKERS", c.Perf.Workers); err != nil {
		return err
	}
	if c.Perf.BatchSize, err = getenvInt("BATCH_SIZE", c.Perf.BatchSize); err != nil {
		return err
	}
	if c.Perf.RetryAttempts, err = getenvInt("RETRY_ATTEMPTS", c.Perf.RetryAttempts); err != nil {
		return err
	}
	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("POLL_INTERVAL: %w", err)
		}
		c.Perf.PollInterval = Duration{d}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.LoaderID == "" {
		c.LoaderID = "parquet-loader"
	}
	if c.Source.Backend == "" {
		c.Source.Backend = "local"
	}
	if c.Source.LocalDir == "" {
		c.Source.LocalDir = "./data"
	}
	if c.Sink.Driver == "" {
		c.Sink.Driver = "postgres"
	}
	if c.Checkpoint.Backend == "" {
		c.Checkpoint.Backend = "file"
	}
	if c.Checkpoint.Dir == "" {
		c.Checkpoint.Dir = "./state"
	}
	if c.Checkpoint.Backend == "postgres" && c.Checkpoint.DSN == "" {
		c.Checkpoint.DSN = c.Sink.DSN
	}
	if c.Quarantine.Enabled == nil {
		on := true
		c.Quarantine.Enabled = &on
	}
	if c.Quarantine.Prefix == "" {
		c.Quarantine.Prefix = "_quarantine/"
	}
	if c.Audit.Dir == "" {
		c.Audit.Dir = "./audit"
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}
	if c.Perf.Workers == 0 {
		c.Perf.Workers = 4
	}
	if c.Perf.QueueSize == 0 {
		c.Perf.QueueSize = c.Perf.Workers * 2
	}
	if c.Perf.BatchSize == 0 {
		c.Perf.BatchSize = 10000
	}
	if c.Perf.FlushInterval.Duration == 0 {
		c.Perf.FlushInterval = Duration{5 * time.Second}
	}
	if c.Perf.PollInterval.Duration == 0 {
		c.Perf.PollInterval = Duration{30 * time.Second}
	}
	if c.Perf.RetryAttempts == 0 {
		c.Perf.RetryAttempts = 5
	}
	if c.Perf.RetryBackoff.Duration == 0 {
		c.Perf.RetryBackoff = Duration{time.Second}
	}
	for i := range c.Pipelines {
		p := &c.Pipelines[i]
		if p.Format == "" {
			p.Format = "parquet"
		}
		if p.Table == "" {
			p.Table = p.Name
		}
		if p.MaxSkipRatio == nil {
			all := 1.0
			p.MaxSkipRatio = &all
		}
	}
}

// Validate reports every problem found, joined into one error.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	switch c.Sink.Driver {
	case "postgres", "duckdb":
	default:
		fail("sink.driver %q: want postgres or duckdb", c.Sink.Driver)
	}
	if c.Sink.Driver == "postgres" && c.Sink.DSN == "" {
		fail("sink.dsn is required for the postgres driver")
	}
	switch c.Checkpoint.Backend {
	case "file":
	case "postgres":
		if c.Checkpoint.DSN == "" {
			fail("checkpoint.dsn is required for the postgres backend")
		}
	default:
		fail("checkpoint.backend %q: want file or postgres", c.Checkpoint.Backend)
	}
	if _, _, err := storage.ParseCredentialsRef(c.Source.CredentialsRef); err != nil {
		fail("source.credentials_ref: %v", err)
	}
	if (c.Source.Backend == "s3" || c.Source.Backend == "gcs") && c.Source.Bucket == "" {
		fail("source.bucket is required for the %s backend", c.Source.Backend)
	}

	if c.Perf.Workers < 1 {
		fail("perf.workers must be positive, got %d", c.Perf.Workers)
	}
	if c.Perf.BatchSize < 1 {
		fail("perf.batch_size must be positive, got %d", c.Perf.BatchSize)
	}
	if c.Perf.RetryAttempts < 1 {
		fail("perf.retry_attempts must be positive, got %d", c.Perf.RetryAttempts)
	}

	if len(c.Pipelines) == 0 {
		fail("at least one pipeline is required")
	}
	for i, p := range c.Pipelines {
		name := p.Name
		if name == "" {
			name = fmt.Sprintf("#%d", i)
		}
		if p.Format != "parquet" {
			fail("pipeline %s: format %q is not supported", name, p.Format)
		}
		if r := p.MaxSkipRatio; r != nil && (*r < 0 || *r > 1) {
			fail("pipeline %s: max_skip_ratio %v must be within [0, 1]", name, *r)
		}
		m, err := p.Mapper()
		if err != nil {
			fail("pipeline %s: %v", name, err)
			continue
		}
		if p.CreateTable {
			for _, col := range m.ColumnTypes() {
				if col.Type == "" {
					fail("pipeline %s: create_table needs a type for column %s", name, col.Name)
				}
			}
		}
		if c.Quarantine.IsEnabled() && p.Prefix != "" &&
			(strings.HasPrefix(c.Quarantine.Prefix, p.Prefix) || strings.HasPrefix(p.Prefix, c.Quarantine.Prefix)) {
			fail("pipeline %s: prefix %q overlaps quarantine prefix %q", name, p.Prefix, c.Quarantine.Prefix)
		}
	}
	if _, err := routing.NewRouter(c.Routes()); err != nil {
		fail("pipelines: %v", err)
	}

	return errors.Join(errs...)
}

// Routes returns one route per configured pipeline.
func (c *Config) Routes() []routing.Route {
	routes := make([]routing.Route, len(c.Pipelines))
	for i, p := range c.Pipelines {
		routes[i] = routing.Route{Pipeline: p.Name, Prefix: p.Prefix}
	}
	return routes
}

// Pipeline returns the named pipeline.
func (c *Config) Pipeline(name string) (PipelineConfig, bool) {
	for _, p := range c.Pipelines {
		if p.Name == name {
			return p, true
		}
	}
	return PipelineConfig{}, false
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return parsed, nil
}
