// Package config provides configuration structures and loading logic for the tail filter.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-tailfilter/pkg/domain"
	"github.com/polisai/polis-tailfilter/pkg/filter"
)

// Sink types.
const (
	SinkLog  = "log"
	SinkOTLP = "otlp"
	SinkNATS = "nats"
)

// Config holds the global configuration for the tail filter service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Filter    FilterConfig    `yaml:"filter"`
	Sink      SinkConfig      `yaml:"sink"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the listener addresses. An empty address disables the listener.
type ServerConfig struct {
	HTTPAddress     string `yaml:"http_address"`
	OTLPGRPCAddress string `yaml:"otlp_grpc_address"`
}

// FilterConfig mirrors filter.Options in file form.
type FilterConfig struct {
	AlwaysLogExceptions               bool          `yaml:"always_log_exceptions"`
	AlwaysLogFailedDependencies       bool          `yaml:"always_log_failed_dependencies"`
	AlwaysTraceDependencyWithDuration time.Duration `yaml:"always_trace_dependency_with_duration"`
	MinAlwaysTraceLevel               string        `yaml:"min_always_trace_level"`
	IncludeOperationLessTelemetry     bool          `yaml:"include_operation_less_telemetry"`

	ResolvedTTL          time.Duration `yaml:"resolved_ttl"`
	MaxBufferAge         time.Duration `yaml:"max_buffer_age"`
	SweepInterval        time.Duration `yaml:"sweep_interval"`
	MaxItemsPerOperation int           `yaml:"max_items_per_operation"`
	Shards               int           `yaml:"shards"`
}

// SinkConfig selects and configures the downstream stage.
type SinkConfig struct {
	Type string         `yaml:"type"`
	OTLP OTLPSinkConfig `yaml:"otlp"`
	NATS NATSSinkConfig `yaml:"nats"`
}

// OTLPSinkConfig configures the OTLP/gRPC exporter sink.
type OTLPSinkConfig struct {
	Endpoint      string            `yaml:"endpoint"`
	Insecure      bool              `yaml:"insecure"`
	Headers       map[string]string `yaml:"headers"`
	QueueSize     int               `yaml:"queue_size"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval time.Duration     `yaml:"flush_interval"`
	Timeout       time.Duration     `yaml:"timeout"`
}

// NATSSinkConfig configures the NATS sink.
type NATSSinkConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// TelemetryConfig holds configuration for the service's own OpenTelemetry traces.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
	Environment  string `yaml:"environment"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	policy := filter.DefaultPolicy()
	return &Config{
		Server: ServerConfig{
			HTTPAddress:     ":8090",
			OTLPGRPCAddress: ":4317",
		},
		Filter: FilterConfig{
			AlwaysLogExceptions:               policy.AlwaysLogExceptions,
			AlwaysLogFailedDependencies:       policy.AlwaysLogFailedDependencies,
			AlwaysTraceDependencyWithDuration: policy.AlwaysTraceDependencyWithDuration,
			MinAlwaysTraceLevel:               policy.MinAlwaysTraceLevel.String(),
			IncludeOperationLessTelemetry:     true,
			SweepInterval:                     30 * time.Second,
		},
		Sink: SinkConfig{
			Type: SinkLog,
			OTLP: OTLPSinkConfig{
				QueueSize:     4096,
				BatchSize:     256,
				FlushInterval: time.Second,
				Timeout:       10 * time.Second,
			},
			NATS: NATSSinkConfig{
				Subject: "telemetry",
			},
		},
		Telemetry: TelemetryConfig{
			ServiceName: "polis-tailfilter",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("TAILFILTER_HTTP_ADDR"); val != "" {
		cfg.Server.HTTPAddress = val
	}
	if val := os.Getenv("TAILFILTER_OTLP_GRPC_ADDR"); val != "" {
		cfg.Server.OTLPGRPCAddress = val
	}

	if val := os.Getenv("TAILFILTER_INCLUDE_OPERATION_LESS"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Filter.IncludeOperationLessTelemetry = b
		}
	}
	if val := os.Getenv("TAILFILTER_MIN_TRACE_LEVEL"); val != "" {
		cfg.Filter.MinAlwaysTraceLevel = val
	}
	if val := os.Getenv("TAILFILTER_RESOLVED_TTL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Filter.ResolvedTTL = d
		}
	}
	if val := os.Getenv("TAILFILTER_MAX_BUFFER_AGE"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Filter.MaxBufferAge = d
		}
	}

	if val := os.Getenv("TAILFILTER_SINK"); val != "" {
		cfg.Sink.Type = val
	}
	if val := os.Getenv("TAILFILTER_SINK_OTLP_ENDPOINT"); val != "" {
		cfg.Sink.OTLP.Endpoint = val
	}
	if val := os.Getenv("TAILFILTER_SINK_OTLP_INSECURE"); val == "true" {
		cfg.Sink.OTLP.Insecure = true
	}
	if val := os.Getenv("TAILFILTER_SINK_NATS_URL"); val != "" {
		cfg.Sink.NATS.URL = val
	}

	if val := os.Getenv("TAILFILTER_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("TAILFILTER_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("TAILFILTER_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
}

// Validate performs validation of the entire configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("%w: server configuration: %w", domain.ErrConfigInvalid, err)
	}
	if err := c.Filter.Validate(); err != nil {
		return fmt.Errorf("%w: filter configuration: %w", domain.ErrConfigInvalid, err)
	}
	if err := c.Sink.Validate(); err != nil {
		return fmt.Errorf("%w: sink configuration: %w", domain.ErrConfigInvalid, err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("%w: logging configuration: %w", domain.ErrConfigInvalid, err)
	}
	return nil
}

// Validate performs validation of server configuration.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" && strings.TrimSpace(c.OTLPGRPCAddress) == "" {
		return errors.New("at least one of http_address or otlp_grpc_address is required")
	}
	if c.HTTPAddress != "" && c.HTTPAddress == c.OTLPGRPCAddress {
		return fmt.Errorf("http_address and otlp_grpc_address both use %q", c.HTTPAddress)
	}
	return nil
}

// Validate performs validation of filter configuration.
func (c *FilterConfig) Validate() error {
	if strings.TrimSpace(c.MinAlwaysTraceLevel) == "" {
		c.MinAlwaysTraceLevel = domain.SeverityError.String()
	}
	_, err := c.Options()
	return err
}

// Options converts the file form into filter.Options.
func (c *FilterConfig) Options() (filter.Options, error) {
	level, err := domain.ParseSeverity(c.MinAlwaysTraceLevel)
	if err != nil {
		return filter.Options{}, fmt.Errorf("min_always_trace_level: %w", err)
	}

	opts := filter.Options{
		Policy: filter.Policy{
			AlwaysLogExceptions:               c.AlwaysLogExceptions,
			AlwaysLogFailedDependencies:       c.AlwaysLogFailedDependencies,
			AlwaysTraceDependencyWithDuration: c.AlwaysTraceDependencyWithDuration,
			MinAlwaysTraceLevel:               level,
		},
		IncludeOperationLessTelemetry: c.IncludeOperationLessTelemetry,
		ResolvedTTL:                   c.ResolvedTTL,
		MaxBufferAge:                  c.MaxBufferAge,
		SweepInterval:                 c.SweepInterval,
		MaxItemsPerOperation:          c.MaxItemsPerOperation,
		Shards:                        c.Shards,
	}
	if err := opts.Validate(); err != nil {
		return filter.Options{}, err
	}
	return opts, nil
}

// Validate performs validation of sink configuration.
func (c *SinkConfig) Validate() error {
	c.Type = strings.ToLower(strings.TrimSpace(c.Type))
	if c.Type == "" {
		c.Type = SinkLog
	}

	switch c.Type {
	case SinkLog:
		return nil
	case SinkOTLP:
		if c.OTLP.Endpoint == "" {
			return errors.New("otlp sink requires endpoint")
		}
		if c.OTLP.QueueSize <= 0 || c.OTLP.BatchSize <= 0 {
			return errors.New("otlp sink queue_size and batch_size must be positive")
		}
		return nil
	case SinkNATS:
		if c.NATS.URL == "" {
			return errors.New("nats sink requires url")
		}
		if c.NATS.Subject == "" {
			return errors.New("nats sink requires subject")
		}
		return nil
	default:
		return fmt.Errorf("unknown sink type %q, supported types: log, otlp, nats", c.Type)
	}
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}
