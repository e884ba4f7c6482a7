package config

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/scenerun/scenerun/pkg/adapters/moqui"
	"github.com/scenerun/scenerun/pkg/bindings/plugins"
	"github.com/scenerun/scenerun/pkg/engine"
	"github.com/scenerun/scenerun/pkg/eval"
	"github.com/scenerun/scenerun/pkg/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. SCENERUN_AUDIT_PATH.
const EnvPrefix = "SCENERUN"

// DefaultFileName is the config file looked up in the working directory
// when no explicit path is given.
const DefaultFileName = "scenerun"

// Config is the runtime configuration of the scenerun CLI.
type Config struct {
	Audit     AuditConfig     `mapstructure:"audit"`
	Plugins   PluginsConfig   `mapstructure:"plugins"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Moqui     moqui.Config    `mapstructure:"moqui"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Eval      EvalConfig      `mapstructure:"eval"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

// AuditConfig locates the audit log and its optional SQLite mirror.
type AuditConfig struct {
	Path   string `mapstructure:"path" validate:"required"`
	SQLite string `mapstructure:"sqlite"`
}

// PluginsConfig controls the plugin loader.
type PluginsConfig struct {
	Dirs             []string      `mapstructure:"dirs"`
	LoadTimeout      time.Duration `mapstructure:"load_timeout" validate:"gt=0"`
	MemoryLimitPages uint32        `mapstructure:"memory_limit_pages" validate:"gte=1,lte=65536"`
}

// PolicyConfig lists site policy locations.
type PolicyConfig struct {
	Paths []string `mapstructure:"paths"`
	Watch bool     `mapstructure:"watch"`
}

// RuntimeConfig tunes plan compilation and handler retries.
type RuntimeConfig struct {
	DefaultTimeoutMS int           `mapstructure:"default_timeout_ms" validate:"gt=0"`
	RetryDelay       time.Duration `mapstructure:"retry_delay" validate:"gte=0"`
}

// TelemetryConfig mirrors telemetry.Config with file and env keys.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Environment string `mapstructure:"environment"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	LogOutput string `mapstructure:"log_output"`

	TracingEnabled  bool              `mapstructure:"tracing_enabled"`
	TraceExporter   string            `mapstructure:"trace_exporter"`
	TraceEndpoint   string            `mapstructure:"trace_endpoint"`
	TraceHeaders    map[string]string `mapstructure:"trace_headers"`
	TraceInsecure   bool              `mapstructure:"trace_insecure"`
	MetricsAddress  string            `mapstructure:"metrics_address"`
	MetricsPath     string            `mapstructure:"metrics_path"`
	MetricsDisabled bool              `mapstructure:"metrics_disabled"`
}

// EvalConfig holds scoring targets.
type EvalConfig struct {
	TargetCycleTimeMS int64 `mapstructure:"target_cycle_time_ms" validate:"gte=0"`
}

// SetDefaults registers every key with its default so env overrides reach
// Unmarshal even when the file omits the key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("audit.path", "logs/audit.jsonl")
	v.SetDefault("audit.sqlite", "")

	v.SetDefault("plugins.dirs", []string{})
	v.SetDefault("plugins.load_timeout", plugins.DefaultLoadTimeout)
	v.SetDefault("plugins.memory_limit_pages", plugins.DefaultMemoryLimitPages)

	v.SetDefault("policy.paths", []string{})
	v.SetDefault("policy.watch", false)

	v.SetDefault("runtime.default_timeout_ms", engine.DefaultNodeTimeoutMS)
	v.SetDefault("runtime.retry_delay", engine.DefaultRetryDelay)

	v.SetDefault("moqui.base_url", "")
	v.SetDefault("moqui.username", "")
	v.SetDefault("moqui.password", "")
	v.SetDefault("moqui.access_token", "")
	v.SetDefault("moqui.timeout", moqui.DefaultTimeout)
	v.SetDefault("moqui.max_retries", moqui.DefaultMaxRetries)
	v.SetDefault("moqui.retry_delay", moqui.DefaultRetryDelay)
	v.SetDefault("moqui.rate_limit", moqui.DefaultRateLimit)
	v.SetDefault("moqui.burst", moqui.DefaultBurst)

	def := telemetry.DefaultConfig()
	v.SetDefault("telemetry.service_name", def.ServiceName)
	v.SetDefault("telemetry.environment", def.Environment)
	v.SetDefault("telemetry.log_level", def.Logging.Level)
	v.SetDefault("telemetry.log_format", def.Logging.Format)
	v.SetDefault("telemetry.log_output", def.Logging.Output)
	v.SetDefault("telemetry.tracing_enabled", def.Tracing.Enabled)
	v.SetDefault("telemetry.trace_exporter", def.Tracing.Exporter)
	v.SetDefault("telemetry.trace_endpoint", "")
	v.SetDefault("telemetry.trace_headers", map[string]string{})
	v.SetDefault("telemetry.trace_insecure", def.Tracing.Insecure)
	v.SetDefault("telemetry.metrics_address", "")
	v.SetDefault("telemetry.metrics_path", def.Metrics.Path)
	v.SetDefault("telemetry.metrics_disabled", false)

	v.SetDefault("eval.target_cycle_time_ms", 0)
}

// Load reads configuration into v. An explicit path must exist; otherwise
// scenerun.yaml in the working directory is used when present. Environment
// variables override the file.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(DefaultFileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file or env is present.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// Defaults are well-typed, so decoding cannot fail.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

var structRules = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}()

// Validate reports every problem in one error.
func (c *Config) Validate() error {
	var problems []string

	if err := structRules.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				problems = append(problems, describe(fe))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	if c.Audit.SQLite != "" && c.Audit.SQLite == c.Audit.Path {
		problems = append(problems, "audit.sqlite must differ from audit.path")
	}

	if c.MoquiEnabled() {
		u, err := url.Parse(c.Moqui.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			problems = append(problems, fmt.Sprintf("moqui.base_url %q must be an http(s) URL", c.Moqui.BaseURL))
		}
		if (c.Moqui.Username == "") != (c.Moqui.Password == "") {
			problems = append(problems, "moqui.username and moqui.password must be set together")
		}
	}
	if c.Moqui.RateLimit < 0 {
		problems = append(problems, "moqui.rate_limit must not be negative")
	}

	if err := c.TelemetryConfig().Validate(); err != nil {
		problems = append(problems, "telemetry: "+err.Error())
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s fails %s", field, fe.Tag())
	}
}

// MoquiEnabled reports whether a Moqui server is configured.
func (c *Config) MoquiEnabled() bool {
	return strings.TrimSpace(c.Moqui.BaseURL) != ""
}

// PluginOptions converts the plugin section for plugins.Load.
func (c *Config) PluginOptions() plugins.Options {
	return plugins.Options{
		Dirs:             c.Plugins.Dirs,
		LoadTimeout:      c.Plugins.LoadTimeout,
		MemoryLimitPages: c.Plugins.MemoryLimitPages,
	}
}

// EvalTarget returns the scoring target.
func (c *Config) EvalTarget() eval.Target {
	return eval.Target{CycleTimeMS: c.Eval.TargetCycleTimeMS}
}

// TelemetryConfig builds a telemetry.Config on top of the package defaults.
func (c *Config) TelemetryConfig() *telemetry.Config {
	tc := telemetry.DefaultConfig()
	t := c.Telemetry
	if t.ServiceName != "" {
		tc.ServiceName = t.ServiceName
	}
	if t.Environment != "" {
		tc.Environment = t.Environment
	}
	if t.LogLevel != "" {
		tc.Logging.Level = t.LogLevel
	}
	if t.LogFormat != "" {
		tc.Logging.Format = t.LogFormat
	}
	if t.LogOutput != "" {
		tc.Logging.Output = t.LogOutput
	}

	tc.Tracing.Enabled = t.TracingEnabled
	if t.TraceExporter != "" {
		tc.Tracing.Exporter = t.TraceExporter
	}
	tc.Tracing.Endpoint = t.TraceEndpoint
	tc.Tracing.Insecure = t.TraceInsecure
	for k, v := range t.TraceHeaders {
		tc.Tracing.Headers[k] = v
	}

	tc.Metrics.Enabled = !t.MetricsDisabled
	tc.Metrics.ListenAddress = t.MetricsAddress
	if t.MetricsPath != "" {
		tc.Metrics.Path = t.MetricsPath
	}
	return tc
}
