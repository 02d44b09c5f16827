package vmi

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultSegmentPath is where hosts create and clients look for the segment.
const DefaultSegmentPath = "/dev/shm/govmi"

// Config is the file/environment configuration shared by host and client.
type Config struct {
	Segment SegmentConfig   `mapstructure:"segment"`
	Manager ManagerSettings `mapstructure:"manager"`
	Policy  PolicySettings  `mapstructure:"policy"`
	Client  ClientSettings  `mapstructure:"client"`
	Logger  LoggerConfig    `mapstructure:"logger"`
	Metrics MetricsConfig   `mapstructure:"metrics"`
}

type SegmentConfig struct {
	Path         string `mapstructure:"path"`
	VCPUs        uint32 `mapstructure:"vcpus"`
	RingCapacity uint32 `mapstructure:"ring_capacity"`
}

type ManagerSettings struct {
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
	TimeoutAction   string        `mapstructure:"timeout_action"` // continue, skip
	Backpressure    string        `mapstructure:"backpressure"`   // reject, block
	LivenessTimeout time.Duration `mapstructure:"liveness_timeout"`
}

type PolicySettings struct {
	File  string `mapstructure:"file"`
	Watch bool   `mapstructure:"watch"`
}

type ClientSettings struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	QueryTimeout      time.Duration `mapstructure:"query_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
}

// LoggerConfig configures the zap logger built by NewLogger.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

type MetricsConfig struct {
	Addr      string `mapstructure:"addr"` // empty disables /metrics
	Namespace string `mapstructure:"namespace"`
}

// LoadConfig merges defaults, the config file and VMI_* environment
// variables (VMI_SEGMENT_PATH overrides segment.path). Every key has a
// default so AutomaticEnv can see it. When path is empty a
// vmi.yaml in the working directory or /etc/govmi is used if present. v may
// carry flag bindings; nil uses a fresh instance.
func LoadConfig(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	v.SetEnvPrefix("VMI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("vmi")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/govmi")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("segment.path", DefaultSegmentPath)
	v.SetDefault("segment.vcpus", 1)
	v.SetDefault("segment.ring_capacity", 64)
	v.SetDefault("manager.response_timeout", DefaultResponseTimeout)
	v.SetDefault("manager.timeout_action", "continue")
	v.SetDefault("manager.backpressure", "reject")
	v.SetDefault("manager.liveness_timeout", DefaultLivenessTimeout)
	v.SetDefault("policy.file", "")
	v.SetDefault("policy.watch", false)
	v.SetDefault("client.heartbeat_interval", DefaultHeartbeatInterval)
	v.SetDefault("client.query_timeout", DefaultQueryTimeout)
	v.SetDefault("client.poll_interval", 50*time.Millisecond)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("metrics.namespace", "vmi")
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if c.Segment.Path == "" {
		return fmt.Errorf("segment.path is required: %w", ErrInvalidArgument)
	}
	if _, err := ComputeLayout(c.Segment.VCPUs, c.Segment.RingCapacity); err != nil {
		return fmt.Errorf("segment: %w", err)
	}
	if c.Manager.ResponseTimeout <= 0 || c.Manager.LivenessTimeout <= 0 {
		return fmt.Errorf("manager timeouts must be positive: %w", ErrInvalidArgument)
	}
	if _, err := ParseTimeoutAction(c.Manager.TimeoutAction); err != nil {
		return fmt.Errorf("manager.timeout_action: %w", err)
	}
	if _, err := ParseBackpressure(c.Manager.Backpressure); err != nil {
		return fmt.Errorf("manager.backpressure: %w", err)
	}
	if c.Policy.Watch && c.Policy.File == "" {
		return fmt.Errorf("policy.watch needs policy.file: %w", ErrInvalidArgument)
	}
	if _, err := zapcore.ParseLevel(c.Logger.Level); err != nil {
		return fmt.Errorf("logger.level: %w", err)
	}
	switch c.Logger.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logger.format %q (want json or console): %w", c.Logger.Format, ErrInvalidArgument)
	}
	return nil
}

// ManagerConfig converts the settings for NewManager.
func (c *Config) ManagerConfig(logger *zap.Logger) (ManagerConfig, error) {
	action, err := ParseTimeoutAction(c.Manager.TimeoutAction)
	if err != nil {
		return ManagerConfig{}, err
	}
	bp, err := ParseBackpressure(c.Manager.Backpressure)
	if err != nil {
		return ManagerConfig{}, err
	}
	return ManagerConfig{
		ResponseTimeout: c.Manager.ResponseTimeout,
		TimeoutAction:   action,
		Backpressure:    bp,
		LivenessTimeout: c.Manager.LivenessTimeout,
		Logger:          logger,
	}, nil
}

// ClientOptions converts the settings for Attach.
func (c *Config) ClientOptions(logger *zap.Logger) ClientOptions {
	return ClientOptions{
		HeartbeatInterval: c.Client.HeartbeatInterval,
		QueryTimeout:      c.Client.QueryTimeout,
		PollInterval:      c.Client.PollInterval,
		Logger:            logger,
	}
}

// NewLogger builds a zap logger from cfg.
func NewLogger(cfg LoggerConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	var zc zap.Config
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
