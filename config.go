package godesk

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for a Desky controller.
const (
	DefaultMinHeight         = 60.0
	DefaultMaxHeight         = 130.0
	DefaultPollInterval      = 1 * time.Second
	DefaultReconnectInterval = 30 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultConnectTimeout    = 20 * time.Second
	DefaultReconcileEvery    = 30
	DefaultNamePrefix        = "Desky"
)

// LimitPolicy decides whether a new height limit is checked against the opposite bound.
type LimitPolicy string

const (
	// LimitPolicyNone only checks a limit against the configured height range.
	LimitPolicyNone LimitPolicy = "none"
	// LimitPolicyStrict also rejects an upper limit below the known lower limit, and vice versa.
	LimitPolicyStrict LimitPolicy = "strict"
)

// Config holds the externally supplied parameters of a desk session. They are
// validated once and treated as immutable for the lifetime of the session.
type Config struct {
	// Address of the desk. Empty means the first device matching NamePrefix.
	Address    string `yaml:"address"`
	NamePrefix string `yaml:"name_prefix"`

	MinHeight float64 `yaml:"min_height_cm"`
	MaxHeight float64 `yaml:"max_height_cm"`

	// Presets optionally maps memory slots to their stored height, which lets the
	// session track arrival after a preset recall.
	Presets map[int]float64 `yaml:"presets"`

	PollInterval      time.Duration `yaml:"poll_interval"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`

	// ReconcileEvery is how many status polls pass between full feature and limit queries.
	ReconcileEvery int `yaml:"reconcile_every"`

	LimitPolicy LimitPolicy `yaml:"limit_policy"`

	// CollisionFeature is the status report id some firmwares use for their
	// anti-collision sensor, e.g. 0x0A. Zero (the default) decodes every id as
	// a plain feature value.
	CollisionFeature FeatureID `yaml:"collision_feature"`

	// Listen is the address the HTTP bridge listens on. Empty disables it.
	Listen string `yaml:"listen"`

	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns a config with every field set to its default.
func DefaultConfig() Config {
	return Config{
		NamePrefix:        DefaultNamePrefix,
		MinHeight:         DefaultMinHeight,
		MaxHeight:         DefaultMaxHeight,
		PollInterval:      DefaultPollInterval,
		ReconnectInterval: DefaultReconnectInterval,
		WriteTimeout:      DefaultWriteTimeout,
		ConnectTimeout:    DefaultConnectTimeout,
		ReconcileEvery:    DefaultReconcileEvery,
		LimitPolicy:       LimitPolicyNone,
		LogLevel:          "info",
	}
}

// LoadConfig reads a YAML config file on top of DefaultConfig and validates it.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the config for internal consistency.
func (c Config) Validate() error {
	var errs []error

	if c.MinHeight <= 0 || c.MaxHeight <= 0 {
		errs = append(errs, errors.New("height bounds must be positive"))
	}
	if c.MinHeight >= c.MaxHeight {
		errs = append(errs, fmt.Errorf("min height %.1f must be below max height %.1f", c.MinHeight, c.MaxHeight))
	}
	if c.MaxHeight*10 > math.MaxUint16 {
		errs = append(errs, fmt.Errorf("max height %.1f does not fit the wire format", c.MaxHeight))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if c.ReconnectInterval <= 0 {
		errs = append(errs, errors.New("reconnect_interval must be positive"))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("write_timeout must be positive"))
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("connect_timeout must be positive"))
	}
	if c.ReconcileEvery < 0 {
		errs = append(errs, errors.New("reconcile_every must not be negative"))
	}
	switch c.LimitPolicy {
	case LimitPolicyNone, LimitPolicyStrict:
	default:
		errs = append(errs, fmt.Errorf("unknown limit_policy %q", c.LimitPolicy))
	}
	switch c.CollisionFeature {
	case 0x01, 0x20, 0x21, 0x22:
		// height, limit status and limit value reports
		errs = append(errs, fmt.Errorf("collision_feature 0x%02X is a status report of its own", uint8(c.CollisionFeature)))
	}
	for slot, h := range c.Presets {
		if slot < 1 || slot > 4 {
			errs = append(errs, fmt.Errorf("preset slot %d outside 1-4", slot))
		}
		if !c.InRange(h) {
			errs = append(errs, fmt.Errorf("preset %d height %.1f outside %.1f-%.1f", slot, h, c.MinHeight, c.MaxHeight))
		}
	}

	return errors.Join(errs...)
}

// InRange reports whether a height lies within the configured bounds.
func (c Config) InRange(heightCM float64) bool {
	return heightCM >= c.MinHeight && heightCM <= c.MaxHeight
}

// Position maps a height onto 0 (lowest) to 100 (highest).
func (c Config) Position(heightCM float64) int {
	pos := int((heightCM - c.MinHeight) / (c.MaxHeight - c.MinHeight) * 100)
	return max(0, min(100, pos))
}

// HeightForPosition is the inverse of Position, rounded to the wire resolution.
func (c Config) HeightForPosition(position int) (float64, error) {
	if position < 0 || position > 100 {
		return 0, fmt.Errorf("%w: position %d outside 0-100", ErrInvalidArgument, position)
	}
	h := c.MinHeight + float64(position)/100*(c.MaxHeight-c.MinHeight)
	return math.Round(h*10) / 10, nil
}
