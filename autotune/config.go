package autotune

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Aggregate is how the timed repetitions of a candidate are reduced to one latency.
type Aggregate string

const (
	AggregateMedian Aggregate = "median"
	AggregateMean   Aggregate = "mean"
	AggregateMin    Aggregate = "min"
)

// Environment variables that override the configuration, see Config.ApplyEnv.
const (
	EnvWarmup      = "GOTRITON_AUTOTUNE_WARMUP"
	EnvRepetitions = "GOTRITON_AUTOTUNE_REPETITIONS"
	EnvAggregate   = "GOTRITON_AUTOTUNE_AGGREGATE"
)

// Config of the autotuning benchmark and of the workspace budgets.
type Config struct {
	// Warmup is the number of untimed runs of each candidate. At least 1.
	Warmup int `yaml:"warmup"`

	// Repetitions is the number of timed runs of each candidate. At least 1.
	Repetitions int `yaml:"repetitions"`

	// Aggregate reduces the timed repetitions to one latency.
	Aggregate Aggregate `yaml:"aggregate"`

	// HostWorkspaceBudget is the maximum host workspace in bytes a candidate may require.
	HostWorkspaceBudget int `yaml:"hostWorkspaceBudget"`

	// DeviceWorkspaceBudget is the maximum device workspace in bytes a candidate may require.
	DeviceWorkspaceBudget int `yaml:"deviceWorkspaceBudget"`
}

// DefaultConfig returns 10 warm-up runs, 25 timed repetitions aggregated by median, and workspace budgets
// of 4 KiB (host) and 4 MiB (device).
func DefaultConfig() Config {
	return Config{
		Warmup:                10,
		Repetitions:           25,
		Aggregate:             AggregateMedian,
		HostWorkspaceBudget:   4 << 10,
		DeviceWorkspaceBudget: 4 << 20,
	}
}

// ParseConfig parses a YAML configuration. Fields not given keep their default values.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrap(err, "failed to parse autotune configuration")
	}
	return cfg, cfg.Validate()
}

// LoadConfig reads and parses a YAML configuration file, see ParseConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultConfig(), errors.Wrapf(err, "failed to read autotune configuration from %q", path)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return cfg, errors.WithMessagef(err, "configuration file %q", path)
	}
	return cfg, nil
}

// ApplyEnv returns the configuration overridden by the environment variables GOTRITON_AUTOTUNE_WARMUP,
// GOTRITON_AUTOTUNE_REPETITIONS and GOTRITON_AUTOTUNE_AGGREGATE, if set.
func (c Config) ApplyEnv() (Config, error) {
	for _, override := range []struct {
		env   string
		value *int
	}{{EnvWarmup, &c.Warmup}, {EnvRepetitions, &c.Repetitions}} {
		str := os.Getenv(override.env)
		if str == "" {
			continue
		}
		v, err := strconv.Atoi(str)
		if err != nil {
			return c, errors.Wrapf(err, "invalid value for $%s", override.env)
		}
		*override.value = v
	}
	if str := os.Getenv(EnvAggregate); str != "" {
		c.Aggregate = Aggregate(str)
	}
	return c, c.Validate()
}

// Validate returns an error if the configuration is not usable.
func (c Config) Validate() error {
	if c.Warmup < 1 {
		return errors.Errorf("autotune warmup must be at least 1, got %d", c.Warmup)
	}
	if c.Repetitions < 1 {
		return errors.Errorf("autotune repetitions must be at least 1, got %d", c.Repetitions)
	}
	switch c.Aggregate {
	case AggregateMedian, AggregateMean, AggregateMin:
	default:
		return errors.Errorf("unknown autotune aggregate %q, valid values are %q, %q or %q",
			c.Aggregate, AggregateMedian, AggregateMean, AggregateMin)
	}
	if c.HostWorkspaceBudget < 0 || c.DeviceWorkspaceBudget < 0 {
		return errors.Errorf("negative workspace budget (host=%d, device=%d)", c.HostWorkspaceBudget,
			c.DeviceWorkspaceBudget)
	}
	return nil
}

// CheckWorkspace returns an error wrapping ErrWorkspaceTooLarge if the given requirements exceed the budgets.
func (c Config) CheckWorkspace(candidate string, hostBytes, deviceBytes int) error {
	if hostBytes > c.HostWorkspaceBudget {
		return errors.Wrapf(ErrWorkspaceTooLarge, "%s requires %d bytes of host workspace, budget is %d",
			candidate, hostBytes, c.HostWorkspaceBudget)
	}
	if deviceBytes > c.DeviceWorkspaceBudget {
		return errors.Wrapf(ErrWorkspaceTooLarge, "%s requires %d bytes of device workspace, budget is %d",
			candidate, deviceBytes, c.DeviceWorkspaceBudget)
	}
	return nil
}
