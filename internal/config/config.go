package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	DataRoot      string  `mapstructure:"data_root"`
	TestManifest  string  `mapstructure:"test_manifest"`
	RunDir        string  `mapstructure:"run_dir"`
	NumClasses    int     `mapstructure:"num_classes"`
	NumLayers     int     `mapstructure:"num_layers"`
	FeaturesStart int     `mapstructure:"features_start"`
	Bilinear      bool    `mapstructure:"bilinear"`
	LearningRate  float64 `mapstructure:"learning_rate"`
	TMax          int     `mapstructure:"t_max"`
	Epochs        int     `mapstructure:"epochs"`
	BatchSize     int     `mapstructure:"batch_size"`
	NumWorkers    int     `mapstructure:"num_workers"`
	Seed          int64   `mapstructure:"seed"`
	LogEvery      int     `mapstructure:"log_every"`
	LogLevel      string  `mapstructure:"log_level"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	DataRoot     string
	TestManifest string
	RunDir       string
	Epochs       int
	BatchSize    int
	NumWorkers   int
	Seed         int64
	LogEvery     int
}

// Load reads a Config from the YAML file at path, with CROPSEG_* environment
// variables taking precedence over file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("CROPSEG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "read config")
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	return cfg, nil
}

// Default returns a Config populated with defaults only.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	// defaults always unmarshal cleanly
	_ = v.Unmarshal(cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("run_dir", "runs")
	v.SetDefault("num_classes", 3)
	v.SetDefault("num_layers", 4)
	v.SetDefault("features_start", 32)
	v.SetDefault("bilinear", false)
	v.SetDefault("learning_rate", 1e-3)
	v.SetDefault("t_max", 10)
	v.SetDefault("epochs", 10)
	v.SetDefault("batch_size", 8)
	v.SetDefault("num_workers", 4)
	v.SetDefault("seed", 42)
	v.SetDefault("log_every", 50)
	v.SetDefault("log_level", "info")
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.DataRoot != "" {
		c.DataRoot = o.DataRoot
	}
	if o.TestManifest != "" {
		c.TestManifest = o.TestManifest
	}
	if o.RunDir != "" {
		c.RunDir = o.RunDir
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.DataRoot == "" {
		return errors.New("data_root must be set")
	}
	if c.NumClasses < 2 {
		return errors.Errorf("num_classes must be >= 2 (got %d)", c.NumClasses)
	}
	if c.NumLayers < 1 {
		return errors.Errorf("num_layers must be >= 1 (got %d)", c.NumLayers)
	}
	if c.FeaturesStart < 1 {
		return errors.Errorf("features_start must be >= 1 (got %d)", c.FeaturesStart)
	}
	if c.LearningRate <= 0 {
		return errors.Errorf("learning_rate must be > 0 (got %g)", c.LearningRate)
	}
	if c.TMax <= 0 {
		return errors.Errorf("t_max must be > 0 (got %d)", c.TMax)
	}
	if c.Epochs <= 0 {
		return errors.Errorf("epochs must be > 0 (got %d)", c.Epochs)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.NumWorkers <= 0 {
		return errors.Errorf("num_workers must be > 0 (got %d)", c.NumWorkers)
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 50
	}
	return nil
}
