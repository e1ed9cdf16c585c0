package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "data_root: /data/crops\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/data/crops", cfg.DataRoot)
	require.Equal(t, 3, cfg.NumClasses)
	require.Equal(t, 1e-3, cfg.LearningRate)
	require.Equal(t, 10, cfg.TMax)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `data_root: /data/crops
num_classes: 5
learning_rate: 0.01
bilinear: true
batch_size: 2
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 5, cfg.NumClasses)
	require.Equal(t, 0.01, cfg.LearningRate)
	require.True(t, cfg.Bilinear)
	require.Equal(t, 2, cfg.BatchSize)
}

func TestApplyOverrides(t *testing.T) {
	cfg := Default()
	cfg.DataRoot = "/a"
	cfg.ApplyOverrides(Overrides{DataRoot: "/b", Epochs: 3, Seed: 7})
	require.Equal(t, "/b", cfg.DataRoot)
	require.Equal(t, 3, cfg.Epochs)
	require.Equal(t, int64(7), cfg.Seed)
	// zero values leave existing settings alone
	cfg.ApplyOverrides(Overrides{})
	require.Equal(t, "/b", cfg.DataRoot)
	require.Equal(t, 3, cfg.Epochs)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.Validate(), "missing data_root")

	cfg.DataRoot = "/data/crops"
	require.NoError(t, cfg.Validate())

	cfg.NumClasses = 1
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.DataRoot = "/data/crops"
	cfg.LearningRate = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.DataRoot = "/data/crops"
	cfg.Epochs = -1
	require.Error(t, cfg.Validate())
}
