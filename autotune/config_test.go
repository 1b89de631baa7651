package autotune

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte("repetitions: 7\naggregate: min\n"))
	require.NoError(t, err)
	want := DefaultConfig()
	want.Repetitions = 7
	want.Aggregate = AggregateMin
	require.Equal(t, want, cfg)

	cfg, err = ParseConfig(nil)
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)

	_, err = ParseConfig([]byte("aggregate: p99\n"))
	require.ErrorContains(t, err, "unknown autotune aggregate")
	_, err = ParseConfig([]byte("warmup: 0\n"))
	require.Error(t, err)
	_, err = ParseConfig([]byte("warmup: [\n"))
	require.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autotune.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
warmup: 3
repetitions: 11
aggregate: mean
hostWorkspaceBudget: 128
deviceWorkspaceBudget: 1048576
`), 0o600))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, Config{
		Warmup:                3,
		Repetitions:           11,
		Aggregate:             AggregateMean,
		HostWorkspaceBudget:   128,
		DeviceWorkspaceBudget: 1 << 20,
	}, cfg)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestConfigApplyEnv(t *testing.T) {
	t.Setenv(EnvWarmup, "2")
	t.Setenv(EnvAggregate, "min")
	cfg, err := DefaultConfig().ApplyEnv()
	require.NoError(t, err)
	require.Equal(t, 2, cfg.Warmup)
	require.Equal(t, DefaultConfig().Repetitions, cfg.Repetitions)
	require.Equal(t, AggregateMin, cfg.Aggregate)

	t.Setenv(EnvRepetitions, "many")
	_, err = DefaultConfig().ApplyEnv()
	require.ErrorContains(t, err, EnvRepetitions)

	t.Setenv(EnvRepetitions, "0")
	_, err = DefaultConfig().ApplyEnv()
	require.Error(t, err)
}

func TestCheckWorkspace(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.CheckWorkspace("gemm", 0, 0))
	require.NoError(t, cfg.CheckWorkspace("gemm", cfg.HostWorkspaceBudget, cfg.DeviceWorkspaceBudget))
	require.ErrorIs(t, cfg.CheckWorkspace("gemm", cfg.HostWorkspaceBudget+1, 0), ErrWorkspaceTooLarge)
	require.ErrorIs(t, cfg.CheckWorkspace("gemm", 0, cfg.DeviceWorkspaceBudget+1), ErrWorkspaceTooLarge)

	cfg.DeviceWorkspaceBudget = -1
	require.Error(t, cfg.Validate())
}
