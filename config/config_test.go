package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig("/tmp/keystonedb-data")
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsMissingDataPath(t *testing.T) {
	cfg := DefaultConfig("")
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPowerOfTwoPageSize(t *testing.T) {
	cfg := DefaultConfig("/tmp/keystonedb-data")
	cfg.Volumes[0].PageSize = 3000
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsDuplicateVolumeAlias(t *testing.T) {
	cfg := DefaultConfig("/tmp/keystonedb-data")
	cfg.Volumes = append(cfg.Volumes, cfg.Volumes[0])
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsCheckpointIntervalOutOfBounds(t *testing.T) {
	cfg := DefaultConfig("/tmp/keystonedb-data")
	cfg.CheckpointInterval = time.Second
	require.Error(t, cfg.Validate())
}

func TestPoolSizingResolvedCountPrefersExplicitCount(t *testing.T) {
	p := PoolSizing{PageSize: 4096, Count: 100, MemoryBytes: 1 << 30}
	require.Equal(t, 100, p.ResolvedCount())
}

func TestPoolSizingResolvedCountFromMemoryBudget(t *testing.T) {
	p := PoolSizing{PageSize: 4096, MemoryBytes: 4096 * 10}
	require.Equal(t, 10, p.ResolvedCount())
}
