package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadReturnsDefaultsWhenMissing(t *testing.T) {
	SetHomeDir(t.TempDir())
	defer SetHomeDir("")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, Defaults(), *cfg)
}

func TestSaveThenLoadAppliesOverridesOnly(t *testing.T) {
	SetHomeDir(t.TempDir())
	defer SetHomeDir("")

	cfg := Defaults()
	cfg.ChunkSizeBytes = 1 << 20
	cfg.MaxRetries = 9
	require.NoError(t, Save(&cfg))

	loaded, err := Load()
	require.NoError(t, err)
	require.Equal(t, int64(1<<20), loaded.ChunkSizeBytes)
	require.Equal(t, 9, loaded.MaxRetries)
	require.Equal(t, Defaults().ReadAheadChunks, loaded.ReadAheadChunks)
}

func TestHomeDirPrecedence(t *testing.T) {
	t.Setenv("AERODISK_HOME", "/env/home")
	SetHomeDir("")
	require.Equal(t, "/env/home", HomeDir())

	override := filepath.Join(t.TempDir(), "override")
	SetHomeDir(override)
	defer SetHomeDir("")
	require.Equal(t, override, HomeDir())
}

func TestRegistryPutRemoveRoundTrip(t *testing.T) {
	SetHomeDir(t.TempDir())
	defer SetHomeDir("")

	require.NoError(t, Put("boot", RegistryEntry{Kind: "local", Path: "/var/disks/boot.aerosparse"}))
	require.NoError(t, Put("base-image", RegistryEntry{Kind: "remoteChunked", ManifestURL: "https://example.test/manifest.json"}))

	reg, err := LoadRegistry()
	require.NoError(t, err)
	require.Len(t, reg.Disks, 2)
	require.Equal(t, "local", reg.Disks["boot"].Kind)

	require.NoError(t, Remove("boot"))
	reg, err = LoadRegistry()
	require.NoError(t, err)
	require.Len(t, reg.Disks, 1)
	_, ok := reg.Disks["boot"]
	require.False(t, ok)
}

func TestLoadRegistryEmptyWhenMissing(t *testing.T) {
	SetHomeDir(t.TempDir())
	defer SetHomeDir("")

	reg, err := LoadRegistry()
	require.NoError(t, err)
	require.NotNil(t, reg.Disks)
	require.Empty(t, reg.Disks)
}
