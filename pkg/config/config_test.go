package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempIni(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "target.ini")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadDefaultsWhenSectionsSparse(t *testing.T) {
	path := writeTempIni(t, "[target]\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	def := DefaultTargetConfig()
	assert.Equal(t, def.ListenAddr, cfg.ListenAddr)
	assert.Equal(t, def.NrCmdsMultiplier, cfg.NrCmdsMultiplier)
	assert.False(t, cfg.HeaderDigestDefault)
	assert.False(t, cfg.DataDigestDefault)
	assert.Empty(t, cfg.CPUs)
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := writeTempIni(t, `
[target]
listen = 0.0.0.0:4420
nr_cmds_multiplier = 4
socket_buffer_bytes = 1048576

[digest]
header_digest = true
data_digest = true

[placement]
cpus = 0, 2, 4
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:4420", cfg.ListenAddr)
	assert.Equal(t, 4, cfg.NrCmdsMultiplier)
	assert.Equal(t, 1048576, cfg.SocketBufferBytes)
	assert.True(t, cfg.HeaderDigestDefault)
	assert.True(t, cfg.DataDigestDefault)
	assert.Equal(t, []int{0, 2, 4}, cfg.CPUs)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.ini"))
	assert.Error(t, err)
}

func TestLoadRejectsBadCPUList(t *testing.T) {
	path := writeTempIni(t, "[placement]\ncpus = 0, not-a-number\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsInvalidMultiplier(t *testing.T) {
	path := writeTempIni(t, "[target]\nnr_cmds_multiplier = 0\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateEmptyListenAddr(t *testing.T) {
	cfg := DefaultTargetConfig()
	cfg.ListenAddr = ""
	assert.Error(t, cfg.Validate())
}

func TestParseCPUListTrimsAndSkipsBlank(t *testing.T) {
	cpus, err := parseCPUList(" 1 ,, 3")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, cpus)
}
