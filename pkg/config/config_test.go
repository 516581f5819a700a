package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	o := Default(t.TempDir())
	require.NoError(t, o.Validate())
	assert.Equal(t, DefaultBlockSizeBytes, o.BlockSizeBytes)
	assert.Equal(t, DefaultLogLevel, o.LogLevel)
}

func TestValidateRejectsBadBlockSize(t *testing.T) {
	o := Default(t.TempDir())
	o.BlockSizeBytes = 10
	assert.Error(t, o.Validate())

	o.BlockSizeBytes = maxBlockSizeBytes + 1
	assert.Error(t, o.Validate())
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	o := Default(t.TempDir())
	o.LogLevel = "verbose"
	assert.Error(t, o.Validate())
}

func TestValidateRequiresDataDir(t *testing.T) {
	o := Default("")
	assert.Error(t, o.Validate())
}

func TestSaveAndLoadManifestRoundTrips(t *testing.T) {
	dir := t.TempDir()
	o := Default(dir)
	o.CompactionBackoffMaxAttempts = 9
	require.NoError(t, o.SaveManifest())

	assert.True(t, ManifestExists(dir))
	assert.FileExists(t, filepath.Join(dir, ManifestFileName))

	loaded, err := LoadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, o.DataDir, loaded.DataDir)
	assert.Equal(t, 9, loaded.CompactionBackoffMaxAttempts)
}

func TestManifestExistsFalseWhenAbsent(t *testing.T) {
	assert.False(t, ManifestExists(t.TempDir()))
}

func TestLoadManifestMissingIsError(t *testing.T) {
	_, err := LoadManifest(t.TempDir())
	assert.Error(t, err)
}
