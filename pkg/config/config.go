// Package config defines the engine's typed options, their validation and
// their on-disk persistence as a MANIFEST file.
package config

import (
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/kvlsm/kvlsm/pkg/kverrors"
)

// ManifestFileName is the fixed name of the persisted options file at the
// root of a data directory.
const ManifestFileName = "MANIFEST"

const (
	DefaultBlockSizeBytes             = 32 * 1024
	DefaultMemtableFlushThreshold     = 5 * 1024 * 1024
	DefaultSegmentCompactionThreshold = 4
	DefaultMergedSegmentTargetBytes   = 5 * 1024 * 1024
	DefaultSparseIndexSampleRate      = 1
	DefaultLogLevel                   = "info"
	DefaultCompactionBackoffAttempts  = 5
	DefaultMetricsNamespace           = "kvlsm"

	minBlockSizeBytes = 64
	blockHeaderSize   = 3
	maxBlockSizeBytes = 65535 + blockHeaderSize
)

// Options is the public configuration surface for Engine, per the options
// named in the external interfaces, plus the ambient logging/compaction
// retry/metrics knobs carried alongside them.
type Options struct {
	DataDir string `yaml:"data_dir" validate:"required"`

	BlockSizeBytes              int `yaml:"block_size_bytes" validate:"min=64"`
	MemtableFlushThresholdBytes int `yaml:"memtable_flush_threshold_bytes" validate:"min=1"`
	SegmentCompactionThreshold  int `yaml:"segment_compaction_threshold" validate:"min=2"`
	MergedSegmentTargetBytes    int `yaml:"merged_segment_target_bytes" validate:"min=1"`
	SparseIndexSampleRate       int `yaml:"sparse_index_sample_rate" validate:"min=1"`

	LogLevel                     string `yaml:"log_level" validate:"oneof=debug info warn error"`
	CompactionBackoffMaxAttempts int    `yaml:"compaction_backoff_max_attempts" validate:"min=1"`
	MetricsNamespace              string `yaml:"metrics_namespace" validate:"required"`
}

// Default returns an Options populated with every default named in the
// external interfaces, rooted at dataDir.
func Default(dataDir string) *Options {
	return &Options{
		DataDir:                      dataDir,
		BlockSizeBytes:               DefaultBlockSizeBytes,
		MemtableFlushThresholdBytes: DefaultMemtableFlushThreshold,
		SegmentCompactionThreshold:  DefaultSegmentCompactionThreshold,
		MergedSegmentTargetBytes:    DefaultMergedSegmentTargetBytes,
		SparseIndexSampleRate:       DefaultSparseIndexSampleRate,
		LogLevel:                     DefaultLogLevel,
		CompactionBackoffMaxAttempts: DefaultCompactionBackoffAttempts,
		MetricsNamespace:             DefaultMetricsNamespace,
	}
}

var validate = validator.New()

// Validate checks every field against its constraint, including the
// block-size ceiling the block codec's 16-bit size field imposes.
func (o *Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return kverrors.Wrap(kverrors.KindInvariant, err, "invalid options")
	}
	if o.BlockSizeBytes < minBlockSizeBytes || o.BlockSizeBytes > maxBlockSizeBytes {
		return kverrors.New(kverrors.KindInvariant, "block_size_bytes out of range")
	}
	return nil
}

// ManifestPath returns the path of the manifest file under this Options'
// data directory.
func (o *Options) ManifestPath() string {
	return filepath.Join(o.DataDir, ManifestFileName)
}

// SaveManifest validates and writes o to its manifest path, via a temp file
// plus atomic rename so a crash mid-write never leaves a half-written
// manifest.
func (o *Options) SaveManifest() error {
	if err := o.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(o)
	if err != nil {
		return kverrors.Wrap(kverrors.KindIO, err, "marshal manifest")
	}
	tmp := o.ManifestPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return kverrors.Wrap(kverrors.KindIO, err, "write manifest temp file")
	}
	if err := os.Rename(tmp, o.ManifestPath()); err != nil {
		return kverrors.Wrap(kverrors.KindIO, err, "rename manifest into place")
	}
	return nil
}

// LoadManifest reads and validates the Options persisted at dataDir's
// manifest path. Fields absent from the file fall back to Default's
// values, so a manifest written before a new ambient option existed
// still loads cleanly.
func LoadManifest(dataDir string) (*Options, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, ManifestFileName))
	if err != nil {
		return nil, kverrors.Wrap(kverrors.KindIO, err, "read manifest")
	}
	o := Default(dataDir)
	if err := yaml.Unmarshal(data, o); err != nil {
		return nil, kverrors.Wrap(kverrors.KindIO, err, "unmarshal manifest")
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// ManifestExists reports whether dataDir already has a persisted manifest.
func ManifestExists(dataDir string) bool {
	_, err := os.Stat(filepath.Join(dataDir, ManifestFileName))
	return err == nil
}
