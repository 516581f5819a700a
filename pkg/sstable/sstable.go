// Package sstable serializes a sorted record stream into an immutable
// on-disk segment, and reads segments back by byte range.
package sstable

import (
	"fmt"
	"path/filepath"
)

// FilePrefix is the fixed prefix every segment file name starts with.
const FilePrefix = "segment-"

// Path returns the on-disk path of segment id under dataDir.
func Path(dataDir string, id uint64) string {
	return filepath.Join(dataDir, fmt.Sprintf("%s%d", FilePrefix, id))
}
