package deadletter

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/storage"
)

// ErrCorrupt means an archived file does not match its manifest.
var ErrCorrupt = errors.New("archive does not match manifest")

// ComputeChecksum computes a SHA256 checksum for the given data.
func ComputeChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// VerifyChecksum verifies that data matches the expected checksum.
func VerifyChecksum(data []byte, expected string) bool {
	actual := ComputeChecksum(data)
	return actual == expected
}

// Verify checks archived parquet bytes against their manifest.
func Verify(data []byte, m *storage.Manifest) error {
	if int64(len(data)) != m.File.ByteSize {
		return fmt.Errorf("%w: size %d, manifest says %d", ErrCorrupt, len(data), m.File.ByteSize)
	}
	if !VerifyChecksum(data, m.File.Checksum) {
		return fmt.Errorf("%w: checksum %s, manifest says %s", ErrCorrupt, ComputeChecksum(data), m.File.Checksum)
	}
	if m.File.SchemaVersion != "" && m.File.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: schema %s, this build reads %s", ErrCorrupt, m.File.SchemaVersion, SchemaVersion)
	}
	return nil
}
