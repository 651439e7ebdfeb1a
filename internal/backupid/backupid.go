// Package backupid defines the Backup ID (BID) address tuple shared by
// the spool, the backup/restore pipelines, and the freeze/thaw workers.
package backupid

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// MaxKeySegment bounds len(prefix)+len(ulid)+len("/chunk.")+len(str(K))
// to 1024.
const MaxKeySegment = 1024

// ID identifies one archive: a vault namespace, an optional path-like
// prefix, and a ULID minted by the caller at backup time.
type ID struct {
	Vault uuid.UUID
	Prefix string
	ULID ulid.ULID
}

// New builds an ID and validates the prefix-length invariant against
// the largest plausible fragment number.
func New(vault uuid.UUID, prefix string, id ulid.ULID) (ID, error) {
	bid := ID{Vault: vault, Prefix: cleanPrefix(prefix), ULID: id}
	if err := bid.checkLength(); err != nil {
		return ID{}, err
	}
	return bid, nil
}

func cleanPrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return path.Clean(prefix)
}

// checkLength enforces len(prefix) + len(ulid) + len("/chunk.") +
// len(str(K)) <= 1024 using a pessimistic 20-digit K (int64 max width).
func (b ID) checkLength() error {
	const maxFragmentDigits = 20
	total := len(b.Prefix) + ulid.EncodedSize + len("/chunk.") + maxFragmentDigits
	if total > MaxKeySegment {
		return fmt.Errorf("backupid: prefix %q too long: %d bytes would exceed %d-byte key budget", b.Prefix, total, MaxKeySegment)
	}
	return nil
}

// PathSegments returns (vault, prefix, ulid) joined the same way on disk
// and in the remote object key.
func (b ID) PathSegments() []string {
	segs := make([]string, 0, 3)
	segs = append(segs, b.Vault.String())
	if b.Prefix != "" {
		segs = append(segs, strings.Split(b.Prefix, "/")...)
	}
	segs = append(segs, b.ULID.String())
	return segs
}

// SpoolRelPath returns the cell's path relative to a role root
// (backup/ or restore/), e.g. "vault/prefix/ulid".
func (b ID) SpoolRelPath() string {
	return path.Join(b.PathSegments()...)
}

// ObjectKeyPrefix returns the remote key prefix "vault/prefix/ulid/"
// under which chunk.N objects live.
func (b ID) ObjectKeyPrefix() string {
	return b.SpoolRelPath() + "/"
}

// ObjectKey returns the remote key for fragment n.
func (b ID) ObjectKey(n int) string {
	return fmt.Sprintf("%schunk.%d", b.ObjectKeyPrefix(), n)
}

func (b ID) String() string {
	return b.SpoolRelPath()
}

// NewULID mints a new ULID for a fresh backup using a monotonic entropy
// source, so IDs minted in quick succession still sort lexically.
func NewULID(entropy *ulid.MonotonicEntropy, ms uint64) (ulid.ULID, error) {
	return ulid.New(ms, entropy)
}

// ParseULID parses a canonical Crockford-base32 ULID string.
func ParseULID(s string) (ulid.ULID, error) {
	return ulid.ParseStrict(s)
}

// ParseSpoolRelPath reconstructs an ID from a cell's path relative to a
// role root, the form DiscoverCells and filesystem-watch events report
// cells in: "<vault>/<prefix.../>?<ulid>".
func ParseSpoolRelPath(relPath string) (ID, error) {
	segs := strings.Split(filepath.ToSlash(relPath), "/")
	if len(segs) < 2 {
		return ID{}, fmt.Errorf("backupid: %q is not a vault/.../ulid cell path", relPath)
	}
	vault, err := uuid.Parse(segs[0])
	if err != nil {
		return ID{}, fmt.Errorf("backupid: %q: invalid vault segment: %w", relPath, err)
	}
	id, err := ParseULID(segs[len(segs)-1])
	if err != nil {
		return ID{}, fmt.Errorf("backupid: %q: invalid ulid segment: %w", relPath, err)
	}
	prefix := strings.Join(segs[1:len(segs)-1], "/")
	return New(vault, prefix, id)
}
