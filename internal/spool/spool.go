// Package spool implements the on-disk spool layout and fragment codec:
// two sibling trees (backup/, restore/) whose <vault>/<prefix>/<ulid>
// directories are queue cells, and whose chunk.N files (plus the
// chunk.0 sentinel) are the IPC between the pipelines and the
// freeze/thaw workers.
package spool

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/cryophile/cryophile/internal/backupid"
	"github.com/cryophile/cryophile/internal/cryoerrors"
	"github.com/cryophile/cryophile/internal/metrics"
)

// Role distinguishes the two sibling trees under the spool root.
type Role string

const (
	RoleBackup Role = "backup"
	RoleRestore Role = "restore"
)

// DefaultFragmentMax is the default single-object ceiling, 5 GiB.
const DefaultFragmentMax int64 = 5 << 30

const (
	dirMode os.FileMode = 0700
	fileMode os.FileMode = 0600
)

var chunkNamePattern = regexp.MustCompile(`^chunk\.(0|[1-9][0-9]*)$`)

// Spool roots a filesystem tree of backup/ and restore/ cells.
type Spool struct {
	Root string
}

// New returns a Spool rooted at root (default /var/spool/cryophile,
// chosen by the caller/config layer).
func New(root string) *Spool {
	return &Spool{Root: root}
}

// RoleRoot returns <root>/backup or <root>/restore.
func (s *Spool) RoleRoot(role Role) string {
	return filepath.Join(s.Root, string(role))
}

// CellHandle is an open queue cell: a directory plus the role/BID that
// identify it.
type CellHandle struct {
	Role Role
	BID backupid.ID
	Dir string
}

// OpenCell ensures the cell directory exists (creating parents with mode
// 0700) and, for the backup role, fails with CellConflict if a non-empty
// cell already exists for bid — two backups must never share a ULID.
func OpenCell(sp *Spool, role Role, bid backupid.ID) (*CellHandle, error) {
	dir := filepath.Join(sp.RoleRoot(role), bid.SpoolRelPath())

	if role == RoleBackup {
		if entries, err := os.ReadDir(dir); err == nil && len(entries) > 0 {
			return nil, cryoerrors.New(cryoerrors.KindCellConflict, "spool.OpenCell",
				fmt.Errorf("backup cell %s already exists and is non-empty", bid))
		}
	}

	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, cryoerrors.New(cryoerrors.KindSpoolIO, "spool.OpenCell", err)
	}

	return &CellHandle{Role: role, BID: bid, Dir: dir}, nil
}

func chunkPath(cell *CellHandle, n int) string {
	return filepath.Join(cell.Dir, fmt.Sprintf("chunk.%d", n))
}

func tmpChunkPath(cell *CellHandle, n int) string {
	return filepath.Join(cell.Dir, fmt.Sprintf("chunk.%d.tmp", n))
}

// WriteFragment atomically writes fragment n: write to chunk.N.tmp,
// fsync, rename to chunk.N. Fails FragmentOversize if len(data) exceeds
// fragmentMax. m may be nil, in which case no metric is recorded.
func WriteFragment(cell *CellHandle, n int, data []byte, fragmentMax int64, m *metrics.Metrics) error {
	if n <= 0 {
		return cryoerrors.New(cryoerrors.KindSpoolIO, "spool.WriteFragment",
			fmt.Errorf("fragment index must be >= 1, got %d", n))
	}
	if int64(len(data)) > fragmentMax {
		return cryoerrors.New(cryoerrors.KindFragmentOversize, "spool.WriteFragment",
			fmt.Errorf("fragment %d is %d bytes, exceeds FRAGMENT_MAX %d", n, len(data), fragmentMax))
	}

	tmp := tmpChunkPath(cell, n)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fileMode)
	if err != nil {
		return cryoerrors.New(cryoerrors.KindSpoolIO, "spool.WriteFragment", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return cryoerrors.New(cryoerrors.KindSpoolIO, "spool.WriteFragment", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return cryoerrors.New(cryoerrors.KindSpoolIO, "spool.WriteFragment", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return cryoerrors.New(cryoerrors.KindSpoolIO, "spool.WriteFragment", err)
	}
	if err := os.Rename(tmp, chunkPath(cell, n)); err != nil {
		return cryoerrors.New(cryoerrors.KindSpoolIO, "spool.WriteFragment", err)
	}
	if m != nil {
		m.RecordFragmentWrite(string(cell.Role), int64(len(data)))
	}
	return nil
}

// WriteFragmentStream copies r into fragment n following the same
// tmp-write/fsync/rename discipline as WriteFragment, for callers (the
// thaw worker's downloader) that receive the fragment as a stream
// rather than a fully-buffered byte slice. It returns the number of
// bytes copied. m may be nil, in which case no metric is recorded.
func WriteFragmentStream(cell *CellHandle, n int, r io.Reader, m *metrics.Metrics) (int64, error) {
	if n <= 0 {
		return 0, cryoerrors.New(cryoerrors.KindSpoolIO, "spool.WriteFragmentStream",
			fmt.Errorf("fragment index must be >= 1, got %d", n))
	}

	tmp := tmpChunkPath(cell, n)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fileMode)
	if err != nil {
		return 0, cryoerrors.New(cryoerrors.KindSpoolIO, "spool.WriteFragmentStream", err)
	}
	written, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return written, cryoerrors.New(cryoerrors.KindSpoolIO, "spool.WriteFragmentStream", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return written, cryoerrors.New(cryoerrors.KindSpoolIO, "spool.WriteFragmentStream", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return written, cryoerrors.New(cryoerrors.KindSpoolIO, "spool.WriteFragmentStream", err)
	}
	if err := os.Rename(tmp, chunkPath(cell, n)); err != nil {
		return written, cryoerrors.New(cryoerrors.KindSpoolIO, "spool.WriteFragmentStream", err)
	}
	if m != nil {
		m.RecordFragmentWrite(string(cell.Role), written)
	}
	return written, nil
}

// Seal atomically creates the zero-length chunk.0 sentinel. This must
// only be called after every prior fragment has been fsynced and
// renamed into place.
func Seal(cell *CellHandle) error {
	tmp := filepath.Join(cell.Dir, "chunk.0.tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fileMode)
	if err != nil {
		return cryoerrors.New(cryoerrors.KindSpoolIO, "spool.Seal", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return cryoerrors.New(cryoerrors.KindSpoolIO, "spool.Seal", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return cryoerrors.New(cryoerrors.KindSpoolIO, "spool.Seal", err)
	}
	if err := os.Rename(tmp, chunkPath(cell, 0)); err != nil {
		return cryoerrors.New(cryoerrors.KindSpoolIO, "spool.Seal", err)
	}
	return nil
}

// ListFragments returns the numerically sorted fragment indices present
// in the cell, excluding the chunk.0 sentinel. Entries that don't match
// "chunk.<digits>" are ignored (the caller should log them).
func ListFragments(cell *CellHandle) ([]int, error) {
	entries, err := os.ReadDir(cell.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, cryoerrors.New(cryoerrors.KindSpoolIO, "spool.ListFragments", err)
	}

	var nums []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n, ok := ParseChunkName(e.Name())
		if !ok || n == 0 {
			continue
		}
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums, nil
}

// ParseChunkName strictly parses "chunk.<digits>" filenames. Anything
// else (including chunk.N.tmp) is rejected: fragment numbering parsing
// is strict.
func ParseChunkName(name string) (int, bool) {
	m := chunkNamePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// IsSealed reports whether chunk.0 is present in the cell.
func IsSealed(cell *CellHandle) bool {
	_, err := os.Stat(chunkPath(cell, 0))
	return err == nil
}

// ConsumeFragment deletes fragment n after it has been durably handled
// remotely (or, on the restore side, after it has been fully emitted).
func ConsumeFragment(cell *CellHandle, n int) error {
	if err := os.Remove(chunkPath(cell, n)); err != nil && !os.IsNotExist(err) {
		return cryoerrors.New(cryoerrors.KindSpoolIO, "spool.ConsumeFragment", err)
	}
	return nil
}

// RemoveCellDir removes the (expected-to-be-empty) cell directory and
// any now-empty parent directories up to the role root.
func RemoveCellDir(sp *Spool, cell *CellHandle) error {
	if err := os.Remove(cell.Dir); err != nil && !os.IsNotExist(err) {
		return cryoerrors.New(cryoerrors.KindSpoolIO, "spool.RemoveCellDir", err)
	}
	roleRoot := sp.RoleRoot(cell.Role)
	dir := filepath.Dir(cell.Dir)
	for dir != roleRoot && len(dir) > len(roleRoot) {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

// FragmentSize returns the on-disk size of fragment n, or an error if it
// doesn't exist.
func FragmentSize(cell *CellHandle, n int) (int64, error) {
	info, err := os.Stat(chunkPath(cell, n))
	if err != nil {
		return 0, cryoerrors.New(cryoerrors.KindFragmentMissing, "spool.FragmentSize", err)
	}
	return info.Size(), nil
}

// FragmentPath exposes the final (non-tmp) path of fragment n, for
// readers that want to open it directly (e.g. the freeze worker's
// uploader).
func FragmentPath(cell *CellHandle, n int) string {
	return chunkPath(cell, n)
}

// CleanTempFiles removes any leftover chunk.N.tmp files in the cell,
// the fsync-then-rename discipline a stage leaves behind on cancellation.
func CleanTempFiles(cell *CellHandle) error {
	entries, err := os.ReadDir(cell.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return cryoerrors.New(cryoerrors.KindSpoolIO, "spool.CleanTempFiles", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			os.Remove(filepath.Join(cell.Dir, e.Name()))
		}
	}
	return nil
}

// DiscoverCells scans roleRoot for BID-shaped leaf directories
// (vault/prefix.../ulid), used to bootstrap the freeze/thaw watchers
// with whatever cells already existed before the process started.
func DiscoverCells(sp *Spool, role Role) ([]string, error) {
	roleRoot := sp.RoleRoot(role)
	var cells []string
	err := filepath.WalkDir(roleRoot, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if !d.IsDir() || p == roleRoot {
			return nil
		}
		// A cell directory is a ulid leaf: it contains no subdirectories.
		children, err := os.ReadDir(p)
		if err != nil {
			return nil
		}
		hasSubdir := false
		for _, c := range children {
			if c.IsDir() {
				hasSubdir = true
				break
			}
		}
		if !hasSubdir {
			rel, err := filepath.Rel(roleRoot, p)
			if err == nil {
				cells = append(cells, rel)
			}
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, cryoerrors.New(cryoerrors.KindSpoolIO, "spool.DiscoverCells", err)
	}
	return cells, nil
}
