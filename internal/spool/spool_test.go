package spool

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/cryophile/cryophile/internal/backupid"
)

func testBID(t *testing.T) backupid.ID {
	t.Helper()
	id, err := backupid.New(uuid.New(), "proj/db", ulid.Make())
	if err != nil {
		t.Fatalf("backupid.New: %v", err)
	}
	return id
}

func TestOpenCellCreatesDirectory(t *testing.T) {
	root := t.TempDir()
	sp := New(root)
	bid := testBID(t)

	cell, err := OpenCell(sp, RoleBackup, bid)
	if err != nil {
		t.Fatalf("OpenCell: %v", err)
	}
	info, err := os.Stat(cell.Dir)
	if err != nil {
		t.Fatalf("expected cell dir to exist: %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("expected %s to be a directory", cell.Dir)
	}
}

func TestOpenCellConflictOnNonEmptyBackupCell(t *testing.T) {
	root := t.TempDir()
	sp := New(root)
	bid := testBID(t)

	cell, err := OpenCell(sp, RoleBackup, bid)
	if err != nil {
		t.Fatalf("OpenCell: %v", err)
	}
	if err := WriteFragment(cell, 1, []byte("x"), DefaultFragmentMax, nil); err != nil {
		t.Fatalf("WriteFragment: %v", err)
	}

	if _, err := OpenCell(sp, RoleBackup, bid); err == nil {
		t.Fatal("expected CellConflict reopening a non-empty backup cell")
	}
}

func TestWriteFragmentAtomicRename(t *testing.T) {
	root := t.TempDir()
	sp := New(root)
	cell, err := OpenCell(sp, RoleBackup, testBID(t))
	if err != nil {
		t.Fatalf("OpenCell: %v", err)
	}

	if err := WriteFragment(cell, 1, []byte("hello"), DefaultFragmentMax, nil); err != nil {
		t.Fatalf("WriteFragment: %v", err)
	}

	if _, err := os.Stat(filepath.Join(cell.Dir, "chunk.1")); err != nil {
		t.Fatalf("expected chunk.1 to exist: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cell.Dir, "chunk.1.tmp")); !os.IsNotExist(err) {
		t.Fatalf("expected chunk.1.tmp to be gone, got err=%v", err)
	}
}

func TestWriteFragmentOversizeRejected(t *testing.T) {
	root := t.TempDir()
	sp := New(root)
	cell, err := OpenCell(sp, RoleBackup, testBID(t))
	if err != nil {
		t.Fatalf("OpenCell: %v", err)
	}

	err = WriteFragment(cell, 1, make([]byte, 16), 8, nil)
	if err == nil {
		t.Fatal("expected FragmentOversize error")
	}
}

func TestSealIsLastAndDenseListingHolds(t *testing.T) {
	root := t.TempDir()
	sp := New(root)
	cell, err := OpenCell(sp, RoleBackup, testBID(t))
	if err != nil {
		t.Fatalf("OpenCell: %v", err)
	}

	for n := 1; n <= 3; n++ {
		if err := WriteFragment(cell, n, []byte{byte(n)}, DefaultFragmentMax, nil); err != nil {
			t.Fatalf("WriteFragment(%d): %v", n, err)
		}
	}
	if IsSealed(cell) {
		t.Fatal("cell must not be sealed before Seal is called")
	}

	if err := Seal(cell); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !IsSealed(cell) {
		t.Fatal("expected cell to be sealed")
	}

	frags, err := ListFragments(cell)
	if err != nil {
		t.Fatalf("ListFragments: %v", err)
	}
	want := []int{1, 2, 3}
	if len(frags) != len(want) {
		t.Fatalf("got %v, want %v", frags, want)
	}
	for i, n := range want {
		if frags[i] != n {
			t.Fatalf("got %v, want %v", frags, want)
		}
	}
}

func TestParseChunkNameStrict(t *testing.T) {
	cases := []struct {
		name  string
		n     int
		valid bool
	}{
		{"chunk.0", 0, true},
		{"chunk.1", 1, true},
		{"chunk.42", 42, true},
		{"chunk.01", 0, false}, // leading zero rejected
		{"chunk.1.tmp", 0, false},
		{"chunk.", 0, false},
		{"chunk.-1", 0, false},
		{"notachunk", 0, false},
	}
	for _, c := range cases {
		n, ok := ParseChunkName(c.name)
		if ok != c.valid {
			t.Errorf("ParseChunkName(%q) ok=%v, want %v", c.name, ok, c.valid)
			continue
		}
		if ok && n != c.n {
			t.Errorf("ParseChunkName(%q) = %d, want %d", c.name, n, c.n)
		}
	}
}

func TestConsumeFragmentAndRemoveCellDir(t *testing.T) {
	root := t.TempDir()
	sp := New(root)
	cell, err := OpenCell(sp, RoleBackup, testBID(t))
	if err != nil {
		t.Fatalf("OpenCell: %v", err)
	}
	if err := WriteFragment(cell, 1, []byte("x"), DefaultFragmentMax, nil); err != nil {
		t.Fatalf("WriteFragment: %v", err)
	}
	if err := Seal(cell); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if err := ConsumeFragment(cell, 1); err != nil {
		t.Fatalf("ConsumeFragment(1): %v", err)
	}
	if err := ConsumeFragment(cell, 0); err != nil {
		t.Fatalf("ConsumeFragment(0): %v", err)
	}
	if err := RemoveCellDir(sp, cell); err != nil {
		t.Fatalf("RemoveCellDir: %v", err)
	}
	if _, err := os.Stat(cell.Dir); !os.IsNotExist(err) {
		t.Fatalf("expected cell dir to be removed, got err=%v", err)
	}
}

func TestDiscoverCellsFindsLeafDirectories(t *testing.T) {
	root := t.TempDir()
	sp := New(root)
	bid := testBID(t)
	cell, err := OpenCell(sp, RoleBackup, bid)
	if err != nil {
		t.Fatalf("OpenCell: %v", err)
	}
	if err := WriteFragment(cell, 1, []byte("x"), DefaultFragmentMax, nil); err != nil {
		t.Fatalf("WriteFragment: %v", err)
	}

	cells, err := DiscoverCells(sp, RoleBackup)
	if err != nil {
		t.Fatalf("DiscoverCells: %v", err)
	}
	if len(cells) != 1 || cells[0] != bid.SpoolRelPath() {
		t.Fatalf("got %v, want [%s]", cells, bid.SpoolRelPath())
	}
}
