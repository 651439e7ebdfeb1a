package pipeline

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/cryophile/cryophile/internal/backupid"
	"github.com/cryophile/cryophile/internal/cryoerrors"
	"github.com/cryophile/cryophile/internal/remote"
	"github.com/cryophile/cryophile/internal/spool"
)

// fakeRemoteClient implements remote.Client with an in-memory object
// map, just enough for checkRemoteConflict's Head call; the other
// methods are never exercised by these tests.
type fakeRemoteClient struct {
	objects map[string]int64
}

func (f *fakeRemoteClient) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, storageClass string) error {
	return nil
}

func (f *fakeRemoteClient) Head(ctx context.Context, bucket, key string) (remote.ObjectInfo, error) {
	size, ok := f.objects[key]
	if !ok {
		return remote.ObjectInfo{}, remote.ErrNotFound
	}
	return remote.ObjectInfo{Key: key, Size: size}, nil
}

func (f *fakeRemoteClient) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	return nil, remote.ErrNotFound
}

func (f *fakeRemoteClient) List(ctx context.Context, bucket, prefix string) ([]remote.ObjectInfo, error) {
	return nil, nil
}

func (f *fakeRemoteClient) InitiateRestore(ctx context.Context, bucket, key string, expiryDays int32) error {
	return nil
}

func testEntity(t *testing.T) *openpgp.Entity {
	t.Helper()
	e, err := openpgp.NewEntity("cryophile-test", "", "test@example.invalid", &packet.Config{})
	if err != nil {
		t.Fatalf("openpgp.NewEntity: %v", err)
	}
	return e
}

func testBID(t *testing.T) backupid.ID {
	t.Helper()
	id, err := backupid.New(uuid.New(), "proj/db", ulid.Make())
	if err != nil {
		t.Fatalf("backupid.New: %v", err)
	}
	return id
}

func runRoundTrip(t *testing.T, plaintext []byte, codec Codec, fragmentMax int64) {
	t.Helper()
	root := t.TempDir()
	sp := spool.New(root)
	bid := testBID(t)
	entity := testEntity(t)
	recipients := openpgp.EntityList{entity}

	err := Run(context.Background(), sp, bid, bytes.NewReader(plaintext), BackupOptions{
		Codec:       codec,
		Recipients:  recipients,
		FragmentMax: fragmentMax,
	})
	if err != nil {
		t.Fatalf("Run (backup): %v", err)
	}

	// The cell is now non-empty, so OpenCell would fail CellConflict;
	// address the existing cell directly instead.
	backupCell := &spool.CellHandle{
		Role: spool.RoleBackup,
		BID:  bid,
		Dir:  filepath.Join(sp.RoleRoot(spool.RoleBackup), bid.SpoolRelPath()),
	}
	if _, err := os.Stat(backupCell.Dir); err != nil {
		t.Fatalf("backup cell directory: %v", err)
	}
	if !spool.IsSealed(backupCell) {
		t.Fatal("expected backup cell to be sealed")
	}

	var restored bytes.Buffer
	err = RunRestore(context.Background(), sp, backupCell, &restored, RestoreOptions{
		Codec:   codec,
		Keyring: recipients,
	})
	if err != nil {
		t.Fatalf("RunRestore: %v", err)
	}

	if !bytes.Equal(restored.Bytes(), plaintext) {
		t.Fatalf("restored %d bytes, want %d bytes matching original", restored.Len(), len(plaintext))
	}
}

func TestBackupRestoreRoundTripSmall(t *testing.T) {
	runRoundTrip(t, []byte("hello cryophile"), CodecZstd, spool.DefaultFragmentMax)
}

func TestBackupRestoreRoundTripEmpty(t *testing.T) {
	runRoundTrip(t, nil, CodecZstd, spool.DefaultFragmentMax)
}

func TestBackupRestoreRoundTripLZ4(t *testing.T) {
	data := make([]byte, 64*1024)
	rand.New(rand.NewSource(1)).Read(data)
	runRoundTrip(t, data, CodecLZ4, spool.DefaultFragmentMax)
}

func TestBackupRestoreRoundTripMultiFragment(t *testing.T) {
	data := make([]byte, 256*1024)
	rand.New(rand.NewSource(2)).Read(data)
	// A tiny FragmentMax forces the splitter across many fragment
	// boundaries, and the concatenator must reassemble them in order.
	runRoundTrip(t, data, CodecZstd, 4096)
}

func TestSplitterStageEmptyInputStillWritesOneFragment(t *testing.T) {
	root := t.TempDir()
	sp := spool.New(root)
	cell, err := spool.OpenCell(sp, spool.RoleBackup, testBID(t))
	if err != nil {
		t.Fatalf("OpenCell: %v", err)
	}

	if err := splitterStage(bytes.NewReader(nil), cell, spool.DefaultFragmentMax, nil); err != nil {
		t.Fatalf("splitterStage: %v", err)
	}

	frags, err := spool.ListFragments(cell)
	if err != nil {
		t.Fatalf("ListFragments: %v", err)
	}
	if len(frags) != 1 || frags[0] != 1 {
		t.Fatalf("got fragments %v, want [1]", frags)
	}
	if !spool.IsSealed(cell) {
		t.Fatal("expected cell to be sealed")
	}
}

func TestSplitterStageExactBoundarySplit(t *testing.T) {
	root := t.TempDir()
	sp := spool.New(root)
	cell, err := spool.OpenCell(sp, spool.RoleBackup, testBID(t))
	if err != nil {
		t.Fatalf("OpenCell: %v", err)
	}

	data := bytes.Repeat([]byte{0xAB}, 20)
	if err := splitterStage(bytes.NewReader(data), cell, 10, nil); err != nil {
		t.Fatalf("splitterStage: %v", err)
	}

	frags, err := spool.ListFragments(cell)
	if err != nil {
		t.Fatalf("ListFragments: %v", err)
	}
	if len(frags) != 2 {
		t.Fatalf("got %d fragments, want 2", len(frags))
	}
	for _, n := range frags {
		size, err := spool.FragmentSize(cell, n)
		if err != nil {
			t.Fatalf("FragmentSize(%d): %v", n, err)
		}
		if size != 10 {
			t.Fatalf("fragment %d has size %d, want 10", n, size)
		}
	}
}

func TestRunFailsCellConflictWhenRemoteSentinelAlreadyExists(t *testing.T) {
	root := t.TempDir()
	sp := spool.New(root)
	bid := testBID(t)
	entity := testEntity(t)

	client := &fakeRemoteClient{objects: map[string]int64{bid.ObjectKey(0): 0}}

	err := Run(context.Background(), sp, bid, bytes.NewReader([]byte("hi")), BackupOptions{
		Codec:        CodecZstd,
		Recipients:   openpgp.EntityList{entity},
		RemoteClient: client,
		RemoteBucket: "test-bucket",
	})
	if cryoerrors.KindOf(err) != cryoerrors.KindCellConflict {
		t.Fatalf("got %v, want a CellConflict error", err)
	}
}

func TestRunProceedsWhenRemoteSentinelAbsent(t *testing.T) {
	root := t.TempDir()
	sp := spool.New(root)
	bid := testBID(t)
	entity := testEntity(t)

	client := &fakeRemoteClient{objects: map[string]int64{}}

	err := Run(context.Background(), sp, bid, bytes.NewReader([]byte("hi")), BackupOptions{
		Codec:        CodecZstd,
		Recipients:   openpgp.EntityList{entity},
		RemoteClient: client,
		RemoteBucket: "test-bucket",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestWaitForSealReturnsImmediatelyIfAlreadySealed(t *testing.T) {
	root := t.TempDir()
	sp := spool.New(root)
	cell, err := spool.OpenCell(sp, spool.RoleRestore, testBID(t))
	if err != nil {
		t.Fatalf("OpenCell: %v", err)
	}
	if err := spool.WriteFragment(cell, 1, []byte("x"), spool.DefaultFragmentMax, nil); err != nil {
		t.Fatalf("WriteFragment: %v", err)
	}
	if err := spool.Seal(cell); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- waitForSeal(context.Background(), cell, time.Hour) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waitForSeal: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waitForSeal did not return immediately for an already-sealed cell")
	}
}

func TestWaitForSealUnblocksOnLateSentinel(t *testing.T) {
	root := t.TempDir()
	sp := spool.New(root)
	cell, err := spool.OpenCell(sp, spool.RoleRestore, testBID(t))
	if err != nil {
		t.Fatalf("OpenCell: %v", err)
	}
	if err := spool.WriteFragment(cell, 1, []byte("x"), spool.DefaultFragmentMax, nil); err != nil {
		t.Fatalf("WriteFragment: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- waitForSeal(context.Background(), cell, time.Hour) }()

	time.Sleep(100 * time.Millisecond)
	if err := spool.Seal(cell); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waitForSeal: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waitForSeal did not unblock after the sentinel was written")
	}
}
