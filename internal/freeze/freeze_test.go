package freeze

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cryophile/cryophile/internal/backupid"
	"github.com/cryophile/cryophile/internal/metrics"
	"github.com/cryophile/cryophile/internal/remote"
	"github.com/cryophile/cryophile/internal/spool"
)

type fakeObject struct {
	body         []byte
	storageClass string
}

type fakeClient struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	puts    []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{objects: make(map[string]fakeObject)}
}

func (f *fakeClient) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, storageClass string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.objects[key] = fakeObject{body: data, storageClass: storageClass}
	f.puts = append(f.puts, key)
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Head(ctx context.Context, bucket, key string) (remote.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[key]
	if !ok {
		return remote.ObjectInfo{}, remote.ErrNotFound
	}
	return remote.ObjectInfo{Key: key, Size: int64(len(obj.body)), StorageClass: obj.storageClass}, nil
}

func (f *fakeClient) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[key]
	if !ok {
		return nil, remote.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.body)), nil
}

func (f *fakeClient) List(ctx context.Context, bucket, prefix string) ([]remote.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []remote.ObjectInfo
	for k, v := range f.objects {
		out = append(out, remote.ObjectInfo{Key: k, Size: int64(len(v.body)), StorageClass: v.storageClass})
	}
	return out, nil
}

func (f *fakeClient) InitiateRestore(ctx context.Context, bucket, key string, expiryDays int32) error {
	return nil
}

func (f *fakeClient) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.puts)
}

func (f *fakeClient) putOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.puts...)
}

func testBID(t *testing.T) backupid.ID {
	t.Helper()
	id, err := backupid.New(uuid.New(), "proj/db", ulid.Make())
	if err != nil {
		t.Fatalf("backupid.New: %v", err)
	}
	return id
}

func writeBackupCell(t *testing.T, sp *spool.Spool, bid backupid.ID, fragments [][]byte, sealed bool) *spool.CellHandle {
	t.Helper()
	cell, err := spool.OpenCell(sp, spool.RoleBackup, bid)
	if err != nil {
		t.Fatalf("OpenCell: %v", err)
	}
	for i, data := range fragments {
		if err := spool.WriteFragment(cell, i+1, data, 1<<20, nil); err != nil {
			t.Fatalf("WriteFragment: %v", err)
		}
	}
	if sealed {
		if err := spool.Seal(cell); err != nil {
			t.Fatalf("Seal: %v", err)
		}
	}
	return cell
}

func TestDrainCellUploadsFragmentsThenSentinelLast(t *testing.T) {
	root := t.TempDir()
	sp := spool.New(root)
	bid := testBID(t)
	writeBackupCell(t, sp, bid, [][]byte{[]byte("frag-one"), []byte("frag-two")}, true)

	client := newFakeClient()
	w := New(sp, client, metrics.NewWithRegistry(prometheus.NewRegistry()), nil, Config{Bucket: "test-bucket", StorageClass: "GLACIER"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	relPath := bid.SpoolRelPath()
	if err := w.drainCell(ctx, relPath); err != nil {
		t.Fatalf("drainCell: %v", err)
	}

	order := client.putOrder()
	if len(order) != 3 {
		t.Fatalf("got %d puts, want 3", len(order))
	}
	if order[len(order)-1] != bid.ObjectKey(0) {
		t.Fatalf("sentinel was not uploaded last: %v", order)
	}

	if _, err := os.Stat(filepath.Join(sp.RoleRoot(spool.RoleBackup), relPath)); err == nil {
		t.Fatalf("expected cell directory to be retired")
	}
}

func TestDrainCellSkipsFragmentAlreadyUploadedWithMatchingSize(t *testing.T) {
	root := t.TempDir()
	sp := spool.New(root)
	bid := testBID(t)
	writeBackupCell(t, sp, bid, [][]byte{[]byte("frag-one")}, true)

	client := newFakeClient()
	client.objects[bid.ObjectKey(1)] = fakeObject{body: []byte("frag-one"), storageClass: "GLACIER"}

	w := New(sp, client, metrics.NewWithRegistry(prometheus.NewRegistry()), nil, Config{Bucket: "test-bucket", StorageClass: "GLACIER"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := w.drainCell(ctx, bid.SpoolRelPath()); err != nil {
		t.Fatalf("drainCell: %v", err)
	}

	if client.putCount() != 1 {
		t.Fatalf("got %d puts, want 1 (only the sentinel, fragment 1 already matched remotely)", client.putCount())
	}
}

func TestRetireCellDeletesDescendingThenSentinelThenDir(t *testing.T) {
	root := t.TempDir()
	sp := spool.New(root)
	bid := testBID(t)
	cell := writeBackupCell(t, sp, bid, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, true)

	client := newFakeClient()
	w := New(sp, client, metrics.NewWithRegistry(prometheus.NewRegistry()), nil, Config{Bucket: "test-bucket"})

	if err := w.retireCell(cell, []int{1, 2, 3}); err != nil {
		t.Fatalf("retireCell: %v", err)
	}
	if _, err := os.Stat(cell.Dir); err == nil {
		t.Fatalf("expected cell directory removed")
	}
}
