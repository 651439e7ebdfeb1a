// Package freeze implements the freeze worker: it watches the backup
// spool for cells produced by the backup pipeline, uploads their
// fragments to remote object storage, and retires each cell locally
// once every fragment (the sentinel last) has been durably stored.
package freeze

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cryophile/cryophile/internal/backupid"
	"github.com/cryophile/cryophile/internal/cryoerrors"
	"github.com/cryophile/cryophile/internal/metrics"
	"github.com/cryophile/cryophile/internal/middleware"
	"github.com/cryophile/cryophile/internal/remote"
	"github.com/cryophile/cryophile/internal/spool"
)

// Config tunes one Worker's concurrency, retry, and watch behavior.
type Config struct {
	Bucket       string
	Provider     string
	StorageClass string

	MaxInflight       int
	MaxParallelCells  int
	MaxUploadAttempts int

	RetryBase   time.Duration
	RetryMax    time.Duration
	WatchRebase time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxInflight <= 0 {
		c.MaxInflight = 4
	}
	if c.MaxParallelCells <= 0 {
		c.MaxParallelCells = 4
	}
	if c.MaxUploadAttempts <= 0 {
		c.MaxUploadAttempts = 8
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 2 * time.Minute
	}
	if c.WatchRebase <= 0 {
		c.WatchRebase = 30 * time.Second
	}
	return c
}

// Worker drains backup cells into remote storage.
type Worker struct {
	sp      *spool.Spool
	client  remote.Client
	metrics *metrics.Metrics
	logger  *logrus.Entry
	cfg     Config

	cellSem chan struct{}

	mu     sync.Mutex
	active map[string]bool
}

// New builds a Worker. sp roots the local spool; client is the remote
// object store; m and logger may be nil, in which case a private
// registry and a discarding logger are used.
func New(sp *spool.Spool, client remote.Client, m *metrics.Metrics, logger *logrus.Entry, cfg Config) *Worker {
	cfg = cfg.withDefaults()
	if m == nil {
		m = metrics.NewWithRegistry(prometheus.NewRegistry())
	}
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}
	return &Worker{
		sp:      sp,
		client:  client,
		metrics: m,
		logger:  logger,
		cfg:     cfg,
		cellSem: make(chan struct{}, cfg.MaxParallelCells),
		active:  make(map[string]bool),
	}
}

// Run drives the worker until ctx is cancelled. It bootstraps from a
// scan of backup/, then reacts to both a filesystem watch and a
// periodic rescan — the watch can coalesce or drop events under a
// heavy create/rename burst, so the rescan is the backstop that
// guarantees no cell is missed.
func (w *Worker) Run(ctx context.Context) error {
	root := w.sp.RoleRoot(spool.RoleBackup)
	if err := os.MkdirAll(root, 0700); err != nil {
		return cryoerrors.New(cryoerrors.KindSpoolIO, "freeze.Run", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return cryoerrors.New(cryoerrors.KindSpoolIO, "freeze.Run", err)
	}
	defer watcher.Close()

	if err := watchTree(watcher, root); err != nil {
		return cryoerrors.New(cryoerrors.KindSpoolIO, "freeze.Run", err)
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	rescan := func() {
		cells, err := spool.DiscoverCells(w.sp, spool.RoleBackup)
		if err != nil {
			w.logger.WithError(err).Warn("freeze: rescan failed")
			return
		}
		for _, rel := range cells {
			w.dispatch(ctx, &wg, rel)
		}
		w.metrics.SetCellsInFlight("backup", "draining", w.activeCount())
	}
	rescan()

	ticker := time.NewTicker(w.cfg.WatchRebase)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					watchTree(watcher, event.Name)
				}
			}
			rescan()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("freeze: watch error")
		case <-ticker.C:
			rescan()
		}
	}
}

// watchTree adds a watch on root and every directory beneath it, since
// fsnotify watches are not recursive.
func watchTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			watcher.Add(p)
		}
		return nil
	})
}

func (w *Worker) activeCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

// dispatch starts draining relPath in its own goroutine unless a
// drain for it is already running.
func (w *Worker) dispatch(ctx context.Context, wg *sync.WaitGroup, relPath string) {
	w.mu.Lock()
	if w.active[relPath] {
		w.mu.Unlock()
		return
	}
	w.active[relPath] = true
	w.mu.Unlock()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			w.mu.Lock()
			delete(w.active, relPath)
			w.mu.Unlock()
		}()
		defer middleware.Recover(w.logger, "freeze.drainCell")

		select {
		case w.cellSem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-w.cellSem }()

		if err := w.drainCell(ctx, relPath); err != nil && ctx.Err() == nil {
			w.logger.WithError(err).WithField("cell", relPath).Error("freeze: cell drain failed")
		}
	}()
}

// drainCell runs one cell through Discovered/Draining/Sealed-seen/
// Retired until the cell is gone or ctx is cancelled.
func (w *Worker) drainCell(ctx context.Context, relPath string) error {
	bid, err := backupid.ParseSpoolRelPath(relPath)
	if err != nil {
		return err
	}
	cell := &spool.CellHandle{
		Role: spool.RoleBackup,
		BID:  bid,
		Dir:  filepath.Join(w.sp.RoleRoot(spool.RoleBackup), relPath),
	}

	uploaded := make(map[int]bool)

	for {
		nums, err := spool.ListFragments(cell)
		if err != nil {
			return err
		}
		sealed := spool.IsSealed(cell)

		var pending []int
		for _, n := range nums {
			if !uploaded[n] {
				pending = append(pending, n)
			}
		}
		if err := w.uploadFragments(ctx, cell, pending, uploaded); err != nil {
			return err
		}

		if sealed && allUploaded(nums, uploaded) {
			if !uploaded[0] {
				if err := w.uploadFragment(ctx, cell, 0); err != nil {
					return err
				}
				uploaded[0] = true
			}
			if err := w.retireCell(cell, nums); err != nil {
				return err
			}
			w.metrics.RecordCellRetired()
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.WatchRebase):
		}
	}
}

func allUploaded(nums []int, uploaded map[int]bool) bool {
	for _, n := range nums {
		if !uploaded[n] {
			return false
		}
	}
	return true
}

// uploadFragments uploads pending fragments concurrently, bounded by
// MaxInflight, marking each successfully uploaded fragment in uploaded.
func (w *Worker) uploadFragments(ctx context.Context, cell *spool.CellHandle, pending []int, uploaded map[int]bool) error {
	if len(pending) == 0 {
		return nil
	}
	sem := make(chan struct{}, w.cfg.MaxInflight)
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for _, n := range pending {
		select {
		case sem <- struct{}{}:
		case <-gctx.Done():
			return g.Wait()
		}
		g.Go(func() (err error) {
			defer func() { <-sem }()
			defer middleware.RecoverInto(w.logger, "freeze.uploadFragment", &err)
			if err := w.uploadFragment(gctx, cell, n); err != nil {
				return err
			}
			mu.Lock()
			uploaded[n] = true
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// uploadFragment PUTs fragment n, skipping the upload if a remote
// object already exists with a matching size, and retrying transient
// failures with exponential backoff bounded by MaxUploadAttempts.
func (w *Worker) uploadFragment(ctx context.Context, cell *spool.CellHandle, n int) error {
	key := cell.BID.ObjectKey(n)
	size, err := spool.FragmentSize(cell, n)
	if err != nil {
		return err
	}

	if info, headErr := w.client.Head(ctx, w.cfg.Bucket, key); headErr == nil && info.Size == size {
		return nil
	} else if headErr != nil && !errors.Is(headErr, remote.ErrNotFound) && cryoerrors.KindOf(headErr) != cryoerrors.KindRemotePermanent {
		w.logger.WithError(headErr).WithField("key", key).Debug("freeze: HEAD failed, attempting PUT anyway")
	}

	var lastErr error
	for attempt := 1; attempt <= w.cfg.MaxUploadAttempts; attempt++ {
		lastErr = w.putOnce(ctx, cell, n, key, size)
		if lastErr == nil {
			return nil
		}
		if cryoerrors.KindOf(lastErr) == cryoerrors.KindRemotePermanent {
			return lastErr
		}
		if attempt == w.cfg.MaxUploadAttempts {
			break
		}
		w.metrics.RecordUploadRetry(w.cfg.Provider)
		delay := remote.RetryBackoff(attempt, w.cfg.RetryBase, w.cfg.RetryMax, fullJitter)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

func (w *Worker) putOnce(ctx context.Context, cell *spool.CellHandle, n int, key string, size int64) error {
	f, err := os.Open(spool.FragmentPath(cell, n))
	if err != nil {
		return cryoerrors.New(cryoerrors.KindSpoolIO, "freeze.putOnce", err)
	}
	defer f.Close()

	start := time.Now()
	err = w.client.Put(ctx, w.cfg.Bucket, key, f, size, w.cfg.StorageClass)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	w.metrics.RecordUpload(ctx, w.cfg.Provider, outcome, time.Since(start))
	return err
}

// retireCell deletes local fragments in descending order, then the
// sentinel, then the now-empty cell directory — the mirror image of
// the upload order, which publishes the sentinel last.
func (w *Worker) retireCell(cell *spool.CellHandle, nums []int) error {
	sort.Sort(sort.Reverse(sort.IntSlice(nums)))
	for _, n := range nums {
		if err := spool.ConsumeFragment(cell, n); err != nil {
			return err
		}
	}
	if err := spool.ConsumeFragment(cell, 0); err != nil {
		return err
	}
	return spool.RemoveCellDir(w.sp, cell)
}

// fullJitter spreads a computed backoff duration uniformly over
// [0, d], the standard full-jitter strategy for retry storms.
func fullJitter(d int64) int64 {
	if d <= 0 {
		return 0
	}
	return rand.Int63n(d + 1)
}
