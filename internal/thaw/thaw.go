// Package thaw implements the thaw worker: it enumerates a backup's
// remote fragments, requests archival-tier restores where needed,
// polls for readiness, downloads each fragment into the restore
// spool, and seals the cell once every fragment has landed.
package thaw

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"time"

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

// Config tunes one Worker's concurrency, restore-expiry, and poll
// behavior.
type Config struct {
	Bucket   string
	Provider string

	// RestoreExpiryDays is how long the temporary hot copy an
	// archival-tier restore produces stays readable.
	RestoreExpiryDays int32

	MaxInflightDL int

	PollBase     time.Duration
	PollMax      time.Duration // POLL_MAX_INTERVAL
	ThawDeadline time.Duration // THAW_DEADLINE
}

func (c Config) withDefaults() Config {
	if c.RestoreExpiryDays <= 0 {
		c.RestoreExpiryDays = 3
	}
	if c.MaxInflightDL <= 0 {
		c.MaxInflightDL = 4
	}
	if c.PollBase <= 0 {
		c.PollBase = 30 * time.Second
	}
	if c.PollMax <= 0 {
		c.PollMax = 30 * time.Minute
	}
	if c.ThawDeadline <= 0 {
		c.ThawDeadline = 24 * time.Hour
	}
	return c
}

// Worker thaws backups on demand: each Thaw call runs the full
// enumerate/initiate/poll/download/seal sequence for one BID.
type Worker struct {
	sp      *spool.Spool
	client  remote.Client
	metrics *metrics.Metrics
	logger  *logrus.Entry
	cfg     Config
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
	return &Worker{sp: sp, client: client, metrics: m, logger: logger, cfg: cfg}
}

// Thaw runs enumerate/initiate/poll/download/seal for bid against the
// restore spool, resuming from whatever fragments a prior, interrupted
// attempt already landed on disk. It returns once the restore cell's
// chunk.0 sentinel has been written, or a typed error: ArchiveIncomplete
// if the remote fragment set has a gap, ThawTimeout if readiness polling
// exceeds ThawDeadline, or a remote error otherwise.
func (w *Worker) Thaw(ctx context.Context, bid backupid.ID) error {
	objects, err := w.enumerate(ctx, bid)
	if err != nil {
		return err
	}

	cell := &spool.CellHandle{
		Role: spool.RoleRestore,
		BID:  bid,
		Dir:  filepath.Join(w.sp.RoleRoot(spool.RoleRestore), bid.SpoolRelPath()),
	}
	if err := os.MkdirAll(cell.Dir, 0700); err != nil {
		return cryoerrors.New(cryoerrors.KindSpoolIO, "thaw.Thaw", err)
	}

	fragments := fragmentsOf(objects)

	pending := w.needDownload(cell, fragments)
	if err := w.initiate(ctx, pending); err != nil {
		return err
	}

	ready, err := w.pollUntilReady(ctx, pending)
	if err != nil {
		return err
	}

	if err := w.downloadAll(ctx, cell, ready); err != nil {
		return err
	}

	return spool.Seal(cell)
}

// fragmentsOf drops the chunk.0 sentinel: it exists only to confirm
// completeness during enumeration, never to be fetched or polled.
func fragmentsOf(objects map[int]remote.ObjectInfo) map[int]remote.ObjectInfo {
	out := make(map[int]remote.ObjectInfo, len(objects))
	for n, o := range objects {
		if n == 0 {
			continue
		}
		out[n] = o
	}
	return out
}

// needDownload filters fragments down to those not already present
// locally with a matching size, the resume-by-size behavior: a prior
// attempt's fully-landed fragments are never re-fetched.
func (w *Worker) needDownload(cell *spool.CellHandle, fragments map[int]remote.ObjectInfo) map[int]remote.ObjectInfo {
	out := make(map[int]remote.ObjectInfo, len(fragments))
	for n, o := range fragments {
		if size, err := spool.FragmentSize(cell, n); err == nil && size == o.Size {
			continue
		}
		out[n] = o
	}
	return out
}

// enumerate lists the remote objects under bid's key prefix and
// verifies they form a dense {chunk.0..chunk.K} set with no gaps,
// returning them keyed by fragment number.
func (w *Worker) enumerate(ctx context.Context, bid backupid.ID) (map[int]remote.ObjectInfo, error) {
	objs, err := w.client.List(ctx, w.cfg.Bucket, bid.ObjectKeyPrefix())
	if err != nil {
		return nil, err
	}

	byN := make(map[int]remote.ObjectInfo, len(objs))
	maxN := -1
	for _, o := range objs {
		n, ok := chunkNumber(bid, o.Key)
		if !ok {
			continue
		}
		byN[n] = o
		if n > maxN {
			maxN = n
		}
	}
	if maxN < 0 {
		return nil, cryoerrors.New(cryoerrors.KindArchiveIncomplete, "thaw.enumerate",
			fmt.Errorf("no remote fragments found under %s", bid.ObjectKeyPrefix()))
	}
	if _, ok := byN[0]; !ok {
		return nil, cryoerrors.New(cryoerrors.KindArchiveIncomplete, "thaw.enumerate",
			fmt.Errorf("sentinel chunk.0 missing under %s", bid.ObjectKeyPrefix()))
	}
	for n := 0; n <= maxN; n++ {
		if _, ok := byN[n]; !ok {
			return nil, cryoerrors.New(cryoerrors.KindArchiveIncomplete, "thaw.enumerate",
				fmt.Errorf("gap at chunk.%d under %s", n, bid.ObjectKeyPrefix()))
		}
	}
	return byN, nil
}

func chunkNumber(bid backupid.ID, key string) (int, bool) {
	prefix := bid.ObjectKeyPrefix()
	if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
		return 0, false
	}
	return spool.ParseChunkName(key[len(prefix):])
}

// initiate issues a restore request for every fragment whose storage
// class requires one, tolerating a 409 RestoreAlreadyInProgress (the
// Client implementation swallows that condition and returns nil).
func (w *Worker) initiate(ctx context.Context, fragments map[int]remote.ObjectInfo) error {
	for _, o := range fragments {
		if o.Restore != remote.RestoreStatusNotRequested {
			continue
		}
		if err := w.client.InitiateRestore(ctx, w.cfg.Bucket, o.Key, w.cfg.RestoreExpiryDays); err != nil {
			return err
		}
	}
	return nil
}

// pollUntilReady polls each fragment's readiness via Head until every
// one reports RestoreStatusReady, backing off between rounds up to
// PollMax. It abandons with ThawTimeout once ThawDeadline has elapsed.
func (w *Worker) pollUntilReady(ctx context.Context, fragments map[int]remote.ObjectInfo) (map[int]remote.ObjectInfo, error) {
	deadline := time.Now().Add(w.cfg.ThawDeadline)

	ready := make(map[int]remote.ObjectInfo, len(fragments))
	pending := make(map[int]remote.ObjectInfo, len(fragments))
	for n, o := range fragments {
		if o.Restore == remote.RestoreStatusReady {
			ready[n] = o
		} else {
			pending[n] = o
		}
	}

	attempt := 0
	for len(pending) > 0 {
		if time.Now().After(deadline) {
			return nil, cryoerrors.New(cryoerrors.KindThawTimeout, "thaw.pollUntilReady",
				fmt.Errorf("%d fragment(s) still not ready after the thaw deadline", len(pending)))
		}
		attempt++

		for n, o := range pending {
			start := time.Now()
			info, err := w.client.Head(ctx, w.cfg.Bucket, o.Key)
			if err != nil {
				return nil, err
			}
			outcome := "pending"
			if info.Restore == remote.RestoreStatusReady {
				ready[n] = info
				delete(pending, n)
				outcome = "ready"
			}
			w.metrics.RecordThawPoll(w.cfg.Provider, outcome, time.Since(start))
		}
		if len(pending) == 0 {
			break
		}

		delay := remote.RetryBackoff(attempt, w.cfg.PollBase, w.cfg.PollMax, fullJitter)
		if remaining := time.Until(deadline); delay > remaining {
			delay = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return ready, nil
}

// downloadAll fetches every ready fragment into the restore cell,
// bounded by MaxInflightDL.
func (w *Worker) downloadAll(ctx context.Context, cell *spool.CellHandle, fragments map[int]remote.ObjectInfo) error {
	if len(fragments) == 0 {
		return nil
	}
	sem := make(chan struct{}, w.cfg.MaxInflightDL)
	g, gctx := errgroup.WithContext(ctx)
	for n, o := range fragments {
		select {
		case sem <- struct{}{}:
		case <-gctx.Done():
			return g.Wait()
		}
		g.Go(func() (err error) {
			defer func() { <-sem }()
			defer middleware.RecoverInto(w.logger, "thaw.downloadFragment", &err)
			return w.downloadFragment(gctx, cell, n, o)
		})
	}
	return g.Wait()
}

// downloadFragment streams one fragment's body into chunk.N.tmp,
// fsyncs, and renames it into place, failing FragmentCorrupt if the
// byte count downloaded doesn't match what List/Head reported.
func (w *Worker) downloadFragment(ctx context.Context, cell *spool.CellHandle, n int, info remote.ObjectInfo) error {
	start := time.Now()
	body, err := w.client.Get(ctx, w.cfg.Bucket, info.Key)
	if err != nil {
		w.metrics.RecordDownload(ctx, w.cfg.Provider, "error", time.Since(start))
		return err
	}
	defer body.Close()

	written, err := spool.WriteFragmentStream(cell, n, body, w.metrics)
	outcome := "success"
	if err != nil {
		outcome = "error"
	} else if info.Size > 0 && written != info.Size {
		outcome = "error"
		err = cryoerrors.New(cryoerrors.KindFragmentCorrupt, "thaw.downloadFragment",
			fmt.Errorf("chunk.%d: downloaded %d bytes, remote reports %d", n, written, info.Size))
	}
	w.metrics.RecordDownload(ctx, w.cfg.Provider, outcome, time.Since(start))
	return err
}

// fullJitter spreads a computed backoff duration uniformly over
// [0, d], the standard full-jitter strategy for retry storms.
func fullJitter(d int64) int64 {
	if d <= 0 {
		return 0
	}
	return rand.Int63n(d + 1)
}
