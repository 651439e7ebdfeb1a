package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/cryophile/cryophile/internal/crypto"
	"github.com/cryophile/cryophile/internal/cryoerrors"
	"github.com/cryophile/cryophile/internal/metrics"
	"github.com/cryophile/cryophile/internal/spool"
)

// RestoreOptions configures one invocation of RunRestore.
type RestoreOptions struct {
	Codec   Codec
	Keyring openpgp.EntityList
	Prompt  openpgp.PromptFunction
	IOBuf   int // defaults to DefaultIOBuf if zero

	// WatchRebase is the periodic rescan interval RunRestore falls
	// back to while waiting for the cell to seal, in case the
	// filesystem watch misses the event that sealed it. Defaults to
	// 30s if zero.
	WatchRebase time.Duration

	// Metrics, if non-nil, receives per-stage instrumentation for this
	// run.
	Metrics *metrics.Metrics
}

func (o RestoreOptions) ioBuf() int {
	if o.IOBuf > 0 {
		return o.IOBuf
	}
	return DefaultIOBuf
}

func (o RestoreOptions) watchRebase() time.Duration {
	if o.WatchRebase > 0 {
		return o.WatchRebase
	}
	return 30 * time.Second
}

func (o RestoreOptions) recordStageDuration(stage string, d time.Duration) {
	if o.Metrics != nil {
		o.Metrics.RecordStageDuration(stage, d)
	}
}

// RunRestore drives the restore pipeline against sp's restore cell:
// wait for the thaw worker to finish sealing it, concatenate its
// fragments in strict ascending order, decrypt the resulting OpenPGP
// message, decompress the plaintext frame, and write it to dest. On
// success it retires the restore cell, mirroring how the freeze worker
// retires a backup cell once uploaded.
func RunRestore(ctx context.Context, sp *spool.Spool, cell *spool.CellHandle, dest io.Writer, opts RestoreOptions) error {
	if err := waitForSeal(ctx, cell, opts.watchRebase()); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	c1 := NewBoundedPipe(gctx, pipeCapacity(opts.ioBuf())) // ciphertext bytes
	c2 := NewBoundedPipe(gctx, pipeCapacity(opts.ioBuf())) // compressed bytes

	// Concatenator stage: synchronous spool I/O, reading fragments in
	// strict dense ascending order and writing their bytes to C1.
	g.Go(func() error {
		defer c1.Close()
		start := time.Now()
		if err := concatenatorStage(cell, c1); err != nil {
			c1.CloseWithError(err)
			return err
		}
		opts.recordStageDuration("concatenator", time.Since(start))
		return nil
	})

	// Decryptor stage: opens the OpenPGP message as its bytes stream in
	// from C1 and writes the recovered compressed frame to C2.
	g.Go(func() error {
		defer c2.Close()
		start := time.Now()
		r, err := crypto.NewDecryptReader(c1, opts.Keyring, opts.Prompt)
		if err != nil {
			c2.CloseWithError(err)
			return err
		}
		if _, err := io.Copy(c2, r); err != nil {
			err = cryoerrors.New(cryoerrors.KindCrypto, "pipeline.decryptorStage", err)
			c2.CloseWithError(err)
			return err
		}
		opts.recordStageDuration("decryptor", time.Since(start))
		return nil
	})

	// Decompressor stage: blocking worker unframing C2 into the
	// original plaintext, written to dest.
	g.Go(func() error {
		start := time.Now()
		r, closeDec, err := NewDecompressReader(opts.Codec, c2)
		if err != nil {
			return err
		}
		defer closeDec()
		buf := make([]byte, opts.ioBuf())
		if _, err := io.CopyBuffer(dest, r, buf); err != nil {
			return cryoerrors.New(cryoerrors.KindCompression, "pipeline.decompressorStage", err)
		}
		opts.recordStageDuration("decompressor", time.Since(start))
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	return retireCell(sp, cell)
}

// waitForSeal blocks until cell's sealed sentinel (chunk.0) appears,
// reacting to both a filesystem watch on the cell directory and a
// periodic rescan — the same two-signal pattern the freeze worker uses
// to pick up newly-arrived backup cells, applied here to a thaw still
// in flight for this one cell.
func waitForSeal(ctx context.Context, cell *spool.CellHandle, rebase time.Duration) error {
	if spool.IsSealed(cell) {
		return nil
	}
	if err := os.MkdirAll(cell.Dir, 0700); err != nil {
		return cryoerrors.New(cryoerrors.KindSpoolIO, "pipeline.waitForSeal", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return cryoerrors.New(cryoerrors.KindSpoolIO, "pipeline.waitForSeal", err)
	}
	defer watcher.Close()
	if err := watcher.Add(cell.Dir); err != nil {
		return cryoerrors.New(cryoerrors.KindSpoolIO, "pipeline.waitForSeal", err)
	}

	ticker := time.NewTicker(rebase)
	defer ticker.Stop()

	for {
		if spool.IsSealed(cell) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-watcher.Events:
			if !ok {
				return cryoerrors.New(cryoerrors.KindSpoolIO, "pipeline.waitForSeal",
					fmt.Errorf("watch on %s closed unexpectedly", cell.Dir))
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return cryoerrors.New(cryoerrors.KindSpoolIO, "pipeline.waitForSeal",
					fmt.Errorf("watch on %s closed unexpectedly", cell.Dir))
			}
			return cryoerrors.New(cryoerrors.KindSpoolIO, "pipeline.waitForSeal", werr)
		case <-ticker.C:
		}
	}
}

// concatenatorStage streams the cell's sealed fragments, in strict
// ascending 1..N order with no gaps, to w. Any gap in the sequence is a
// FragmentMissing error — the restore pipeline never emits from a cell
// whose fragments it cannot account for densely.
func concatenatorStage(cell *spool.CellHandle, w io.Writer) error {
	nums, err := spool.ListFragments(cell)
	if err != nil {
		return err
	}
	for i, n := range nums {
		want := i + 1
		if n != want {
			return cryoerrors.New(cryoerrors.KindFragmentMissing, "pipeline.concatenatorStage",
				fragmentGapError{want: want, got: n})
		}
		f, err := openFragment(cell, n)
		if err != nil {
			return err
		}
		_, copyErr := io.Copy(w, f)
		closeErr := f.Close()
		if copyErr != nil {
			return cryoerrors.New(cryoerrors.KindSpoolIO, "pipeline.concatenatorStage", copyErr)
		}
		if closeErr != nil {
			return cryoerrors.New(cryoerrors.KindSpoolIO, "pipeline.concatenatorStage", closeErr)
		}
	}
	return nil
}

func openFragment(cell *spool.CellHandle, n int) (*os.File, error) {
	f, err := os.Open(spool.FragmentPath(cell, n))
	if err != nil {
		return nil, cryoerrors.New(cryoerrors.KindFragmentMissing, "pipeline.concatenatorStage", err)
	}
	return f, nil
}

// retireCell deletes the restore cell's fragments in descending order,
// then the sentinel, then the now-empty cell directory, once the
// consumer has fully received the reassembled stream. Mirrors the
// freeze worker's retirement of a drained backup cell.
func retireCell(sp *spool.Spool, cell *spool.CellHandle) error {
	nums, err := spool.ListFragments(cell)
	if err != nil {
		return err
	}
	sort.Sort(sort.Reverse(sort.IntSlice(nums)))
	for _, n := range nums {
		if err := spool.ConsumeFragment(cell, n); err != nil {
			return err
		}
	}
	if err := spool.ConsumeFragment(cell, 0); err != nil {
		return err
	}
	return spool.RemoveCellDir(sp, cell)
}

type fragmentGapError struct {
	want, got int
}

func (e fragmentGapError) Error() string {
	return fmt.Sprintf("fragment sequence gap: expected chunk.%d, found chunk.%d", e.want, e.got)
}
