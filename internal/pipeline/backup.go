// Package pipeline implements the backup and restore pipelines: a
// cross-executor, three/four-stage streaming sandwich of compression,
// OpenPGP encryption, and spool fragment I/O, wired together with
// bounded byte pipes for structural backpressure between stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"golang.org/x/sync/errgroup"

	"github.com/cryophile/cryophile/internal/backupid"
	"github.com/cryophile/cryophile/internal/crypto"
	"github.com/cryophile/cryophile/internal/cryoerrors"
	"github.com/cryophile/cryophile/internal/metrics"
	"github.com/cryophile/cryophile/internal/remote"
	"github.com/cryophile/cryophile/internal/spool"
)

// DefaultIOBuf is the chunk size the compressor stage reads the input
// source in.
const DefaultIOBuf = 256 * 1024

// BackupOptions configures one invocation of Run.
type BackupOptions struct {
	Codec       Codec
	Recipients  openpgp.EntityList
	FragmentMax int64 // defaults to spool.DefaultFragmentMax if zero
	IOBuf       int   // defaults to DefaultIOBuf if zero

	// RemoteClient and RemoteBucket, if RemoteClient is non-nil, are
	// used to HEAD the remote sentinel before opening the local cell,
	// catching a ULID collision minted independently on another
	// machine against the same vault before any local or remote bytes
	// are written. Leaving RemoteClient nil skips the check (e.g. in
	// tests that never touch a remote store).
	RemoteClient remote.Client
	RemoteBucket string

	// Metrics, if non-nil, receives per-fragment and per-stage
	// instrumentation for this run.
	Metrics *metrics.Metrics
}

func (o BackupOptions) fragmentMax() int64 {
	if o.FragmentMax > 0 {
		return o.FragmentMax
	}
	return spool.DefaultFragmentMax
}

func (o BackupOptions) ioBuf() int {
	if o.IOBuf > 0 {
		return o.IOBuf
	}
	return DefaultIOBuf
}

func (o BackupOptions) recordStageDuration(stage string, d time.Duration) {
	if o.Metrics != nil {
		o.Metrics.RecordStageDuration(stage, d)
	}
}

// pipeCapacity is the bounded-pipe capacity between stages: channels
// are bounded to 4x the I/O buffer size so a slow downstream stage
// applies backpressure instead of letting an upstream stage buffer
// unboundedly.
func pipeCapacity(ioBuf int) int { return 4 * ioBuf }

// Run drives the backup pipeline: compress source, encrypt the
// compressed frame for recipients, and split the ciphertext into
// fragments on the backup cell for bid, sealing it on success. On any
// stage error, the cell is left in place with its partial fragments and
// without chunk.0, so a rescan treats it as still draining rather than
// complete.
func Run(ctx context.Context, sp *spool.Spool, bid backupid.ID, source io.Reader, opts BackupOptions) error {
	if opts.RemoteClient != nil {
		if err := checkRemoteConflict(ctx, opts.RemoteClient, opts.RemoteBucket, bid); err != nil {
			return err
		}
	}

	cell, err := spool.OpenCell(sp, spool.RoleBackup, bid)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	c1 := NewBoundedPipe(gctx, pipeCapacity(opts.ioBuf())) // compressed bytes
	c2 := NewBoundedPipe(gctx, pipeCapacity(opts.ioBuf())) // ciphertext bytes

	// Compressor stage: blocking worker reading the input source in
	// IO_BUF chunks and writing framed-compressed output to C1.
	g.Go(func() error {
		defer c1.Close()
		start := time.Now()
		cw, err := NewCompressWriter(opts.Codec, c1)
		if err != nil {
			c1.CloseWithError(err)
			return err
		}
		buf := make([]byte, opts.ioBuf())
		if _, err := io.CopyBuffer(cw, source, buf); err != nil {
			c1.CloseWithError(err)
			return err
		}
		if err := cw.Close(); err != nil {
			err = cryoerrors.New(cryoerrors.KindCompression, "pipeline.compressorStage", err)
			c1.CloseWithError(err)
			return err
		}
		opts.recordStageDuration("compressor", time.Since(start))
		return nil
	})

	// Encryptor stage: the CPU-heavy blocking stage, reading C1 and feeding an OpenPGP streaming
	// encryptor whose ciphertext is written to C2.
	g.Go(func() error {
		defer c2.Close()
		start := time.Now()
		ew, err := crypto.NewEncryptWriter(c2, opts.Recipients)
		if err != nil {
			c2.CloseWithError(err)
			return err
		}
		if _, err := io.Copy(ew, c1); err != nil {
			c2.CloseWithError(err)
			return err
		}
		if err := ew.Close(); err != nil {
			err = cryoerrors.New(cryoerrors.KindCrypto, "pipeline.encryptorStage", err)
			c2.CloseWithError(err)
			return err
		}
		opts.recordStageDuration("encryptor", time.Since(start))
		return nil
	})

	// Splitter stage: synchronous spool I/O, run as the third errgroup
	// goroutine; Run returns the first error of any stage via g.Wait.
	g.Go(func() error {
		start := time.Now()
		if err := splitterStage(c2, cell, opts.fragmentMax(), opts.Metrics); err != nil {
			return err
		}
		opts.recordStageDuration("splitter", time.Since(start))
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return nil
}

// checkRemoteConflict fails CellConflict if a sentinel already exists
// remotely for bid — a ULID minted independently on another machine
// against the same vault, caught before any local or remote bytes are
// written for this backup.
func checkRemoteConflict(ctx context.Context, client remote.Client, bucket string, bid backupid.ID) error {
	_, headErr := client.Head(ctx, bucket, bid.ObjectKey(0))
	switch {
	case headErr == nil:
		return cryoerrors.New(cryoerrors.KindCellConflict, "pipeline.Run",
			fmt.Errorf("remote archive already exists for %s", bid))
	case errors.Is(headErr, remote.ErrNotFound):
		return nil
	default:
		return headErr
	}
}

// splitterStage reads ciphertext from c2, accumulates it into
// fragments of exactly FragmentMax bytes (splitting any write that
// would cross the boundary), and flushes each as chunk.N via the spool
// codec. On EOF it flushes the final partial fragment (or, for an empty
// archive, still emits chunk.1, so a cell never retires with zero
// fragments) and seals the cell last.
func splitterStage(c2 io.Reader, cell *spool.CellHandle, fragmentMax int64, m *metrics.Metrics) error {
	n := 1
	bufCap := fragmentMax
	if bufCap > 64<<20 {
		bufCap = 64 << 20 // cap the initial allocation only; buf still grows by append up to fragmentMax before each flush
	}
	buf := make([]byte, 0, bufCap)
	readChunk := make([]byte, 64*1024)

	flush := func() error {
		if err := spool.WriteFragment(cell, n, buf, fragmentMax, m); err != nil {
			return err
		}
		n++
		buf = buf[:0]
		return nil
	}

	for {
		rn, rerr := c2.Read(readChunk)
		if rn > 0 {
			data := readChunk[:rn]
			for len(data) > 0 {
				room := fragmentMax - int64(len(buf))
				take := int64(len(data))
				if take > room {
					take = room
				}
				buf = append(buf, data[:take]...)
				data = data[take:]
				if int64(len(buf)) == fragmentMax {
					if err := flush(); err != nil {
						return err
					}
				}
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			return rerr
		}
	}

	if len(buf) > 0 || n == 1 {
		if err := flush(); err != nil {
			return err
		}
	}

	return spool.Seal(cell)
}
