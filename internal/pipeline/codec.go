package pipeline

import (
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/cryophile/cryophile/internal/cryoerrors"
)

// Codec names the two supported compression framings
type Codec string

const (
	CodecZstd Codec = "zstd"
	CodecLZ4 Codec = "lz4"
)

// The codec used is not recorded anywhere in the archive bytes, so the
// restore pipeline must be told which one to use; the caller always
// supplies Codec explicitly, matching whatever --compression the
// backup was taken with. A future format could prepend a single
// codec-id byte before the OpenPGP envelope to make restores
// self-describing, but that would change the on-disk/wire framing.

// NewCompressWriter wraps w with a streaming frame compressor for codec.
// The returned io.WriteCloser's Close flushes the frame trailer but does
// not close w.
func NewCompressWriter(codec Codec, w io.Writer) (io.WriteCloser, error) {
	switch codec {
	case CodecZstd:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return nil, cryoerrors.New(cryoerrors.KindCompression, "pipeline.NewCompressWriter", err)
		}
		return enc, nil
	case CodecLZ4:
		zw := lz4.NewWriter(w)
		return zw, nil
	default:
		return nil, cryoerrors.New(cryoerrors.KindCompression, "pipeline.NewCompressWriter",
			errUnsupportedCodec(codec))
	}
}

// NewDecompressReader wraps r with a streaming frame decompressor for
// codec. The caller must call Close (for zstd) to release decoder
// resources; lz4 readers need no explicit close.
func NewDecompressReader(codec Codec, r io.Reader) (io.Reader, func(), error) {
	switch codec {
	case CodecZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, cryoerrors.New(cryoerrors.KindCompression, "pipeline.NewDecompressReader", err)
		}
		return dec, dec.Close, nil
	case CodecLZ4:
		return lz4.NewReader(r), func() {}, nil
	default:
		return nil, nil, cryoerrors.New(cryoerrors.KindCompression, "pipeline.NewDecompressReader",
			errUnsupportedCodec(codec))
	}
}

type unsupportedCodecError string

func (e unsupportedCodecError) Error() string { return "unsupported compression codec: " + string(e) }

func errUnsupportedCodec(codec Codec) error { return unsupportedCodecError(codec) }
