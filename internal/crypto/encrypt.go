package crypto

import (
	"io"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/cryophile/cryophile/internal/cryoerrors"
)

// NewEncryptWriter opens a streaming OpenPGP encryption stream targeting
// recipients and writing the resulting SEIPD ciphertext to ciphertext.
// The returned WriteCloser accepts plaintext (here: the compressed
// frame produced by the compressor stage) and must be
// Closed to flush the final OpenPGP packets — this is the encryptor
// stage of the backup pipeline.
func NewEncryptWriter(ciphertext io.Writer, recipients openpgp.EntityList) (io.WriteCloser, error) {
	hints := &openpgp.FileHints{IsBinary: true}
	cfg := &packet.Config{}

	w, err := openpgp.Encrypt(ciphertext, recipients, nil, hints, cfg)
	if err != nil {
		return nil, cryoerrors.New(cryoerrors.KindCrypto, "crypto.NewEncryptWriter", err)
	}
	return w, nil
}
