package crypto

import (
	"io"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/cryophile/cryophile/internal/cryoerrors"
)

// NewDecryptReader opens the OpenPGP message read from ciphertext and
// returns a reader over its plaintext body — the decryptor stage of the
// restore pipeline. keyring must already have had its
// matching private key(s) unlocked via DecryptPrivateKeys; prompt is
// consulted only if a key turns out to still be passphrase-protected
// (defense in depth — the normal path unlocks keys up front).
func NewDecryptReader(ciphertext io.Reader, keyring openpgp.EntityList, prompt openpgp.PromptFunction) (io.Reader, error) {
	md, err := openpgp.ReadMessage(ciphertext, keyring, prompt, nil)
	if err != nil {
		return nil, cryoerrors.New(cryoerrors.KindCrypto, "crypto.NewDecryptReader", err)
	}
	if !md.IsEncrypted {
		return nil, cryoerrors.New(cryoerrors.KindCrypto, "crypto.NewDecryptReader",
			errNotEncrypted{})
	}
	return md.UnverifiedBody, nil
}

type errNotEncrypted struct{}

func (errNotEncrypted) Error() string { return "archive stream is not an OpenPGP encrypted message" }
