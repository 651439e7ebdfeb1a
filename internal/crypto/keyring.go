// Package crypto wraps OpenPGP streaming encryption and decryption for
// the backup and restore pipelines. The archive envelope is a standard
// OpenPGP message (SEIPD) wrapping a single compressed frame, built
// with github.com/ProtonMail/go-crypto/openpgp.
package crypto

import (
	"io"
	"os"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/cryophile/cryophile/internal/cryoerrors"
)

// LoadRecipients reads one or more armored or binary OpenPGP public-key
// certificates from path, for use as backup encryption recipients.
func LoadRecipients(path string) (openpgp.EntityList, error) {
	return readKeyring(path, "crypto.LoadRecipients")
}

// LoadSecretKeyring reads the restore keyring (private keys) from path.
func LoadSecretKeyring(path string) (openpgp.EntityList, error) {
	return readKeyring(path, "crypto.LoadSecretKeyring")
}

func readKeyring(path, op string) (openpgp.EntityList, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, cryoerrors.New(cryoerrors.KindCrypto, op, err)
	}
	defer f.Close()

	entities, err := openpgp.ReadArmoredKeyRing(f)
	if err != nil {
		if _, serr := f.Seek(0, io.SeekStart); serr == nil {
			if binEntities, berr := openpgp.ReadKeyRing(f); berr == nil {
				return binEntities, nil
			}
		}
		return nil, cryoerrors.New(cryoerrors.KindCrypto, op, err)
	}
	return entities, nil
}

// DecryptPrivateKeys unlocks every locked private key in keyring with
// passphrase. The passphrase never enters the environment or argv;
// callers obtain it via a file descriptor or interactive prompt (see
// passphrase.go) and must zero it after use.
func DecryptPrivateKeys(keyring openpgp.EntityList, passphrase []byte) error {
	for _, entity := range keyring {
		if entity.PrivateKey != nil && entity.PrivateKey.Encrypted {
			if err := entity.PrivateKey.Decrypt(passphrase); err != nil {
				return cryoerrors.New(cryoerrors.KindCrypto, "crypto.DecryptPrivateKeys", err)
			}
		}
		for _, subkey := range entity.Subkeys {
			if subkey.PrivateKey != nil && subkey.PrivateKey.Encrypted {
				if err := subkey.PrivateKey.Decrypt(passphrase); err != nil {
					return cryoerrors.New(cryoerrors.KindCrypto, "crypto.DecryptPrivateKeys", err)
				}
			}
		}
	}
	return nil
}
