package crypto

import (
	"bufio"
	"fmt"
	"os"

	"github.com/ProtonMail/go-crypto/openpgp"
	"golang.org/x/term"

	"github.com/cryophile/cryophile/internal/cryoerrors"
)

// ReadPassphraseFD reads a single line from the given file descriptor
// and returns it with the trailing newline
// stripped. The passphrase is never written to an environment variable
// or argv.
func ReadPassphraseFD(fd int) ([]byte, error) {
	f := os.NewFile(uintptr(fd), "pass-fd")
	if f == nil {
		return nil, cryoerrors.New(cryoerrors.KindCrypto, "crypto.ReadPassphraseFD",
			fmt.Errorf("invalid file descriptor %d", fd))
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, cryoerrors.New(cryoerrors.KindCrypto, "crypto.ReadPassphraseFD", err)
	}
	return trimNewline(line), nil
}

// PromptPassphrase reads a passphrase interactively from the terminal
// without echoing it, used as the fallback when no --pass-fd is given.
func PromptPassphrase(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, cryoerrors.New(cryoerrors.KindCrypto, "crypto.PromptPassphrase", err)
	}
	return pass, nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

// Zero overwrites a passphrase buffer with zeros once it is no longer
// needed.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// InteractivePrompt builds an openpgp.PromptFunction that asks the
// terminal once per locked key, for use as NewDecryptReader's fallback
// prompt when a key wasn't pre-unlocked by DecryptPrivateKeys.
func InteractivePrompt() openpgp.PromptFunction {
	return func(keys []openpgp.Key, symmetric bool) ([]byte, error) {
		pass, err := PromptPassphrase("Enter passphrase for restore key: ")
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			if k.PrivateKey != nil && k.PrivateKey.Encrypted {
				if err := k.PrivateKey.Decrypt(pass); err != nil {
					continue
				}
			}
		}
		return pass, nil
	}
}
