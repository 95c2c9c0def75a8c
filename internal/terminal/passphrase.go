package terminal

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"golang.org/x/term"
)

const minPassphraseLength = 8

// ReadPassphrase prompts on stderr and reads a passphrase from the terminal without echo.
func ReadPassphrase(prompt string) ([]byte, error) {
	_, _ = fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	_, _ = fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, errors.Wrap(err, "passphrase input failed")
	}
	if len(pw) < minPassphraseLength {
		zero(pw)
		return nil, errors.Newf("passphrase must be at least %d characters long", minPassphraseLength)
	}
	return pw, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
