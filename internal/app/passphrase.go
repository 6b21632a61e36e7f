package app

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"scenariodb/internal/encryption"
)

// passphraseReader returns the key passphrase from the environment, or
// prompts for it on the terminal.
type passphraseReader struct {
	getenv func(string) string
	in     *os.File
	out    io.Writer
}

func newPassphraseReader() *passphraseReader {
	return &passphraseReader{getenv: os.Getenv, in: os.Stdin, out: os.Stderr}
}

// Read implements mirror.PassphraseFunc.
func (p *passphraseReader) Read() (string, error) {
	if pass := p.getenv(encryption.PassphraseEnv); pass != "" {
		return pass, nil
	}
	fd := int(p.in.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal to prompt for the passphrase: set %s", encryption.PassphraseEnv)
	}
	fmt.Fprint(p.out, "Passphrase: ")
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	if len(pass) == 0 {
		return "", errors.New("empty passphrase")
	}
	return string(pass), nil
}

// ReadNewPassphrase prompts twice for a new passphrase, unless one is set in
// the environment.
func ReadNewPassphrase() (string, error) {
	p := newPassphraseReader()
	if pass := p.getenv(encryption.PassphraseEnv); pass != "" {
		return pass, nil
	}
	first, err := p.Read()
	if err != nil {
		return "", err
	}
	fmt.Fprint(p.out, "Repeat ")
	second, err := p.Read()
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errors.New("passphrases do not match")
	}
	return first, nil
}
