// Package encryption protects snapshot files pushed to a shared mirror.
package encryption

import (
	"errors"
	"io"
)

// PassphraseEnv names the environment variable holding the passphrase that
// unlocks the private key, for non-interactive runs.
const PassphraseEnv = "SCENARIODB_PASSPHRASE"

// ErrKeysExist is returned by Setup when a key file is already present.
var ErrKeysExist = errors.New("encryption keys already exist")

// Encryptor encrypts snapshots with a public key. Reading them back requires
// unlocking the private key with a passphrase.
type Encryptor interface {
	// Setup generates a key pair and returns the public key in text form.
	Setup(passphrase string) (string, error)

	// Encrypt encrypts data read from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock decrypts the private key. It fails on a wrong passphrase.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured reports whether the key files exist.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key in memory.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}
