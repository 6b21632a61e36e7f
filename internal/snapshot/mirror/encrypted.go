package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"scenariodb/internal/encryption"
)

// PassphraseFunc supplies the passphrase unlocking the private key. It is
// called at most once, on the first Get.
type PassphraseFunc func() (string, error)

// Encrypted encrypts snapshots before they reach the inner mirror and
// decrypts them on the way back.
type Encrypted struct {
	inner      Mirror
	enc        encryption.Encryptor
	passphrase PassphraseFunc

	once      sync.Once
	dc        encryption.DecryptionContext
	unlockErr error
}

var _ Mirror = (*Encrypted)(nil)

// NewEncrypted wraps inner.
func NewEncrypted(inner Mirror, enc encryption.Encryptor, passphrase PassphraseFunc) *Encrypted {
	return &Encrypted{inner: inner, enc: enc, passphrase: passphrase}
}

func (m *Encrypted) Name() string { return m.inner.Name() }

func (m *Encrypted) Put(ctx context.Context, key string, r io.Reader) error {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(m.enc.Encrypt(r, pw))
	}()
	err := m.inner.Put(ctx, key, pr)
	pr.Close()
	return err
}

func (m *Encrypted) Get(ctx context.Context, key string, w io.Writer) error {
	dc, err := m.unlock()
	if err != nil {
		return err
	}

	pr, pw := io.Pipe()
	getErr := make(chan error, 1)
	go func() {
		err := m.inner.Get(ctx, key, pw)
		pw.CloseWithError(err)
		getErr <- err
	}()

	decErr := dc.Decrypt(pr, w)
	pr.CloseWithError(decErr)
	fetchErr := <-getErr

	switch {
	case errors.Is(fetchErr, ErrNotFound):
		return fetchErr
	case decErr != nil:
		return fmt.Errorf("decrypting %s: %w", key, decErr)
	default:
		return fetchErr
	}
}

func (m *Encrypted) unlock() (encryption.DecryptionContext, error) {
	m.once.Do(func() {
		if m.passphrase == nil {
			m.unlockErr = fmt.Errorf("no passphrase available to unlock the mirror key")
			return
		}
		pass, err := m.passphrase()
		if err != nil {
			m.unlockErr = fmt.Errorf("reading passphrase: %w", err)
			return
		}
		m.dc, m.unlockErr = m.enc.Unlock(pass)
	})
	return m.dc, m.unlockErr
}

func (m *Encrypted) Delete(ctx context.Context, key string) error {
	return m.inner.Delete(ctx, key)
}

func (m *Encrypted) List(ctx context.Context, prefix string) ([]string, error) {
	return m.inner.List(ctx, prefix)
}
