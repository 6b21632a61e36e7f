package encryption

import (
	"bytes"
	"fmt"
	"io"
)

// plainHeader marks data framed by PlainEncryptor.
var plainHeader = []byte("SCENARIODB-PLAIN\n")

// PlainEncryptor only frames data with a fixed header. It keeps the encrypted
// code path exercised in tests and on trusted mirrors without managing keys.
type PlainEncryptor struct{}

var _ Encryptor = PlainEncryptor{}

func (PlainEncryptor) Setup(string) (string, error) { return "plain", nil }

func (PlainEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(plainHeader); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

func (PlainEncryptor) Unlock(string) (DecryptionContext, error) {
	return PlainDecryptionContext{}, nil
}

func (PlainEncryptor) IsConfigured() bool { return true }

// PlainDecryptionContext strips the header added by PlainEncryptor.
type PlainDecryptionContext struct{}

var _ DecryptionContext = PlainDecryptionContext{}

func (PlainDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, len(plainHeader))
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	if !bytes.Equal(header, plainHeader) {
		return fmt.Errorf("data was not written by the plain encryptor")
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}
