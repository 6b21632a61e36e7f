package encryption

import (
	"errors"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"scenariodb/internal/config"
)

// NewEncryptorFromConfig returns the Encryptor used for mirrored snapshots.
// "plain" only frames the data; "age", the default, needs both key paths.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (Encryptor, error) {
	switch cfg.Type {
	case "plain":
		return PlainEncryptor{}, nil
	case "", "age":
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}

	err := validation.ValidateStruct(&cfg,
		validation.Field(&cfg.PublicKeyPath, validation.Required),
		validation.Field(&cfg.PrivateKeyPath, validation.Required, validation.By(func(v any) error {
			if v.(string) == cfg.PublicKeyPath {
				return errors.New("must differ from the public key path")
			}
			return nil
		})),
	)
	if err != nil {
		return nil, fmt.Errorf("age encryption: %w", err)
	}
	return NewAgeEncryptor(cfg), nil
}
