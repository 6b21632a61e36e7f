package mirror

import (
	"context"
	"fmt"

	"scenariodb/internal/config"
	"scenariodb/internal/encryption"
)

// NewMirrorFromConfig creates a Mirror based on the mirror config type. It
// returns nil, nil when no mirror is configured. enc is only used when the
// config asks for encryption.
func NewMirrorFromConfig(ctx context.Context, cfg config.MirrorConfig, enc encryption.Encryptor, passphrase PassphraseFunc) (Mirror, error) {
	var (
		m   Mirror
		err error
	)
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "memory":
		m = NewMemory(cfg.Name)
	case "filesystem":
		if cfg.FSRoot == "" {
			return nil, fmt.Errorf("filesystem mirror requires fs_root to be set")
		}
		m, err = NewFilesystem(cfg.Name, cfg.FSRoot)
	case "s3":
		m, err = NewS3(ctx, cfg.Name, S3Config{
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown mirror type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Encrypt {
		if enc == nil {
			return nil, fmt.Errorf("mirror %s requires encryption but none is configured", cfg.Name)
		}
		m = NewEncrypted(m, enc, passphrase)
	}
	return m, nil
}
