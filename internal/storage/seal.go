package storage

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/argon2"

	appLog "icsync/internal/log"
)

const saltSettingKey = "credential_salt"

// sealer encrypts feed passwords with AES-GCM under a key derived from the
// configured passphrase via Argon2id. The salt lives in the settings table.
type sealer struct {
	aead cipher.AEAD
}

func deriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, 32)
}

func newSealer(ctx context.Context, db *sqlx.DB, passphrase string) (*sealer, error) {
	if passphrase == "" {
		appLog.Warn("credential_key is empty; stored feed passwords are only obfuscated")
	}

	salt, err := loadOrCreateSalt(ctx, db)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(deriveKey([]byte(passphrase), salt))
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &sealer{aead: aead}, nil
}

func loadOrCreateSalt(ctx context.Context, db *sqlx.DB) ([]byte, error) {
	var encoded string
	err := db.GetContext(ctx, &encoded, `SELECT value FROM settings WHERE key = ?`, saltSettingKey)
	switch {
	case err == nil:
		return hex.DecodeString(encoded)
	case !errors.Is(err, sql.ErrNoRows):
		return nil, err
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO settings (key, value) VALUES (?, ?)`, saltSettingKey, hex.EncodeToString(salt)); err != nil {
		return nil, err
	}
	return salt, nil
}

// seal returns nonce || ciphertext.
func (s *sealer) seal(plaintext string) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

func (s *sealer) open(sealed []byte) (string, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n {
		return "", errors.New("sealed value too short")
	}
	plain, err := s.aead.Open(nil, sealed[:n], sealed[n:], nil)
	if err != nil {
		return "", fmt.Errorf("unseal credential (wrong credential_key?): %w", err)
	}
	return string(plain), nil
}
