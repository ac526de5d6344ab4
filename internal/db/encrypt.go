package db

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql/driver"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
)

var fieldAEAD atomic.Pointer[cipher.AEAD]

var errNoEncryptionKey = errors.New("db: encryption key not initialized, call db.InitEncryption first")

// InitEncryption sets the AES-256 key for EncryptedString columns. key must
// be exactly 32 bytes. Call it once at startup before touching the store.
func InitEncryption(key []byte) error {
	if len(key) != 32 {
		return fmt.Errorf("db: encryption key must be exactly 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("db: create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("db: create GCM: %w", err)
	}
	fieldAEAD.Store(&gcm)
	return nil
}

// EncryptedString is encrypted with AES-256-GCM on write and decrypted on
// read. The column holds base64(nonce || ciphertext). The empty string is
// stored as-is.
//
// External login rows use it for the claims snapshot returned by the
// provider, which may carry e-mail addresses and names.
type EncryptedString string

// Value implements driver.Valuer.
func (e EncryptedString) Value() (driver.Value, error) {
	if e == "" {
		return "", nil
	}
	gcm := fieldAEAD.Load()
	if gcm == nil {
		return nil, errNoEncryptionKey
	}

	nonce := make([]byte, (*gcm).NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("db: generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString((*gcm).Seal(nonce, nonce, []byte(e), nil)), nil
}

// Scan implements sql.Scanner.
func (e *EncryptedString) Scan(value any) error {
	var str string
	switch v := value.(type) {
	case nil:
		*e = ""
		return nil
	case string:
		str = v
	case []byte:
		str = string(v)
	default:
		return fmt.Errorf("db: EncryptedString.Scan: unexpected %T", value)
	}
	if str == "" {
		*e = ""
		return nil
	}

	gcm := fieldAEAD.Load()
	if gcm == nil {
		return errNoEncryptionKey
	}

	data, err := base64.StdEncoding.DecodeString(str)
	if err != nil {
		return fmt.Errorf("db: decode encrypted column: %w", err)
	}
	ns := (*gcm).NonceSize()
	if len(data) < ns {
		return errors.New("db: encrypted column too short")
	}
	plaintext, err := (*gcm).Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return fmt.Errorf("db: decrypt column: %w", err)
	}

	*e = EncryptedString(plaintext)
	return nil
}
