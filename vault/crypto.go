// Package vault stores encrypted per-buyer personal data and gates its
// disclosure behind explicit, field-scoped, expiring consent.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyIterations = 100_000
	keyLength     = 32
	keySalt       = "agora-vault-salt"
)

// DeriveKey stretches the configured system secret into the AES-256 key used
// for every vault record.
func DeriveKey(systemSecret string) []byte {
	return pbkdf2.Key([]byte(systemSecret), []byte(keySalt), keyIterations, keyLength, sha256.New)
}

// Encrypt seals a personal-data bundle with AES-256-GCM. The auth tag is
// appended to the ciphertext; the IV is returned base64-encoded alongside a
// SHA-256 hash of the plaintext for integrity checks.
func Encrypt(data map[string]any, key []byte) (ciphertext []byte, iv string, contentHash string, err error) {
	plaintext, err := json.Marshal(data)
	if err != nil {
		return nil, "", "", fmt.Errorf("vault: marshal data: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, "", "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, "", "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, "", "", err
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	sum := sha256.Sum256(plaintext)
	return sealed, base64.StdEncoding.EncodeToString(nonce), hex.EncodeToString(sum[:]), nil
}

// Decrypt opens a sealed vault record.
func Decrypt(ciphertext []byte, iv string, key []byte) (map[string]any, error) {
	nonce, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return nil, fmt.Errorf("vault: decode iv: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("vault: open record: %w", err)
	}
	var data map[string]any
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("vault: unmarshal data: %w", err)
	}
	return data, nil
}

// VerifyIntegrity reports whether the decrypted data still matches the hash
// recorded at encryption time.
func VerifyIntegrity(data map[string]any, expectedHash string) bool {
	plaintext, err := json.Marshal(data)
	if err != nil {
		return false
	}
	sum := sha256.Sum256(plaintext)
	return hex.EncodeToString(sum[:]) == expectedHash
}

// ExtractFields copies only the requested fields out of a decrypted bundle.
func ExtractFields(data map[string]any, fields []string) map[string]any {
	extracted := make(map[string]any, len(fields))
	for _, field := range fields {
		if value, ok := data[field]; ok {
			extracted[field] = value
		}
	}
	return extracted
}
