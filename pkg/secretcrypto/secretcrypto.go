// Package secretcrypto implements the credential-at-rest format described for
// this gateway: AES-256-GCM with a 16-byte IV and 16-byte auth tag, encoded as
// "ivHex:authTagHex:cipherHex". The key is always the SHA-256 of a process-wide
// secret, never the secret itself.
package secretcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	ivLen  = 16
	tagLen = 16
)

var (
	// ErrMalformed is returned by Decrypt when the ciphertext does not match the
	// "ivHex:authTagHex:cipherHex" shape.
	ErrMalformed = errors.New("secretcrypto: malformed ciphertext")
)

// Key derives the AES-256 key from a process-wide secret.
func Key(secret string) [32]byte {
	return sha256.Sum256([]byte(secret))
}

// LooksEncrypted reports whether s matches the three-part hex shape with the
// correct component lengths, without attempting to decrypt it. Mirrors the
// spec's definition of "a field is encrypted iff it matches that shape".
func LooksEncrypted(s string) bool {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return false
	}
	iv, tag, ct := parts[0], parts[1], parts[2]
	if len(iv) != ivLen*2 || len(tag) != tagLen*2 {
		return false
	}
	if _, err := hex.DecodeString(iv); err != nil {
		return false
	}
	if _, err := hex.DecodeString(tag); err != nil {
		return false
	}
	if _, err := hex.DecodeString(ct); err != nil {
		return false
	}
	return true
}

// Encrypt produces "ivHex:authTagHex:cipherHex" for plaintext under key.
func Encrypt(key [32]byte, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", fmt.Errorf("secretcrypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, tagLen)
	if err != nil {
		return "", fmt.Errorf("secretcrypto: new gcm: %w", err)
	}
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("secretcrypto: read iv: %w", err)
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ct, tag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]
	return fmt.Sprintf("%s:%s:%s", hex.EncodeToString(iv), hex.EncodeToString(tag), hex.EncodeToString(ct)), nil
}

// Decrypt reverses Encrypt. Returns ErrMalformed if s isn't the expected shape,
// or the GCM authentication error if the tag doesn't verify.
func Decrypt(key [32]byte, s string) ([]byte, error) {
	if !LooksEncrypted(s) {
		return nil, ErrMalformed
	}
	parts := strings.Split(s, ":")
	iv, _ := hex.DecodeString(parts[0])
	tag, _ := hex.DecodeString(parts[1])
	ct, _ := hex.DecodeString(parts[2])

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("secretcrypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, tagLen)
	if err != nil {
		return nil, fmt.Errorf("secretcrypto: new gcm: %w", err)
	}
	sealed := append(ct, tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("secretcrypto: decrypt: %w", err)
	}
	return plaintext, nil
}
