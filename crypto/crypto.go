// Package crypto seals OAuth tokens at rest. Tokens are stored as
// "<nonce hex>:<ciphertext hex>" where the ciphertext is AES-256-GCM output
// (ciphertext || auth tag) and the nonce is drawn fresh for every call.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	keySize = 32 // AES-256
	// nonceHexLen is the packaged length of a 12-byte GCM nonce.
	nonceHexLen = 24
	separator   = ":"
)

var (
	// ErrCrypto is the errors.Is target for every decryption failure.
	ErrCrypto = errors.New("crypto error")
	// ErrEmptyPlaintext is returned by Encrypt for "". Token stores use the
	// empty string for "no token", so it is never sealed.
	ErrEmptyPlaintext = errors.New("crypto: plaintext is empty")
)

// CryptoError reports a sealed value that cannot be opened. The stored token it
// came from is unusable; callers must not retry decryption.
type CryptoError struct {
	Reason string
}

func (e *CryptoError) Error() string { return "crypto: " + e.Reason }

// Is lets errors.Is(err, ErrCrypto) match any *CryptoError.
func (e *CryptoError) Is(target error) bool { return target == ErrCrypto }

// Encryptor seals and opens token strings.
type Encryptor interface {
	// Encrypt returns the packaged ciphertext for a non-empty plaintext.
	Encrypt(plaintext string) (string, error)
	// Decrypt validates the packaging and returns the plaintext, or a *CryptoError.
	Decrypt(packaged string) (string, error)
}

// Vault implements Encryptor with AES-256-GCM. The AEAD is built once from a
// key derived from the configured passphrase and shared by all calls.
type Vault struct {
	aead cipher.AEAD
}

// NewVault derives the key as the first 32 bytes of SHA-512(passphrase).
func NewVault(passphrase string) (*Vault, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("encryption passphrase is empty")
	}
	sum := sha512.Sum512([]byte(passphrase))

	block, err := aes.NewCipher(sum[:keySize])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	if hex.EncodedLen(aead.NonceSize()) != nonceHexLen {
		return nil, fmt.Errorf("unexpected GCM nonce size %d", aead.NonceSize())
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce. The empty string is
// rejected with ErrEmptyPlaintext; every other value round-trips through Decrypt.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrEmptyPlaintext
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := v.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(nonce) + separator + hex.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. The packaging and nonce shape are
// checked before the cipher is touched.
func (v *Vault) Decrypt(packaged string) (string, error) {
	nonceHex, bodyHex, err := split(packaged)
	if err != nil {
		return "", err
	}
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil {
		return "", &CryptoError{Reason: "invalid nonce hex string"}
	}
	body, err := hex.DecodeString(bodyHex)
	if err != nil {
		return "", &CryptoError{Reason: "invalid ciphertext hex string"}
	}
	if len(body) < v.aead.Overhead() {
		return "", &CryptoError{Reason: "ciphertext too short"}
	}
	plaintext, err := v.aead.Open(nil, nonce, body, nil)
	if err != nil {
		// Don't expose cipher internals.
		return "", &CryptoError{Reason: "authentication failed"}
	}
	return string(plaintext), nil
}

// IsSealed reports whether s has the shape Encrypt produces. It does not
// authenticate the value.
func IsSealed(s string) bool {
	_, body, err := split(s)
	if err != nil || body == "" {
		return false
	}
	return isHex(body)
}

func split(packaged string) (nonceHex, bodyHex string, err error) {
	parts := strings.Split(packaged, separator)
	if len(parts) != 2 {
		return "", "", &CryptoError{Reason: "invalid encrypted data format"}
	}
	nonceHex, bodyHex = parts[0], parts[1]
	if len(nonceHex) != nonceHexLen {
		return "", "", &CryptoError{Reason: fmt.Sprintf("invalid nonce length: expected %d characters, got %d", nonceHexLen, len(nonceHex))}
	}
	if !isHex(nonceHex) {
		return "", "", &CryptoError{Reason: "invalid nonce hex string"}
	}
	return nonceHex, bodyHex, nil
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
