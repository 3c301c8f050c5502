// Package crypto protects the signer-service credential at rest and
// authenticates requests to it. The engine never holds a chain private key;
// the only secret it manages is the walletd API token.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	currentVersion   = 1
)

// encryptedTokenJSON is the on-disk format produced by EncryptToken.
type encryptedTokenJSON struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// EncryptToken seals an API token with a password using PBKDF2-HMAC-SHA256
// derivation and AES-256-GCM. The returned JSON blob is what
// `atalanta encrypt-token` writes to disk.
func EncryptToken(token, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("crypto: token must not be empty")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	derivedKey := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)

	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	out := encryptedTokenJSON{
		Version:    currentVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, []byte(token), nil)),
	}
	return json.MarshalIndent(out, "", "  ")
}

// DecryptToken opens a blob produced by EncryptToken.
func DecryptToken(encrypted []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: password must not be empty")
	}

	var stored encryptedTokenJSON
	if err := json.Unmarshal(encrypted, &stored); err != nil {
		return "", fmt.Errorf("crypto: parsing encrypted token: %w", err)
	}
	if stored.Version != currentVersion {
		return "", fmt.Errorf("crypto: unsupported version %d", stored.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	derivedKey := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return "", fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("crypto: creating GCM: %w", err)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}
	return string(plaintext), nil
}

// TokenConfig carries the ways a signer token can be supplied.
type TokenConfig struct {
	// RawToken wins when set.
	RawToken string
	// EncryptedPath points at a file produced by EncryptToken.
	EncryptedPath string
	Password      string
}

// LoadToken resolves the signer API token: raw value first, then the
// encrypted file.
func LoadToken(cfg TokenConfig) (string, error) {
	if cfg.RawToken != "" {
		return cfg.RawToken, nil
	}
	if cfg.EncryptedPath != "" {
		data, err := os.ReadFile(cfg.EncryptedPath)
		if err != nil {
			return "", fmt.Errorf("crypto: reading encrypted token file: %w", err)
		}
		return DecryptToken(data, cfg.Password)
	}
	return "", errors.New("crypto: no signer token configured (set api_token or encrypted_token_path)")
}
