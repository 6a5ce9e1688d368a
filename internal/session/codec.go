package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"dott/session-service/internal/models"

	"golang.org/x/crypto/hkdf"
)

// Codec seals session records with AES-256-GCM. The key is derived from the
// configured secret via HKDF-SHA256 so the raw secret never acts as a key
// directly.
type Codec struct {
	aead cipher.AEAD
}

const keyInfo = "dott-session-cookie-v1"

func NewCodec(secret string) (*Codec, error) {
	if secret == "" {
		return nil, errors.New("session secret is required")
	}

	key := make([]byte, 32)
	reader := hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo))
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Codec{aead: aead}, nil
}

// Encode serializes and encrypts a record into a cookie-safe string. The
// nonce is prepended to the ciphertext.
func (c *Codec) Encode(record models.SessionRecord) (string, error) {
	plaintext, err := json.Marshal(record)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decode authenticates and decrypts a cookie value produced by Encode.
func (c *Codec) Decode(value string) (models.SessionRecord, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return models.SessionRecord{}, err
	}
	nonceSize := c.aead.NonceSize()
	if len(sealed) < nonceSize {
		return models.SessionRecord{}, errors.New("ciphertext too short")
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return models.SessionRecord{}, err
	}

	var record models.SessionRecord
	if err := json.Unmarshal(plaintext, &record); err != nil {
		return models.SessionRecord{}, err
	}
	return record, nil
}

// decodeLegacy handles pre-encryption cookies that carried plain base64 JSON.
func decodeLegacy(value string) (models.SessionRecord, error) {
	plaintext, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return models.SessionRecord{}, err
	}
	var record models.SessionRecord
	if err := json.Unmarshal(plaintext, &record); err != nil {
		return models.SessionRecord{}, err
	}
	if record.User.Subject == "" && record.User.Email == "" {
		return models.SessionRecord{}, errors.New("legacy payload has no identity")
	}
	return record, nil
}
