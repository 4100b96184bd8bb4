// Lexigate is a multi-tenant HTML translation pipeline.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package crypto implements the AES-256-GCM envelope used to encrypt and
// decrypt opaque tokens under TOKEN_ENC_KEY.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// KeySize is the size of the AES-256 key in bytes.
	KeySize = 32
	// NonceSize is the size of the GCM nonce (iv) in bytes.
	NonceSize = 12
)

// TokenCipher encrypts and decrypts opaque tokens (e.g. provider
// credentials cached alongside a job) using AES-256-GCM, keyed by
// TOKEN_ENC_KEY. The wire format is "iv.tag.cipher", each segment
// independently base64-encoded and dot-joined, so it can be stored or
// logged as a single opaque string without ambiguity about where one
// segment ends and the next begins.
type TokenCipher struct {
	key []byte
}

// NewTokenCipher builds a TokenCipher from a raw 32-byte key. Use
// ParseTokenEncKey to derive key from the base64-encoded TOKEN_ENC_KEY
// environment value.
func NewTokenCipher(key []byte) (*TokenCipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("token cipher key must be %d bytes, got %d", KeySize, len(key))
	}
	return &TokenCipher{key: key}, nil
}

// ParseTokenEncKey decodes the base64-encoded 32-byte value of
// TOKEN_ENC_KEY and constructs a TokenCipher.
func ParseTokenEncKey(b64 string) (*TokenCipher, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode TOKEN_ENC_KEY: %w", err)
	}
	return NewTokenCipher(raw)
}

// Encrypt seals plaintext and returns it as "iv.tag.cipher", all three
// segments base64-encoded.
func (c *TokenCipher) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}

	iv := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	tagStart := len(sealed) - gcm.Overhead()
	ciphertext, tag := sealed[:tagStart], sealed[tagStart:]

	return strings.Join([]string{
		base64.StdEncoding.EncodeToString(iv),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ciphertext),
	}, "."), nil
}

// Decrypt reverses Encrypt. It rejects any envelope that isn't exactly
// three dot-joined base64 segments, or whose tag fails to authenticate.
func (c *TokenCipher) Decrypt(envelope string) (string, error) {
	parts := strings.Split(envelope, ".")
	if len(parts) != 3 {
		return "", errors.New("malformed token envelope: expected iv.tag.cipher")
	}

	iv, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode iv: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode tag: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("decode cipher: %w", err)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}
	if len(iv) != gcm.NonceSize() {
		return "", errors.New("malformed token envelope: bad iv size")
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}
