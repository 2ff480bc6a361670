// Copyright 2025 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package crypto implements the primitives the credential store and the
// webhook verifiers are built on: AES-256-GCM with per-row associated
// data, HMAC-SHA256 fingerprints, and constant-time comparison.
//
// The associated data of every ciphertext is "<table>:<row_id>". A
// ciphertext copied between rows, even by a writer with full database
// access, fails authentication on decrypt.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// KeySize is the required encryption key length in bytes.
const KeySize = 32

const nonceSize = 12

// ErrDecrypt is returned for every decryption failure. Callers must not
// be able to distinguish a bad tag from mismatched associated data.
var ErrDecrypt = errors.New("decryption failed")

// ParseKey decodes a base64 (standard or raw) or hex encoded key string
// and enforces the 32-byte length.
func ParseKey(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}

	// A 64-char hex string is also well-formed base64 (of the wrong
	// length), so the winner is the first encoding that yields a full
	// key, not the first that merely decodes.
	var decodedLen int
	for _, decode := range []func(string) ([]byte, error){
		hex.DecodeString,
		base64.StdEncoding.DecodeString,
		base64.RawStdEncoding.DecodeString,
	} {
		key, err := decode(s)
		if err != nil {
			continue
		}
		if len(key) == KeySize {
			return key, nil
		}
		if decodedLen == 0 {
			decodedLen = len(key)
		}
	}
	if decodedLen == 0 {
		return nil, fmt.Errorf("encryption key is neither base64 nor hex")
	}
	return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, decodedLen)
}

func aad(table, rowID string) []byte {
	return []byte(table + ":" + rowID)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}

// Encrypt seals plaintext under key with a random 96-bit nonce. The
// returned ciphertext authenticates only in the (table, rowID) slot it
// was produced for.
func Encrypt(key, plaintext []byte, table, rowID string) (ciphertext, nonce []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nil, nonce, plaintext, aad(table, rowID)), nonce, nil
}

// Decrypt opens a ciphertext produced by Encrypt for the same
// (table, rowID). Any failure is reported as the opaque [ErrDecrypt].
func Decrypt(key, ciphertext, nonce []byte, table, rowID string) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != nonceSize {
		return nil, ErrDecrypt
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad(table, rowID))
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// MAC returns the hex HMAC-SHA256 of token under pepper. Used to store
// webhook-token fingerprints without the token itself.
func MAC(pepper, token string) string {
	mac := hmac.New(sha256.New, []byte(pepper))
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// ConstantTimeEqual compares two strings in time independent of where
// they first differ.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
