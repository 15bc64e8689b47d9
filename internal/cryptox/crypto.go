// Package cryptox holds the symmetric primitives used by the client:
// HKDF-SHA256 key derivation and AES-256-GCM sealing of JSON values.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/dmitrijs2005/gymportal/internal/common"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the AES-256 key length produced by DeriveKey.
const KeySize = 32

// ErrMalformedEnvelope is returned by Open when the blob is too short to
// contain a nonce.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// DeriveKey expands secret into a KeySize key with HKDF-SHA256. Distinct info
// strings give independent keys for the same secret.
func DeriveKey(secret, salt, info []byte) ([]byte, error) {
	h := hkdf.New(sha256.New, secret, salt, info)
	k := make([]byte, KeySize)
	if _, err := io.ReadFull(h, k); err != nil {
		return nil, fmt.Errorf("reading from HKDF: %w", err)
	}
	return k, nil
}

// EncryptEntry serializes entry to JSON and encrypts it using AES-GCM with
// the optional additional data aad.
//
// The key must be a valid AES key length (16, 24, or 32 bytes). A fresh
// random nonce is generated for each call and returned separately.
func EncryptEntry(entry any, key, aad []byte) (ciphertext, nonce []byte, err error) {
	plaintext, err := json.Marshal(entry)
	if err != nil {
		return nil, nil, err
	}
	defer common.WipeByteArray(plaintext)

	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, aesgcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}

	ciphertext = aesgcm.Seal(nil, nonce, plaintext, aad)
	return ciphertext, nonce, nil
}

// DecryptEntry reverses EncryptEntry: it authenticates and decrypts
// ciphertext with key, nonce and aad, then unmarshals the JSON into v.
// Any tampering, wrong key or wrong aad yields an error.
func DecryptEntry(ciphertext, nonce, key, aad []byte, v any) error {
	aesgcm, err := newGCM(key)
	if err != nil {
		return err
	}

	plaintext, err := aesgcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(plaintext)

	return json.Unmarshal(plaintext, v)
}

// Seal is EncryptEntry with the nonce prepended to the ciphertext, giving a
// single opaque blob suitable for a key-value store.
func Seal(entry any, key, aad []byte) ([]byte, error) {
	ciphertext, nonce, err := EncryptEntry(entry, key, aad)
	if err != nil {
		return nil, err
	}
	return append(nonce, ciphertext...), nil
}

// Open splits a blob produced by Seal and decrypts it into v.
func Open(blob, key, aad []byte, v any) error {
	aesgcm, err := newGCM(key)
	if err != nil {
		return err
	}
	ns := aesgcm.NonceSize()
	if len(blob) < ns+aesgcm.Overhead() {
		return ErrMalformedEnvelope
	}
	return DecryptEntry(blob[ns:], blob[:ns], key, aad, v)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
