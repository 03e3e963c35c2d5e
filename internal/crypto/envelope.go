// Package crypto seals secret payloads at rest.
//
// Every payload is encrypted with AES-256-GCM under a key derived with
// HKDF-SHA256 from the master key and a per-payload key context (the secret
// id, or the secret id plus a suffix for attachments). The key context is also
// bound as additional authenticated data, so ciphertext moved between secrets
// fails to open.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	MinMasterKeyLen = 32

	keyLen    = 32
	nonceSize = 12 // GCM standard nonce size
	version   = 0x01
	infoLabel = "secshare/v1/"
)

var (
	ErrCorruptData    = errors.New("ciphertext failed authentication")
	ErrShortMasterKey = fmt.Errorf("master key must be at least %d bytes", MinMasterKeyLen)
)

type Envelope struct {
	master []byte
	rand   io.Reader
}

func NewEnvelope(masterKey []byte) (*Envelope, error) {
	if len(masterKey) < MinMasterKeyLen {
		return nil, ErrShortMasterKey
	}
	return &Envelope{
		master: append([]byte(nil), masterKey...),
		rand:   rand.Reader,
	}, nil
}

func (e *Envelope) Encrypt(plaintext []byte, keyContext string) ([]byte, error) {
	gcm, err := e.aead(keyContext)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 1+nonceSize, 1+nonceSize+len(plaintext)+gcm.Overhead())
	out[0] = version
	nonce := out[1:]
	if _, err := io.ReadFull(e.rand, nonce); err != nil {
		return nil, fmt.Errorf("nonce generation failed: %w", err)
	}

	return gcm.Seal(out, nonce, plaintext, []byte(keyContext)), nil
}

// Decrypt opens ciphertext produced by Encrypt with the same key context.
// Any malformed or tampered input yields ErrCorruptData.
func (e *Envelope) Decrypt(ciphertext []byte, keyContext string) ([]byte, error) {
	if len(ciphertext) < 1+nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrCorruptData)
	}
	if ciphertext[0] != version {
		return nil, fmt.Errorf("%w: unknown version %d", ErrCorruptData, ciphertext[0])
	}

	gcm, err := e.aead(keyContext)
	if err != nil {
		return nil, err
	}

	nonce := ciphertext[1 : 1+nonceSize]
	plaintext, err := gcm.Open(nil, nonce, ciphertext[1+nonceSize:], []byte(keyContext))
	if err != nil {
		return nil, ErrCorruptData
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

func (e *Envelope) aead(keyContext string) (cipher.AEAD, error) {
	key, err := e.deriveKey(keyContext)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher creation failed: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCM creation failed: %w", err)
	}
	return gcm, nil
}

func (e *Envelope) deriveKey(keyContext string) ([]byte, error) {
	key := make([]byte, keyLen)
	r := hkdf.New(sha256.New, e.master, nil, []byte(infoLabel+keyContext))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}

// AttachmentContext is the key context for the attachment of secret id.
func AttachmentContext(id string) string {
	return id + "/attachment"
}
