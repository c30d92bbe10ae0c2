// Package crypto seals per-user marketplace API tokens for storage at rest.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/takeyourtrade1-star/brx-sync/go/errs"
)

const keySize = 32
const nonceSize = 24

// Envelope performs authenticated symmetric encryption of token strings.
// Sealed values are base64(nonce || box) so they can live in a text column.
type Envelope struct {
	key [keySize]byte
}

// NewEnvelope builds an Envelope from a base64-encoded 32-byte key.
func NewEnvelope(encodedKey string) (*Envelope, error) {
	var raw, err = base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeConfiguration, "decoding encryption key")
	}
	if len(raw) != keySize {
		return nil, errs.New(errs.CodeConfiguration,
			"encryption key must be %d bytes, got %d", keySize, len(raw))
	}
	var e Envelope
	copy(e.key[:], raw)
	return &e, nil
}

// Seal encrypts a token. Sealing an empty token yields an empty string,
// the representation of a disconnected account.
func (e *Envelope) Seal(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	var sealed = secretbox.Seal(nonce[:], []byte(token), &nonce, &e.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed token. An empty sealed value opens to an empty
// token without error. A malformed or tampered value fails with
// TOKEN_DECRYPTION_ERROR.
func (e *Envelope) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	var raw, err = base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", errs.Wrap(err, errs.CodeTokenDecryption, "decoding sealed token")
	}
	if len(raw) < nonceSize+secretbox.Overhead {
		return "", errs.New(errs.CodeTokenDecryption, "sealed token too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])

	var token, ok = secretbox.Open(nil, raw[nonceSize:], &nonce, &e.key)
	if !ok {
		return "", errs.New(errs.CodeTokenDecryption, "token authentication failed")
	}
	return string(token), nil
}
