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

const sessionInfo = "firestbreak/session/v1"

// ErrShortFrame is returned when a sealed frame is smaller than its nonce.
var ErrShortFrame = errors.New("crypto: sealed frame too short")

// KeyFromService derives the AES-256 session key shared by every node that
// advertises the same service with the same passphrase.
func KeyFromService(service, passphrase string) []byte {
	r := hkdf.New(sha256.New, []byte(passphrase), []byte(service), []byte(sessionInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		// hkdf only fails after 255*32 bytes of output.
		panic("crypto: hkdf: " + err.Error())
	}
	return key
}

// Sealer encrypts and authenticates frames with AES-GCM.
type Sealer struct {
	aead cipher.AEAD
}

func NewSealer(key []byte) (*Sealer, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return &Sealer{aead: gcm}, nil
}

// Seal returns nonce || ciphertext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func (s *Sealer) Open(frame []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(frame) < n {
		return nil, ErrShortFrame
	}
	return s.aead.Open(nil, frame[:n], frame[n:], nil)
}
