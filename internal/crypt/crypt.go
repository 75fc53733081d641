// Package crypt wraps the cryptographic primitives the data plane relies
// on: RSA signatures over packet hashes, RSA-OAEP wrapping of per-block
// session keys and AES-256-GCM payload encryption.
package crypt

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

const (
	// SessionKeyLen is the byte length of a fresh AES-256 session key.
	SessionKeyLen = 32

	gcmNonceLen = 12
)

// Key is an RSA identity or shared key. Private may be nil for keys of
// remote peers.
type Key struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// NewKey generates a fresh RSA key of the given bit size.
func NewKey(bits int) (*Key, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("crypt: generate key: %w", err)
	}
	return &Key{Private: priv, Public: &priv.PublicKey}, nil
}

// PublicOnly returns a copy of the key with the private half stripped.
func (k *Key) PublicOnly() *Key {
	return &Key{Public: k.Public}
}

// Sign produces an RSA PKCS#1 v1.5 signature over the SHA-256 of data.
func (k *Key) Sign(data []byte) ([]byte, error) {
	if k.Private == nil {
		return nil, fmt.Errorf("crypt: sign: no private key")
	}
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, k.Private, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("crypt: sign: %w", err)
	}
	return sig, nil
}

// Verify checks a signature produced by Sign.
func (k *Key) Verify(data, sig []byte) bool {
	if k.Public == nil {
		return false
	}
	digest := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(k.Public, crypto.SHA256, digest[:], sig) == nil
}

// WrapSessionKey encrypts a session key under the public half with
// RSA-OAEP(SHA-256).
func (k *Key) WrapSessionKey(sessionKey []byte) ([]byte, error) {
	if k.Public == nil {
		return nil, fmt.Errorf("crypt: wrap: no public key")
	}
	out, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, k.Public, sessionKey, nil)
	if err != nil {
		return nil, fmt.Errorf("crypt: wrap session key: %w", err)
	}
	return out, nil
}

// UnwrapSessionKey recovers a session key wrapped by WrapSessionKey.
func (k *Key) UnwrapSessionKey(wrapped []byte) ([]byte, error) {
	if k.Private == nil {
		return nil, fmt.Errorf("crypt: unwrap: no private key")
	}
	out, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, k.Private, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("crypt: unwrap session key: %w", err)
	}
	return out, nil
}

// NewSessionKey returns a fresh random AES-256 key.
func NewSessionKey() ([]byte, error) {
	key := make([]byte, SessionKeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("crypt: session key: %w", err)
	}
	return key, nil
}

// EncryptWithSessionKey seals plaintext with AES-256-GCM. The nonce is
// prepended to the ciphertext.
func EncryptWithSessionKey(plaintext, sessionKey []byte) ([]byte, error) {
	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("crypt: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypt: new gcm: %w", err)
	}
	nonce := make([]byte, gcmNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypt: generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptWithSessionKey opens ciphertext produced by EncryptWithSessionKey.
func DecryptWithSessionKey(ciphertext, sessionKey []byte) ([]byte, error) {
	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("crypt: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypt: new gcm: %w", err)
	}
	if len(ciphertext) < gcmNonceLen {
		return nil, fmt.Errorf("crypt: ciphertext too short")
	}
	plaintext, err := gcm.Open(nil, ciphertext[:gcmNonceLen], ciphertext[gcmNonceLen:], nil)
	if err != nil {
		return nil, fmt.Errorf("crypt: decrypt: %w", err)
	}
	return plaintext, nil
}

// MarshalPublicKey serializes the public half as PEM for identity exchange.
func (k *Key) MarshalPublicKey() ([]byte, error) {
	if k.Public == nil {
		return nil, fmt.Errorf("crypt: marshal: no public key")
	}
	der, err := x509.MarshalPKIXPublicKey(k.Public)
	if err != nil {
		return nil, fmt.Errorf("crypt: marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePublicKey reads a PEM public key produced by MarshalPublicKey.
func ParsePublicKey(data []byte) (*Key, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("crypt: parse public key: no PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("crypt: parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("crypt: parse public key: not RSA")
	}
	return &Key{Public: rsaPub}, nil
}

// MarshalPrivateKey serializes the whole key pair as PEM for local
// storage.
func (k *Key) MarshalPrivateKey() ([]byte, error) {
	if k.Private == nil {
		return nil, fmt.Errorf("crypt: marshal: no private key")
	}
	der := x509.MarshalPKCS1PrivateKey(k.Private)
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}), nil
}

// ParsePrivateKey reads a PEM key pair produced by MarshalPrivateKey.
func ParsePrivateKey(data []byte) (*Key, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("crypt: parse private key: no PEM block")
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("crypt: parse private key: %w", err)
	}
	return &Key{Private: priv, Public: &priv.PublicKey}, nil
}
