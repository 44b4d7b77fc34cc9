// Package signer is the opaque handle the gateway uses to prove its
// identity and to encrypt/decrypt direct messages, mirroring the teacher's
// interfaces/signer.I seam (§2: "Signer — opaque handle exposing
// public_identity(), sign(), encrypt(), decrypt()").
package signer

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"zapgate.dev/internal/hex"
)

// I is the signer capability surface: public identity, schnorr signing, and
// NIP-04-style shared-secret DM encryption.
type I interface {
	// Pub returns the public identity in binary (x-only secp256k1) form.
	Pub() []byte
	// PubHex returns the public identity as a hex string.
	PubHex() string
	// Sign produces a schnorr signature over msg (expected to be a sha256
	// hash already).
	Sign(msg []byte) (sig []byte, err error)
	// Verify checks a schnorr signature against a known public key.
	Verify(pub, msg, sig []byte) (bool, error)
	// Encrypt produces NIP-04-style ciphertext ("base64?iv=base64") for peer.
	Encrypt(peerPub []byte, plaintext []byte) (string, error)
	// Decrypt reverses Encrypt.
	Decrypt(peerPub []byte, ciphertext string) ([]byte, error)
}

// Secp256k1 is the concrete I backed by a secp256k1 keypair.
type Secp256k1 struct {
	sec *btcec.PrivateKey
	pub []byte // x-only, 32 bytes
}

// NewFromHex constructs a signer from a hex-encoded secp256k1 private key.
func NewFromHex(skHex string) (s *Secp256k1, err error) {
	skHex = strings.TrimSpace(skHex)
	var b []byte
	if b, err = hex.Dec(skHex); err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(b))
	}
	sec, pub := btcec.PrivKeyFromBytes(b)
	xonly := schnorr.SerializePubKey(pub)
	return &Secp256k1{sec: sec, pub: xonly}, nil
}

func (s *Secp256k1) Pub() []byte    { return append([]byte(nil), s.pub...) }
func (s *Secp256k1) PubHex() string { return hex.Enc(s.pub) }

func (s *Secp256k1) Sign(msg []byte) (sig []byte, err error) {
	var sg *schnorr.Signature
	if sg, err = schnorr.Sign(s.sec, msg); err != nil {
		return nil, err
	}
	return sg.Serialize(), nil
}

func (s *Secp256k1) Verify(pub, msg, sig []byte) (bool, error) {
	pk, err := schnorr.ParsePubKey(pub)
	if err != nil {
		return false, err
	}
	sg, err := schnorr.ParseSignature(sig)
	if err != nil {
		return false, err
	}
	return sg.Verify(msg, pk), nil
}

// sharedSecret derives the NIP-04 shared secret: the X coordinate of
// peerPub * ourPrivateKey, hashed with sha256.
func (s *Secp256k1) sharedSecret(peerPub []byte) ([]byte, error) {
	// peerPub arrives x-only (32 bytes); NIP-04 ECDH conventionally assumes
	// the even-Y point, matching how relay clients treat x-only identities.
	full := append([]byte{0x02}, peerPub...)
	pk, err := btcec.ParsePubKey(full)
	if err != nil {
		return nil, fmt.Errorf("parse peer pubkey: %w", err)
	}
	var point btcec.JacobianPoint
	pk.AsJacobian(&point)
	var result btcec.JacobianPoint
	btcec.ScalarMultNonConst(&s.sec.Key, &point, &result)
	result.ToAffine()
	x := result.X.Bytes()
	sum := sha256.Sum256(x[:])
	return sum[:], nil
}

// Encrypt implements NIP-04: AES-256-CBC under the ECDH shared secret,
// rendered as "base64(ciphertext)?iv=base64(iv)".
func (s *Secp256k1) Encrypt(peerPub []byte, plaintext []byte) (string, error) {
	key, err := s.sharedSecret(peerPub)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err = io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
	return base64.StdEncoding.EncodeToString(ct) + "?iv=" + base64.StdEncoding.EncodeToString(iv), nil
}

// Decrypt reverses Encrypt.
func (s *Secp256k1) Decrypt(peerPub []byte, ciphertext string) ([]byte, error) {
	parts := strings.SplitN(ciphertext, "?iv=", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed ciphertext: missing iv segment")
	}
	ct, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext is not a multiple of the block size")
	}
	key, err := s.sharedSecret(peerPub)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)
	return pkcs7Unpad(pt)
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	pad := make([]byte, n)
	for i := range pad {
		pad[i] = byte(n)
	}
	return append(b, pad...)
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > len(b) {
		return nil, fmt.Errorf("invalid padding")
	}
	return b[:len(b)-n], nil
}
