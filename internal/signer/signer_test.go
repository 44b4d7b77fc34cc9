package signer

import (
	"strings"
	"testing"
)

var skAlice = strings.Repeat("0a", 32)
var skBob = strings.Repeat("0b", 32)

func TestSignVerifyRoundTrip(t *testing.T) {
	s, err := NewFromHex(skAlice)
	if err != nil {
		t.Fatalf("construct signer: %v", err)
	}
	msg := make([]byte, 32)
	for i := range msg {
		msg[i] = byte(i)
	}
	sig, err := s.Sign(msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ok, err := s.Verify(s.Pub(), msg, sig)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatalf("expected signature to verify")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	alice, err := NewFromHex(skAlice)
	if err != nil {
		t.Fatalf("construct alice: %v", err)
	}
	bob, err := NewFromHex(skBob)
	if err != nil {
		t.Fatalf("construct bob: %v", err)
	}
	msg := make([]byte, 32)
	sig, err := alice.Sign(msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ok, _ := bob.Verify(bob.Pub(), msg, sig)
	if ok {
		t.Fatalf("expected verify to fail against the wrong public key")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	alice, err := NewFromHex(skAlice)
	if err != nil {
		t.Fatalf("construct alice: %v", err)
	}
	bob, err := NewFromHex(skBob)
	if err != nil {
		t.Fatalf("construct bob: %v", err)
	}

	plaintext := []byte("hello bob, this is alice")
	ct, err := alice.Encrypt(bob.Pub(), plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if !strings.Contains(ct, "?iv=") {
		t.Fatalf("expected NIP-04 iv segment in ciphertext, got %q", ct)
	}

	pt, err := bob.Decrypt(alice.Pub(), ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(pt) != string(plaintext) {
		t.Fatalf("decrypted plaintext mismatch: got %q want %q", pt, plaintext)
	}
}

func TestDecryptRejectsMalformedCiphertext(t *testing.T) {
	bob, err := NewFromHex(skBob)
	if err != nil {
		t.Fatalf("construct bob: %v", err)
	}
	if _, err = bob.Decrypt(bob.Pub(), "not-a-valid-ciphertext"); err == nil {
		t.Fatalf("expected error for malformed ciphertext")
	}
}
