package tokenseal

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func testKey() []byte {
	return bytes.Repeat([]byte{7}, 32)
}

func TestXChaChaRoundTrip(t *testing.T) {
	s, err := NewXChaCha(testKey())
	if err != nil {
		t.Fatalf("NewXChaCha returned error: %v", err)
	}

	sealed, err := s.Seal("access-sandbox-123")
	if err != nil {
		t.Fatalf("Seal returned error: %v", err)
	}
	if !strings.HasPrefix(sealed, "v1:") {
		t.Fatalf("expected versioned prefix, got %q", sealed)
	}
	if strings.Contains(sealed, "access-sandbox-123") {
		t.Fatal("sealed value must not contain the plaintext")
	}

	opened, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if opened != "access-sandbox-123" {
		t.Fatalf("expected plaintext back, got %q", opened)
	}
}

func TestXChaChaSealUsesFreshNonce(t *testing.T) {
	s, _ := NewXChaCha(testKey())
	a, _ := s.Seal("same")
	b, _ := s.Seal("same")
	if a == b {
		t.Fatal("expected distinct ciphertexts for repeated seals")
	}
}

func TestXChaChaDetectsTampering(t *testing.T) {
	s, _ := NewXChaCha(testKey())
	sealed, _ := s.Seal("access-sandbox-123")

	raw, _ := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(sealed, "v1:"))
	raw[len(raw)-1] ^= 0xff
	tampered := "v1:" + base64.RawStdEncoding.EncodeToString(raw)

	if _, err := s.Open(tampered); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if _, err := s.Open("v1:%%%"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for bad base64, got %v", err)
	}
}

func TestXChaChaOpenPassesThroughLegacyValues(t *testing.T) {
	s, _ := NewXChaCha(testKey())
	got, err := s.Open("access-sandbox-legacy")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "access-sandbox-legacy" {
		t.Fatalf("expected passthrough, got %q", got)
	}
}

func TestNewFromBase64(t *testing.T) {
	s, err := NewFromBase64("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := s.(Noop); !ok {
		t.Fatalf("expected Noop sealer for empty key, got %T", s)
	}

	if _, err := NewFromBase64(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Fatal("expected error for short key")
	}

	s, err = NewFromBase64(base64.StdEncoding.EncodeToString(testKey()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := s.(*XChaCha); !ok {
		t.Fatalf("expected XChaCha sealer, got %T", s)
	}
}
