package crypto

import (
	"errors"
	"strings"
	"testing"
)

func newSealer(t *testing.T, secret string) *Sealer {
	t.Helper()
	s, err := New(secret)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// ========== Seal / Open ==========

func TestSealOpen_Roundtrip(t *testing.T) {
	s := newSealer(t, "server-secret")
	original := "sk-abc123def456ghi789"
	sealed, err := s.Seal(original)
	if err != nil {
		t.Fatalf("Seal error: %v", err)
	}
	if !IsSealed(sealed) || strings.Contains(sealed, "sk-") {
		t.Errorf("sealed value leaks plaintext or lacks prefix: %q", sealed)
	}
	opened, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if opened != original {
		t.Errorf("roundtrip failed: got %q, want %q", opened, original)
	}
}

func TestSeal_EmptyString(t *testing.T) {
	s := newSealer(t, "")
	sealed, err := s.Seal("")
	if err != nil || sealed != "" {
		t.Errorf("Seal(\"\") = %q, %v", sealed, err)
	}
}

func TestSeal_DifferentCiphertextEachTime(t *testing.T) {
	s := newSealer(t, "k")
	a, _ := s.Seal("sk-abc123")
	b, _ := s.Seal("sk-abc123")
	if a == b {
		t.Error("random nonce should make each ciphertext unique")
	}
	da, _ := s.Open(a)
	db, _ := s.Open(b)
	if da != "sk-abc123" || db != "sk-abc123" {
		t.Errorf("decryption mismatch: %q %q", da, db)
	}
}

func TestOpen_LegacyPlaintextPassesThrough(t *testing.T) {
	s := newSealer(t, "k")
	got, err := s.Open("sk-legacy-plain")
	if err != nil || got != "sk-legacy-plain" {
		t.Errorf("Open(legacy) = %q, %v", got, err)
	}
}

func TestOpen_WrongSecret(t *testing.T) {
	sealed, _ := newSealer(t, "one").Seal("sk-secret")
	if _, err := newSealer(t, "two").Open(sealed); err == nil {
		t.Error("expected error opening with a different secret")
	}
}

func TestOpen_Garbage(t *testing.T) {
	s := newSealer(t, "k")
	if _, err := s.Open(sealedPrefix + "not-valid-base64!!!"); !errors.Is(err, ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
	if _, err := s.Open(sealedPrefix + "aGVsbG8="); !errors.Is(err, ErrMalformed) {
		t.Errorf("short payload err = %v, want ErrMalformed", err)
	}
}

func TestSealOpen_LongAndSpecial(t *testing.T) {
	s := newSealer(t, "k")
	for _, original := range []string{strings.Repeat("A", 10000), "sk-ant-api03-key_with/special+chars=and!symbols@#$%"} {
		sealed, err := s.Seal(original)
		if err != nil {
			t.Fatalf("Seal error: %v", err)
		}
		opened, err := s.Open(sealed)
		if err != nil || opened != original {
			t.Errorf("roundtrip failed for len %d: %v", len(original), err)
		}
	}
}
