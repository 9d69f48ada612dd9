// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

package crypto

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

// testEncryptor builds an encryptor with a reduced iteration count so
// the suite stays fast. Production keeps the full work factor.
func testEncryptor(t *testing.T) *Encryptor {
	t.Helper()

	key, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey() error = %v", err)
	}

	e, err := NewEncryptor(&EncryptorConfig{
		MasterKey:  key,
		Iterations: 1000,
	})
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	return e
}

func TestNewEncryptor(t *testing.T) {
	t.Run("missing key", func(t *testing.T) {
		if _, err := NewEncryptor(&EncryptorConfig{}); !errors.Is(err, ErrKeyMissing) {
			t.Errorf("NewEncryptor() error = %v, want ErrKeyMissing", err)
		}
	})

	t.Run("nil config", func(t *testing.T) {
		if _, err := NewEncryptor(nil); !errors.Is(err, ErrKeyMissing) {
			t.Errorf("NewEncryptor(nil) error = %v, want ErrKeyMissing", err)
		}
	})

	t.Run("invalid base64", func(t *testing.T) {
		if _, err := NewEncryptor(&EncryptorConfig{MasterKey: "not base64!!!"}); err == nil {
			t.Error("NewEncryptor() expected error for invalid base64 key")
		}
	})

	t.Run("key too short", func(t *testing.T) {
		short := base64.StdEncoding.EncodeToString([]byte("tooshort"))
		if _, err := NewEncryptor(&EncryptorConfig{MasterKey: short}); err == nil {
			t.Error("NewEncryptor() expected error for 8-byte key")
		}
	})
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	e := testEncryptor(t)

	cases := []struct {
		name      string
		plaintext string
	}{
		{"simple", "patient-record-42"},
		{"empty", ""},
		{"unicode", "diagnóstico: 高血圧 🏥"},
		{"long", strings.Repeat("PHI", 10000)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			blob, err := e.EncryptString(tc.plaintext)
			if err != nil {
				t.Fatalf("EncryptString() error = %v", err)
			}

			got, err := e.DecryptString(blob)
			if err != nil {
				t.Fatalf("DecryptString() error = %v", err)
			}
			if got != tc.plaintext {
				t.Errorf("round trip = %q, want %q", got, tc.plaintext)
			}
		})
	}
}

func TestEncryptProducesUniqueBlobs(t *testing.T) {
	e := testEncryptor(t)

	a, err := e.EncryptString("same plaintext")
	if err != nil {
		t.Fatalf("EncryptString() error = %v", err)
	}
	b, err := e.EncryptString("same plaintext")
	if err != nil {
		t.Fatalf("EncryptString() error = %v", err)
	}

	if a == b {
		t.Error("two encryptions of the same plaintext produced identical blobs")
	}
}

func TestBlobLayout(t *testing.T) {
	e := testEncryptor(t)

	blob, err := e.Encrypt([]byte("layout check"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		t.Fatalf("blob is not valid base64: %v", err)
	}

	wantLen := saltLen + ivLen + tagLen + len("layout check")
	if len(data) != wantLen {
		t.Errorf("decoded blob length = %d, want %d", len(data), wantLen)
	}
}

func TestDecryptTamperDetection(t *testing.T) {
	e := testEncryptor(t)

	blob, err := e.Encrypt([]byte("do not touch"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		t.Fatalf("decode blob: %v", err)
	}

	// Flip one byte in each segment; every variant must fail closed.
	segments := map[string]int{
		"salt":       0,
		"iv":         saltLen,
		"tag":        saltLen + ivLen,
		"ciphertext": saltLen + ivLen + tagLen,
	}

	for name, offset := range segments {
		t.Run(name, func(t *testing.T) {
			tampered := make([]byte, len(data))
			copy(tampered, data)
			tampered[offset] ^= 0x01

			_, err := e.Decrypt(base64.StdEncoding.EncodeToString(tampered))
			if !errors.Is(err, ErrDecryptionFailed) {
				t.Errorf("Decrypt(tampered %s) error = %v, want ErrDecryptionFailed", name, err)
			}
		})
	}
}

func TestDecryptInvalidBlob(t *testing.T) {
	e := testEncryptor(t)

	t.Run("not base64", func(t *testing.T) {
		if _, err := e.Decrypt("!!! not base64 !!!"); !errors.Is(err, ErrInvalidBlob) {
			t.Errorf("Decrypt() error = %v, want ErrInvalidBlob", err)
		}
	})

	t.Run("too short", func(t *testing.T) {
		short := base64.StdEncoding.EncodeToString([]byte("short"))
		if _, err := e.Decrypt(short); !errors.Is(err, ErrInvalidBlob) {
			t.Errorf("Decrypt() error = %v, want ErrInvalidBlob", err)
		}
	})
}

func TestDecryptWrongKey(t *testing.T) {
	e1 := testEncryptor(t)
	e2 := testEncryptor(t)

	blob, err := e1.EncryptString("keyed to e1")
	if err != nil {
		t.Fatalf("EncryptString() error = %v", err)
	}

	if _, err := e2.DecryptString(blob); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Decrypt with wrong key error = %v, want ErrDecryptionFailed", err)
	}
}
