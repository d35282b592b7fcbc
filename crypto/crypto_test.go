package crypto

import (
	"errors"
	"strings"
	"testing"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := NewVault("correct horse battery staple")
	if err != nil {
		t.Fatalf("NewVault() error = %v", err)
	}
	return v
}

func TestNewVault(t *testing.T) {
	if _, err := NewVault(""); err == nil {
		t.Error("NewVault(\"\") expected error but got nil")
	}
	if _, err := NewVault("secret"); err != nil {
		t.Errorf("NewVault() unexpected error = %v", err)
	}
}

// TestEncryptDecrypt_RoundTrip tests that encryption followed by decryption returns original plaintext
func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	v := newTestVault(t)

	tests := []struct {
		name      string
		plaintext string
	}{
		{name: "short string", plaintext: "hello"},
		{name: "twitch token", plaintext: "gy8m6uslw2hbf0fuk6d9zo0lwpxhm3"},
		{name: "google token", plaintext: "ya29.a0AfH6SMBx..."},
		{name: "long string", plaintext: strings.Repeat("a", 1000)},
		{name: "unicode", plaintext: "Hello 世界 🌍"},
		{name: "separator inside", plaintext: "a:b:c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := v.Encrypt(tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if strings.Contains(sealed, tt.plaintext) {
				t.Errorf("Encrypt() output contains plaintext")
			}
			got, err := v.Decrypt(sealed)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if got != tt.plaintext {
				t.Errorf("Decrypt() = %q, want %q", got, tt.plaintext)
			}
		})
	}
}

func TestEncryptNonceFreshness(t *testing.T) {
	v := newTestVault(t)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		sealed, err := v.Encrypt("same-token")
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		if seen[sealed] {
			t.Fatalf("Encrypt() produced a repeated ciphertext: %s", sealed)
		}
		seen[sealed] = true

		nonce := strings.SplitN(sealed, ":", 2)[0]
		if len(nonce) != nonceHexLen {
			t.Errorf("nonce length = %d, want %d", len(nonce), nonceHexLen)
		}
	}
}

func TestEncryptEmpty(t *testing.T) {
	v := newTestVault(t)
	out, err := v.Encrypt("")
	if !errors.Is(err, ErrEmptyPlaintext) {
		t.Errorf("Encrypt(\"\") error = %v, want ErrEmptyPlaintext", err)
	}
	if out != "" {
		t.Errorf("Encrypt(\"\") = %q, want no output", out)
	}
	// A single character is the shortest value that seals.
	sealed, err := v.Encrypt("x")
	if err != nil {
		t.Fatalf("Encrypt(x) error = %v", err)
	}
	if got, err := v.Decrypt(sealed); err != nil || got != "x" {
		t.Errorf("Decrypt() = %q, %v", got, err)
	}
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	v := newTestVault(t)
	valid, err := v.Encrypt("token")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	nonce, body, _ := strings.Cut(valid, ":")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "empty", input: "", want: "format"},
		{name: "no separator", input: nonce + body, want: "format"},
		{name: "too many parts", input: nonce + ":" + body + ":00", want: "format"},
		{name: "short nonce", input: nonce[:22] + ":" + body, want: "nonce length"},
		{name: "long nonce", input: nonce + "ab:" + body, want: "nonce length"},
		{name: "non-hex nonce", input: "zz" + nonce[2:] + ":" + body, want: "nonce hex"},
		{name: "non-hex body", input: nonce + ":" + "xyz", want: "ciphertext hex"},
		{name: "empty body", input: nonce + ":", want: "too short"},
		{name: "odd body", input: nonce + ":" + body[1:], want: "ciphertext hex"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Decrypt(tt.input)
			if err == nil {
				t.Fatal("Decrypt() expected error")
			}
			if !errors.Is(err, ErrCrypto) {
				t.Errorf("Decrypt() error = %v, want ErrCrypto", err)
			}
			var ce *CryptoError
			if !errors.As(err, &ce) {
				t.Errorf("Decrypt() error type = %T, want *CryptoError", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Decrypt() error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestDecryptTampered(t *testing.T) {
	v := newTestVault(t)
	sealed, err := v.Encrypt("token")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	// Flip the last hex digit of the auth tag.
	last := sealed[len(sealed)-1]
	flipped := byte('0')
	if last == '0' {
		flipped = '1'
	}
	tampered := sealed[:len(sealed)-1] + string(flipped)

	if _, err := v.Decrypt(tampered); !errors.Is(err, ErrCrypto) {
		t.Errorf("Decrypt(tampered) error = %v, want ErrCrypto", err)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	a := newTestVault(t)
	b, err := NewVault("another passphrase")
	if err != nil {
		t.Fatalf("NewVault() error = %v", err)
	}
	sealed, err := a.Encrypt("token")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if _, err := b.Decrypt(sealed); !errors.Is(err, ErrCrypto) {
		t.Errorf("Decrypt() with wrong key error = %v, want ErrCrypto", err)
	}
}

func TestIsSealed(t *testing.T) {
	v := newTestVault(t)
	sealed, _ := v.Encrypt("token")

	tests := []struct {
		in   string
		want bool
	}{
		{sealed, true},
		{"plain-oauth-token", false},
		{"", false},
		{"0123456789abcdef01234567:", false},
		{"0123456789abcdef01234567:zz", false},
	}
	for _, tt := range tests {
		if got := IsSealed(tt.in); got != tt.want {
			t.Errorf("IsSealed(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
