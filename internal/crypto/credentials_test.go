package crypto

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEncryptDecryptTokenRoundTrip(t *testing.T) {
	blob, err := EncryptToken("wd_live_abc123", "hunter2")
	if err != nil {
		t.Fatalf("EncryptToken: %v", err)
	}
	got, err := DecryptToken(blob, "hunter2")
	if err != nil {
		t.Fatalf("DecryptToken: %v", err)
	}
	if got != "wd_live_abc123" {
		t.Fatalf("token = %q", got)
	}
}

func TestDecryptTokenWrongPassword(t *testing.T) {
	blob, err := EncryptToken("wd_live_abc123", "hunter2")
	if err != nil {
		t.Fatalf("EncryptToken: %v", err)
	}
	if _, err := DecryptToken(blob, "wrong"); err == nil {
		t.Fatalf("expected decryption failure with wrong password")
	}
}

func TestEncryptTokenRejectsEmptyInputs(t *testing.T) {
	if _, err := EncryptToken("", "pw"); err == nil {
		t.Fatalf("empty token accepted")
	}
	if _, err := EncryptToken("tok", ""); err == nil {
		t.Fatalf("empty password accepted")
	}
}

func TestLoadTokenPrefersRaw(t *testing.T) {
	got, err := LoadToken(TokenConfig{RawToken: "raw-token", EncryptedPath: "/does/not/exist"})
	if err != nil {
		t.Fatalf("LoadToken: %v", err)
	}
	if got != "raw-token" {
		t.Fatalf("token = %q", got)
	}
}

func TestLoadTokenFromEncryptedFile(t *testing.T) {
	blob, err := EncryptToken("file-token", "pw")
	if err != nil {
		t.Fatalf("EncryptToken: %v", err)
	}
	path := filepath.Join(t.TempDir(), "signer_token.json")
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := LoadToken(TokenConfig{EncryptedPath: path, Password: "pw"})
	if err != nil {
		t.Fatalf("LoadToken: %v", err)
	}
	if got != "file-token" {
		t.Fatalf("token = %q", got)
	}
}

func TestLoadTokenUnconfigured(t *testing.T) {
	if _, err := LoadToken(TokenConfig{}); err == nil {
		t.Fatalf("expected error with no token source")
	}
}

func TestRequestAuthSignAndVerify(t *testing.T) {
	auth := &RequestAuth{KeyID: "key-1", Secret: "s3cret"}
	headers := auth.HeadersAt("POST", "/v1/transactions", `{"wallet":"lane-0"}`, 1_725_000_000)

	if headers["X-Atalanta-Key"] != "key-1" {
		t.Fatalf("key header = %q", headers["X-Atalanta-Key"])
	}
	if headers["X-Atalanta-Timestamp"] != "1725000000" {
		t.Fatalf("timestamp header = %q", headers["X-Atalanta-Timestamp"])
	}
	if !auth.Verify("POST", "/v1/transactions", `{"wallet":"lane-0"}`,
		headers["X-Atalanta-Timestamp"], headers["X-Atalanta-Signature"]) {
		t.Fatalf("signature did not verify")
	}
	if auth.Verify("POST", "/v1/transactions", `{"wallet":"lane-1"}`,
		headers["X-Atalanta-Timestamp"], headers["X-Atalanta-Signature"]) {
		t.Fatalf("signature verified for altered body")
	}
}

func TestRequestAuthStringRedacts(t *testing.T) {
	auth := &RequestAuth{KeyID: "key-12345", Secret: "supersecret"}
	s := auth.String()
	if want := "RequestAuth{key=key-****, secret=supe****}"; s != want {
		t.Fatalf("String() = %q, want %q", s, want)
	}
}
