package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// RequestAuth signs requests to the walletd signer service. The signature is
// HMAC-SHA256(secret, timestamp+method+path+body) so a captured request
// cannot be replayed against a different endpoint or payload.
type RequestAuth struct {
	KeyID  string
	Secret string
}

// Headers returns the auth headers for one request.
//
//	X-Atalanta-Key:       key identifier
//	X-Atalanta-Timestamp: Unix seconds the signature was made
//	X-Atalanta-Signature: base64 HMAC over ts+method+path+body
func (a *RequestAuth) Headers(method, path, body string) map[string]string {
	return a.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt is Headers with a caller-supplied timestamp, for deterministic
// tests.
func (a *RequestAuth) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	sig := hmacSHA256Base64([]byte(a.Secret), ts+method+path+body)
	return map[string]string{
		"X-Atalanta-Key":       a.KeyID,
		"X-Atalanta-Timestamp": ts,
		"X-Atalanta-Signature": sig,
	}
}

// Verify checks a signature produced by HeadersAt. walletd does this on its
// side; the engine uses it in tests.
func (a *RequestAuth) Verify(method, path, body, ts, sig string) bool {
	want := hmacSHA256Base64([]byte(a.Secret), ts+method+path+body)
	return hmac.Equal([]byte(want), []byte(sig))
}

// String returns a redacted form safe for logs.
func (a *RequestAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("RequestAuth{key=%s, secret=%s}", redact(a.KeyID), redact(a.Secret))
}

func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
