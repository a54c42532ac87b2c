// Package webhook provides the admission-guard primitives shared by channel
// adapters: constant-time secret comparison and HMAC signature checks over
// the raw request body.
//
// Signatures are always computed over the raw, unparsed body; re-serializing
// a decoded payload is not byte-for-byte stable and breaks verification.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
)

// SignatureHeaders are checked in order when a request does not carry an
// explicit signature parameter.
var SignatureHeaders = []string{
	"X-Hub-Signature-256",
	"X-Signature",
	"X-Telegram-Bot-Api-Secret-Token",
}

// SignatureFromHeader extracts the first known signature header value.
func SignatureFromHeader(header http.Header) string {
	if header == nil {
		return ""
	}
	for _, name := range SignatureHeaders {
		if value := strings.TrimSpace(header.Get(name)); value != "" {
			return value
		}
	}
	return ""
}

// HMACSHA256Hex computes the hex-encoded HMAC-SHA256 of body under key.
func HMACSHA256Hex(key string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidHMACSHA256 verifies a hex HMAC-SHA256 signature over body in constant
// time. An optional prefix (e.g. "sha256=") is stripped from the candidate
// before comparison.
func ValidHMACSHA256(key string, body []byte, candidate, prefix string) bool {
	candidate = strings.TrimSpace(candidate)
	if prefix != "" {
		if !strings.HasPrefix(candidate, prefix) {
			return false
		}
		candidate = strings.TrimPrefix(candidate, prefix)
	}
	if candidate == "" {
		return false
	}
	expected := HMACSHA256Hex(key, body)
	return SecureCompare(expected, candidate)
}

// SecureCompare reports whether two strings are equal without leaking the
// position of the first mismatch.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
