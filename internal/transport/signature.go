package transport

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Relay-Signature"

var errSignature = errors.New("signature verification failed")

// Sign returns the header value for body, formatted sha256=<hex>.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against body in constant time. Every failure
// returns the same error.
func Verify(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return errSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	actual, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return errSignature
	}
	if subtle.ConstantTimeCompare(expected, actual) != 1 {
		return errSignature
	}
	return nil
}
