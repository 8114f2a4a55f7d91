package platform

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the webhook body signature.
const SignatureHeader = "X-Hub-Signature-256"

// VerifySignature checks header ("sha256=<hex>") against an HMAC-SHA256 of
// the raw body keyed with the app secret.
func VerifySignature(appSecret string, body []byte, header string) error {
	if appSecret == "" {
		return ErrInvalidSignature
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the header value for body. Used by tests and tooling.
func Sign(appSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
