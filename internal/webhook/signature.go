package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// VerifySignature checks the sender's HMAC-SHA256 signature over the raw
// request body. The header value is "sha256=<hex digest>". An empty secret
// disables verification (local development).
func VerifySignature(secret, header string, body []byte) bool {
	if secret == "" {
		return true
	}
	got, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(got), []byte(want))
}
