package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// verifyWebhookHMAC checks the hex-encoded HMAC-SHA256 signature the CRM
// attaches to webhook deliveries. An empty secret disables verification,
// which is only acceptable behind the development tunnel.
func verifyWebhookHMAC(secret, signature string, body []byte) *authError {
	if secret == "" {
		return nil
	}
	if signature == "" {
		return &authError{status: 401, code: "unauthorized", message: "missing webhook signature"}
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	expectedHex := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(strings.TrimSpace(signature))), []byte(expectedHex)) {
		return &authError{status: 401, code: "unauthorized", message: "webhook signature mismatch"}
	}
	return nil
}
