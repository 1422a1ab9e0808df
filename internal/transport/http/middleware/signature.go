package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
)

// maxReportBytes bounds the body read for signature checks.
const maxReportBytes = 1 << 20

// Signature returns middleware that checks the OneBot X-Signature header,
// "sha1=" followed by the hex HMAC-SHA1 of the body keyed with secret.
// An empty secret disables the check.
func Signature(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sig, ok := strings.CutPrefix(r.Header.Get("X-Signature"), "sha1=")
			if !ok {
				writeJSONError(w, http.StatusUnauthorized, "missing or invalid signature header")
				return
			}
			body, err := io.ReadAll(io.LimitReader(r.Body, maxReportBytes))
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "unreadable body")
				return
			}
			if !validSignature(secret, body, sig) {
				writeJSONError(w, http.StatusUnauthorized, "signature mismatch")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

func validSignature(secret string, body []byte, sig string) bool {
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
