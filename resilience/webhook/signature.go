package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Headers set on every delivery.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderEvent     = "X-Webhook-Event"
	HeaderEventID   = "X-Webhook-Id"
	HeaderIdempKey  = "Idempotency-Key"

	signaturePrefix = "sha256="
)

var (
	ErrSignatureMismatch = errors.New("webhook: signature mismatch")
	ErrSignatureExpired  = errors.New("webhook: signature timestamp outside tolerance")
)

// Sign returns "sha256=<hex>" over "<unix timestamp>.<body>" keyed by secret.
// Binding the timestamp lets receivers reject replays.
func Sign(secret string, timestamp time.Time, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp.Unix(), 10)))
	mac.Write([]byte("."))
	mac.Write(body)

	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign. A non-positive tolerance
// skips the freshness check.
func Verify(secret, signature, timestamp string, body []byte, now time.Time, tolerance time.Duration) error {
	unix, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return ErrSignatureMismatch
	}

	sentAt := time.Unix(unix, 0)

	if tolerance > 0 && (now.Sub(sentAt) > tolerance || sentAt.Sub(now) > tolerance) {
		return ErrSignatureExpired
	}

	expected := Sign(secret, sentAt, body)
	if !hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature))) {
		return ErrSignatureMismatch
	}

	return nil
}
