// Package billing integrates the payment provider: checkout session
// creation and webhook handling that drives subscriber status.
package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultTolerance bounds how far a webhook signature timestamp may drift
// from the local clock.
const DefaultTolerance = 300 * time.Second

// VerifySignature checks a `t=<unix>,v1=<hex>` signature header against the
// raw payload. The signed string is "<timestamp>.<payload>" and the digest is
// HMAC-SHA256 under the webhook secret. Any one matching v1 entry passes.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	timestamp, signatures, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}
	drift := now.Unix() - timestamp
	if drift < 0 {
		drift = -drift
	}
	if drift > int64(tolerance/time.Second) {
		return fmt.Errorf("signature timestamp is outside tolerance")
	}
	expected := computeSignature(payload, secret, timestamp)
	for _, sig := range signatures {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			return nil
		}
	}
	return fmt.Errorf("invalid webhook signature")
}

// TestSignatureHeader builds a valid signature header for the payload,
// signed at the given instant. Used by tests and the webhook self-check.
func TestSignatureHeader(payload []byte, secret string, signedAt time.Time) string {
	ts := signedAt.Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, computeSignature(payload, secret, ts))
}

func computeSignature(payload []byte, secret string, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseSignatureHeader(header string) (int64, []string, error) {
	var timestamp int64
	var haveTimestamp bool
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		key, value, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("signature timestamp is invalid: %w", err)
			}
			timestamp = ts
			haveTimestamp = true
		case "v1":
			if value != "" {
				signatures = append(signatures, value)
			}
		}
	}
	if !haveTimestamp {
		return 0, nil, fmt.Errorf("signature header is missing timestamp")
	}
	if len(signatures) == 0 {
		return 0, nil, fmt.Errorf("signature header is missing v1 signature")
	}
	return timestamp, signatures, nil
}
