package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Verifier authenticates a raw webhook request.
type Verifier interface {
	Verify(header http.Header, body []byte, now time.Time) error
}

var (
	errMissingSignature = errors.New("missing signature")
	errBadSignature     = errors.New("signature mismatch")
	errMissingTimestamp = errors.New("missing timestamp")
	errStaleTimestamp   = errors.New("timestamp outside freshness window")
)

// HMACVerifier checks a hex HMAC-SHA256 of the body carried in Header,
// optionally behind a literal prefix such as "sha256=". When
// TimestampHeader is set the request must also carry a timestamp within
// Window of now.
type HMACVerifier struct {
	Secret          string
	Header          string
	Prefix          string
	TimestampHeader string
	Window          time.Duration
}

func (v HMACVerifier) Verify(header http.Header, body []byte, now time.Time) error {
	sig := strings.TrimSpace(header.Get(v.Header))
	if sig == "" {
		return errMissingSignature
	}
	if v.Prefix != "" {
		if !strings.HasPrefix(strings.ToLower(sig), strings.ToLower(v.Prefix)) {
			return errBadSignature
		}
		sig = sig[len(v.Prefix):]
	}
	if v.TimestampHeader != "" {
		if err := checkFreshness(header.Get(v.TimestampHeader), v.Window, now); err != nil {
			return err
		}
	}
	if !equalHexMAC(sig, sign(v.Secret, body)) {
		return errBadSignature
	}
	return nil
}

// SlackVerifier implements the v0 scheme: the signature covers
// "v0:<timestamp>:<body>" and the timestamp must be fresh.
type SlackVerifier struct {
	Secret string
	Window time.Duration
}

func (v SlackVerifier) Verify(header http.Header, body []byte, now time.Time) error {
	sig := strings.TrimSpace(header.Get("X-Slack-Signature"))
	if sig == "" {
		return errMissingSignature
	}
	ts := strings.TrimSpace(header.Get("X-Slack-Request-Timestamp"))
	if err := checkFreshness(ts, v.Window, now); err != nil {
		return err
	}
	if !strings.HasPrefix(sig, "v0=") {
		return errBadSignature
	}
	base := make([]byte, 0, len(ts)+len(body)+4)
	base = append(base, "v0:"...)
	base = append(base, ts...)
	base = append(base, ':')
	base = append(base, body...)
	if !equalHexMAC(sig[3:], sign(v.Secret, base)) {
		return errBadSignature
	}
	return nil
}

// TokenVerifier compares a shared secret header in constant time.
type TokenVerifier struct {
	Secret string
	Header string
}

func (v TokenVerifier) Verify(header http.Header, _ []byte, _ time.Time) error {
	got := header.Get(v.Header)
	if got == "" {
		return errMissingSignature
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(v.Secret)) != 1 {
		return errBadSignature
	}
	return nil
}

func sign(secret string, msg []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(msg)
	return mac.Sum(nil)
}

func equalHexMAC(gotHex string, want []byte) bool {
	got, err := hex.DecodeString(strings.TrimSpace(gotHex))
	if err != nil {
		return false
	}
	return hmac.Equal(got, want)
}

// checkFreshness accepts unix seconds, optionally fractional, and rejects
// timestamps further than window from now in either direction.
func checkFreshness(raw string, window time.Duration, now time.Time) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errMissingTimestamp
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return fmt.Errorf("%w: unparseable", errStaleTimestamp)
	}
	whole, frac := math.Modf(secs)
	ts := time.Unix(int64(whole), int64(frac*1e9))
	if d := now.Sub(ts); d > window || d < -window {
		return errStaleTimestamp
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body. Used by dispatchers and tests
// that need to produce signatures the verifiers accept.
func Sign(secret string, body []byte) string {
	return hex.EncodeToString(sign(secret, body))
}
