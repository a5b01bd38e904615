package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	aeerrors "github.com/randalmurphal/authevents/pkg/authevents/errors"
)

// Request headers set on every delivery.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderID        = "X-Webhook-ID"
	HeaderEvent     = "X-Webhook-Event"
	HeaderAttempt   = "X-Webhook-Attempt"
)

// DefaultTolerance is the accepted clock skew between signer and verifier.
const DefaultTolerance = 300 * time.Second

// Sign returns the hex HMAC-SHA256 of "{unix ts}.{payload}" keyed by secret.
func Sign(secret string, payload []byte, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts.Unix(), 10)))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeader formats the X-Webhook-Signature value "t=<unix>,v1=<hex>".
func SignatureHeader(secret string, payload []byte, ts time.Time) string {
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), Sign(secret, payload, ts))
}

// ParseHeader splits a signature header into its timestamp and v1 signatures.
// Unknown schemes are ignored so signers can add new ones.
func ParseHeader(header string) (time.Time, []string, error) {
	var (
		ts   time.Time
		sigs []string
	)
	if strings.TrimSpace(header) == "" {
		return ts, nil, &aeerrors.SignatureError{Reason: "missing signature header"}
	}
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			unix, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return ts, nil, &aeerrors.SignatureError{Reason: "malformed timestamp"}
			}
			ts = time.Unix(unix, 0)
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts.IsZero() {
		return ts, nil, &aeerrors.SignatureError{Reason: "missing timestamp"}
	}
	if len(sigs) == 0 {
		return ts, nil, &aeerrors.SignatureError{Reason: "missing v1 signature"}
	}
	return ts, sigs, nil
}

// VerifySignature checks sig against payload signed at ts. It fails closed:
// a timestamp outside tolerance of now or any mismatch is rejected.
// tolerance <= 0 uses DefaultTolerance.
func VerifySignature(sig, secret string, payload []byte, ts time.Time, tolerance time.Duration) error {
	return verifyAt(time.Now(), []string{sig}, secret, payload, ts, tolerance)
}

// VerifyHeader parses a signature header and verifies it.
func VerifyHeader(header, secret string, payload []byte, tolerance time.Duration) error {
	ts, sigs, err := ParseHeader(header)
	if err != nil {
		return err
	}
	return verifyAt(time.Now(), sigs, secret, payload, ts, tolerance)
}

func verifyAt(now time.Time, sigs []string, secret string, payload []byte, ts time.Time, tolerance time.Duration) error {
	if secret == "" {
		return &aeerrors.SignatureError{Reason: "no secret configured"}
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return &aeerrors.SignatureError{Reason: fmt.Sprintf("timestamp outside tolerance (%s)", skew.Truncate(time.Second))}
	}
	expected := []byte(Sign(secret, payload, ts))
	for _, sig := range sigs {
		if hmac.Equal(expected, []byte(strings.ToLower(strings.TrimSpace(sig)))) {
			return nil
		}
	}
	return &aeerrors.SignatureError{Reason: "signature mismatch"}
}
