package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	infraerrors "github.com/hookrelay/hookrelay/internal/pkg/errors"
)

var (
	ErrSignatureMismatch  = infraerrors.Unauthorized("unauthorized-request", "Invalid HMAC signature")
	ErrTimestampMalformed = infraerrors.BadRequest("bad-request", "Invalid timestamp format! Must be ISO 8601.")
	ErrTimestampNaive     = infraerrors.BadRequest("bad-request", "Timestamp must include timezone.")
	ErrTimestampSkewed    = infraerrors.BadRequest("bad-request", "Timestamp too old in request.")
)

// naiveTimestampLayouts parse instants that carry no UTC offset. A raw value
// matching one of these was sent without a timezone rather than malformed.
var naiveTimestampLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// SignatureService authenticates inbound webhook calls. The signed region is
// the request timestamp joined to the raw body with a single dot, which ties
// every signature to its timestamp and bounds replay to the skew window.
type SignatureService struct {
	secret    []byte
	tolerance time.Duration

	now func() time.Time
}

func NewSignatureService(secret string, tolerance time.Duration) *SignatureService {
	return &SignatureService{
		secret:    []byte(secret),
		tolerance: tolerance,
		now:       time.Now,
	}
}

// Sign returns the lowercase hex HMAC-SHA256 over "<timestamp>.<body>".
func (s *SignatureService) Sign(timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature recomputes the expected signature and compares it with the
// presented one in constant time. The comparison runs over the hex strings,
// so uppercase digests are rejected.
func (s *SignatureService) VerifySignature(timestamp string, body []byte, signature string) error {
	expected := s.Sign(timestamp, body)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return ErrSignatureMismatch
	}
	return nil
}

// ValidateTimestamp parses an ISO-8601 timestamp, requires an explicit UTC
// offset, and rejects instants further than the tolerance from now in either
// direction.
func (s *SignatureService) ValidateTimestamp(raw string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		for _, layout := range naiveTimestampLayouts {
			if _, naiveErr := time.Parse(layout, raw); naiveErr == nil {
				return time.Time{}, ErrTimestampNaive
			}
		}
		return time.Time{}, ErrTimestampMalformed
	}

	skew := s.now().Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > s.tolerance {
		return time.Time{}, ErrTimestampSkewed
	}
	return ts, nil
}
