package rsmq

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

const (
	idTimeLen   = 12
	idRandBytes = 16
	// MessageIDLen is the fixed length of every message id.
	MessageIDLen = idTimeLen + 2*idRandBytes
)

// newMessageID mints an id from the server clock. The time prefix is the
// microsecond epoch in base 36, zero padded, so ids sort by enqueue time;
// the random suffix keeps ids minted in the same microsecond apart.
func newMessageID(now time.Time) (string, error) {
	b := make([]byte, idRandBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return encodeIDTime(now) + hex.EncodeToString(b), nil
}

func encodeIDTime(t time.Time) string {
	// seconds followed by the six-digit microsecond part is the same integer
	// as the microsecond epoch.
	s := strconv.FormatInt(t.Unix()*1_000_000+int64(t.Nanosecond()/1_000), 36)
	if len(s) < idTimeLen {
		s = strings.Repeat("0", idTimeLen-len(s)) + s
	}
	return s
}

// ParseMessageID validates id and returns the server time it was minted at.
func ParseMessageID(id string) (time.Time, error) {
	if err := ValidateMessageID(id); err != nil {
		return time.Time{}, err
	}
	us, err := strconv.ParseInt(id[:idTimeLen], 36, 64)
	if err != nil {
		return time.Time{}, &ValidationError{Field: "message id", Value: id, Reason: err.Error()}
	}
	return time.UnixMicro(us), nil
}
