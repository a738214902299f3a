package rsmq

import (
	"regexp"
	"strconv"
)

const (
	MaxSeconds     = 9_999_999
	MinMessageSize = 1024
	MaxMessageSize = 65536
)

var (
	queueNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,160}$`)
	messageIDPattern = regexp.MustCompile(`^[0-9a-z]{` + strconv.Itoa(idTimeLen) + `}[0-9a-f]{` + strconv.Itoa(2*idRandBytes) + `}$`)
)

// ValidateQueueName reports whether name may be used as a queue name.
func ValidateQueueName(name string) error {
	if !queueNamePattern.MatchString(name) {
		return &ValidationError{Field: "queue name", Value: strconv.Quote(name), Reason: "must match " + queueNamePattern.String()}
	}
	return nil
}

func ValidateMessageID(id string) error {
	if !messageIDPattern.MatchString(id) {
		return &ValidationError{Field: "message id", Value: strconv.Quote(id), Reason: "malformed"}
	}
	return nil
}

func validateSeconds(field string, v int) error {
	if v < 0 || v > MaxSeconds {
		return &ValidationError{Field: field, Value: v, Reason: "must be between 0 and " + strconv.Itoa(MaxSeconds) + " seconds"}
	}
	return nil
}

func validateMaxSize(v int) error {
	if v == UnlimitedSize || (v >= MinMessageSize && v <= MaxMessageSize) {
		return nil
	}
	return &ValidationError{Field: "maxsize", Value: v, Reason: "must be -1 or between 1024 and 65536 bytes"}
}

func (s queueSettings) validate() error {
	if s.vt != nil {
		if err := validateSeconds("vt", *s.vt); err != nil {
			return err
		}
	}
	if s.delay != nil {
		if err := validateSeconds("delay", *s.delay); err != nil {
			return err
		}
	}
	if s.maxSize != nil {
		if err := validateMaxSize(*s.maxSize); err != nil {
			return err
		}
	}
	return nil
}
