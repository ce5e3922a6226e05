package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

func NowUTC() time.Time {
	return time.Now().UTC()
}

func Sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// RetryableError marks a transient infrastructure failure: the caller may
// re-invoke the same operation.
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error { return e.Err }

func Retryable(op string, err error) error {
	if err == nil {
		return nil
	}
	var re *RetryableError
	if errors.As(err, &re) {
		return err
	}
	return &RetryableError{Op: op, Err: err}
}

func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
