// Package fingerprint checks the shape of client identifiers. The content is
// produced by an external client routine and is never interpreted here.
package fingerprint

import (
	"fmt"

	"github.com/xela07ax/shared-counter/internal/domain"
)

const (
	MinLength = 8
	MaxLength = 256

	// maxTrivialPeriod: "aaaaaaaa", "abababab" and "12341234" are rejected.
	maxTrivialPeriod = 4
)

func Validate(fp string) error {
	if fp == "" {
		return fmt.Errorf("%w: empty", domain.ErrInvalidFingerprint)
	}
	if len(fp) < MinLength || len(fp) > MaxLength {
		return fmt.Errorf("%w: length %d outside [%d, %d]", domain.ErrInvalidFingerprint, len(fp), MinLength, MaxLength)
	}
	for i := 0; i < len(fp); i++ {
		if c := fp[i]; c < 0x21 || c > 0x7e {
			return fmt.Errorf("%w: non-printable byte at %d", domain.ErrInvalidFingerprint, i)
		}
	}
	if p := period(fp); p <= maxTrivialPeriod {
		return fmt.Errorf("%w: repeating pattern of period %d", domain.ErrInvalidFingerprint, p)
	}
	return nil
}

// period returns the smallest p such that s is a prefix of s[:p] repeated.
// Uses the KMP failure function.
func period(s string) int {
	n := len(s)
	fail := make([]int, n)
	for i, k := 1, 0; i < n; i++ {
		for k > 0 && s[i] != s[k] {
			k = fail[k-1]
		}
		if s[i] == s[k] {
			k++
		}
		fail[i] = k
	}
	return n - fail[n-1]
}
