// Package nxversion implements the NX protocol's bespoke version codec:
// a version string is split on a set of separator characters into parts,
// then packed into a single integer using a fixed per-part digit width.
// This is not semver — "3.3.0" with digits [2,2,4] packs as 3030000.
package nxversion

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DefaultDigits is the digit-width table used for the protocol version
// exchanged during the hello handshake (major, minor, revision).
var DefaultDigits = []int{2, 2, 4}

func splitter(sep string, count int) func(string) []string {
	re := regexp.MustCompile("[" + regexp.QuoteMeta(sep) + "]")
	return func(s string) []string {
		parts := re.Split(s, count+1)
		if len(parts) > count {
			parts = parts[:count]
		}
		return parts
	}
}

// Parse converts a version string into a packed integer using the given
// separator character set and per-part digit widths.
func Parse(version, sep string, digits []int) (int64, error) {
	split := splitter(sep, len(digits))
	parts := split(version)

	var result int64
	var totalExp int

	for idx := len(digits) - 1; idx >= 0; idx-- {
		exp := digits[idx]

		var value int64
		if idx < len(parts) {
			v, err := strconv.ParseInt(strings.TrimSpace(parts[idx]), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("nxversion: invalid part %d (%q) in %q: %w", idx, parts[idx], version, err)
			}
			value = v
		}

		limit := pow10(exp)
		if value >= limit {
			return 0, fmt.Errorf("nxversion: part %d (%d) too long for %d digits", idx, value, exp)
		}

		result += pow10(totalExp) * value
		totalExp += exp
	}

	return result, nil
}

// Format converts a packed integer back into a version string, the
// inverse of Parse for the same sep/digits pair. Only the first rune of
// sep is used as the join separator, matching the single-separator
// formatting behavior this is grounded on.
func Format(version int64, sep string, digits []int) (string, error) {
	parts := make([]string, len(digits))
	next := version

	for i := len(digits) - 1; i >= 0; i-- {
		exp := digits[i]
		base := pow10(exp)
		value := next % base
		next = next / base
		parts[i] = strconv.FormatInt(value, 10)
	}

	if next > 0 {
		return "", fmt.Errorf("nxversion: value %d too large for digits %v", version, digits)
	}

	joiner := sep
	if len(joiner) > 1 {
		joiner = string(joiner[0])
	}

	return strings.Join(parts, joiner), nil
}

func pow10(n int) int64 {
	r := int64(1)
	for i := 0; i < n; i++ {
		r *= 10
	}
	return r
}
