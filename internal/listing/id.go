// Package listing canonicalises listing identifiers.
package listing

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// ItemID is the canonical decimal form of a listing identifier.
type ItemID string

// String returns the identifier as a plain string.
func (id ItemID) String() string { return string(id) }

// Normalize converts a raw identifier into its canonical form. It reports false for
// empty or zero values and for anything that does not parse back to the same number.
func Normalize(raw any) (ItemID, bool) {
	switch v := raw.(type) {
	case nil:
		return "", false
	case ItemID:
		return normalizeString(string(v))
	case string:
		return normalizeString(v)
	case json.Number:
		return normalizeString(v.String())
	case int:
		return fromInt(int64(v))
	case int32:
		return fromInt(int64(v))
	case int64:
		return fromInt(v)
	case uint:
		return fromUint(uint64(v))
	case uint32:
		return fromUint(uint64(v))
	case uint64:
		return fromUint(v)
	case float64:
		return fromFloat(v)
	case float32:
		return fromFloat(float64(v))
	default:
		return "", false
	}
}

// MustNormalize is Normalize for inputs known to be valid; it returns "" otherwise.
func MustNormalize(raw any) ItemID {
	id, _ := Normalize(raw)
	return id
}

func normalizeString(s string) (ItemID, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return fromUint(n)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", false
	}
	return fromFloat(f)
}

func fromInt(n int64) (ItemID, bool) {
	if n <= 0 {
		return "", false
	}
	return ItemID(strconv.FormatInt(n, 10)), true
}

func fromUint(n uint64) (ItemID, bool) {
	if n == 0 {
		return "", false
	}
	return ItemID(strconv.FormatUint(n, 10)), true
}

// fromFloat accepts only whole, positive values that fit exactly in an integer.
func fromFloat(f float64) (ItemID, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 || f != math.Trunc(f) || f > 1<<53 {
		return "", false
	}
	return ItemID(strconv.FormatInt(int64(f), 10)), true
}
