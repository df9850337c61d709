package listing

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		name string
		raw  any
		want ItemID
		ok   bool
	}{
		{name: "digits", raw: "123", want: "123", ok: true},
		{name: "zero is falsy", raw: "0", ok: false},
		{name: "nil", raw: nil, ok: false},
		{name: "empty", raw: "", ok: false},
		{name: "malformed range", raw: "30.2--1", ok: false},
		{name: "malformed coordinates", raw: "30.21--51.2", ok: false},
		{name: "padded", raw: " 45 ", want: "45", ok: true},
		{name: "leading zeros", raw: "007", want: "7", ok: true},
		{name: "json float", raw: float64(2077421321), want: "2077421321", ok: true},
		{name: "fractional float", raw: 12.5, ok: false},
		{name: "int", raw: 99, want: "99", ok: true},
		{name: "negative", raw: -4, ok: false},
		{name: "json number", raw: json.Number("31"), want: "31", ok: true},
		{name: "letters", raw: "abc", ok: false},
		{name: "unsupported type", raw: []string{"1"}, ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Normalize(tc.raw)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	first, ok := Normalize("0012")
	assert.True(t, ok)
	second, ok := Normalize(first)
	assert.True(t, ok)
	assert.Equal(t, first, second)
}
