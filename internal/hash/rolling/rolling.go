// Package rolling provides the non-cryptographic identity hash used for feed items
// that carry no guid or id of their own.
package rolling

import (
	"strconv"
	"unicode/utf16"
)

// Sum32 returns the 32-bit signed multiply-add hash (h = h*31 + c) over the UTF-16
// code units of s.
func Sum32(s string) int32 {
	var h int32
	for _, c := range utf16.Encode([]rune(s)) {
		h = h*31 + int32(c)
	}
	return h
}

// Hex returns |Sum32(s)| in lowercase hex. The absolute value is taken in 64 bits so
// math.MinInt32 maps to "80000000".
func Hex(s string) string {
	h := int64(Sum32(s))
	if h < 0 {
		h = -h
	}
	return strconv.FormatInt(h, 16)
}

// Identity derives an item identity from its title and resolved link.
func Identity(title, link string) string {
	return Hex(title + ":" + link)
}
