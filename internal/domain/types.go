// Package domain holds the small validated value types shared by the
// catalog, layout, and signing layers so that a malformed package name or
// a negative version code is rejected once, at construction, rather than
// re-validated at every call site.
package domain

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// packageNamePattern mirrors the Android package grammar: two or more
// dot-separated segments, each starting with a letter.
var packageNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*(\.[A-Za-z][A-Za-z0-9_]*)+$`)

// PackageName is a reverse-DNS package identifier that has already been
// checked against the Android package grammar and ext4 filename rules.
type PackageName struct {
	value string
}

// NewPackageName validates s and, on success, returns a PackageName safe to
// use as a single path segment.
func NewPackageName(s string) (PackageName, error) {
	if s == "" {
		return PackageName{}, fmt.Errorf("package name is empty")
	}
	if len(s) > 255 {
		return PackageName{}, fmt.Errorf("package name %q exceeds 255 bytes", s)
	}
	if s == "." || s == ".." {
		return PackageName{}, fmt.Errorf("package name %q is not a valid path segment", s)
	}
	if strings.ContainsAny(s, "/\x00") {
		return PackageName{}, fmt.Errorf("package name %q contains an illegal character", s)
	}
	if !packageNamePattern.MatchString(s) {
		return PackageName{}, fmt.Errorf("package name %q does not match the reverse-DNS grammar", s)
	}
	return PackageName{value: s}, nil
}

// String returns the canonical form, safe to embed as a path segment.
func (p PackageName) String() string { return p.value }

// IsZero reports whether p is the zero value (never validated).
func (p PackageName) IsZero() bool { return p.value == "" }

// VersionCode is a non-negative, package-scoped, monotonic release
// identifier.
type VersionCode int64

// NewVersionCode validates that n is non-negative.
func NewVersionCode(n int64) (VersionCode, error) {
	if n < 0 {
		return 0, fmt.Errorf("version code %d is negative", n)
	}
	return VersionCode(n), nil
}

// Int64 returns the underlying integer.
func (v VersionCode) Int64() int64 { return int64(v) }

// UnixTimestamp is seconds since the Unix epoch. The RepoIndex invariant
// (clocks never go backwards) is enforced by callers using Max or Next, not
// by the type itself.
type UnixTimestamp int64

// Max returns the larger of a and b.
func Max(a, b UnixTimestamp) UnixTimestamp {
	if a > b {
		return a
	}
	return b
}

// NextTimestamp returns wallClock if it strictly exceeds previous, otherwise
// previous+1. Use this wherever a timestamp must strictly increase rather
// than merely not decrease, so two operations landing in the same wall-clock
// second still produce distinct, ordered timestamps.
func NextTimestamp(previous, wallClock UnixTimestamp) UnixTimestamp {
	if wallClock > previous {
		return wallClock
	}
	return previous + 1
}

// Base64String is URL-safe base64 with padding, the on-disk form for
// digests and signatures in textual metadata.
type Base64String struct {
	value string
}

// NewBase64StringFromBytes encodes raw bytes into a Base64String.
func NewBase64StringFromBytes(b []byte) Base64String {
	return Base64String{value: base64.URLEncoding.EncodeToString(b)}
}

// ParseBase64String validates that s is well-formed URL-safe padded base64.
func ParseBase64String(s string) (Base64String, error) {
	if _, err := base64.URLEncoding.DecodeString(s); err != nil {
		return Base64String{}, fmt.Errorf("invalid base64: %w", err)
	}
	return Base64String{value: s}, nil
}

// String returns the canonical textual form.
func (b Base64String) String() string { return b.value }

// Bytes decodes the canonical textual form.
func (b Base64String) Bytes() ([]byte, error) {
	return base64.URLEncoding.DecodeString(b.value)
}

// IsZero reports whether b was never set.
func (b Base64String) IsZero() bool { return b.value == "" }

// HexString is lowercase hex, used for certificate fingerprints.
type HexString struct {
	value string
}

// NewHexStringFromBytes encodes raw bytes as lowercase hex.
func NewHexStringFromBytes(b []byte) HexString {
	return HexString{value: hex.EncodeToString(b)}
}

// ParseHexString validates s as lowercase or uppercase hex and normalizes it
// to lowercase.
func ParseHexString(s string) (HexString, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return HexString{}, fmt.Errorf("invalid hex: %w", err)
	}
	return HexString{value: hex.EncodeToString(b)}, nil
}

// String returns the canonical lowercase hex form.
func (h HexString) String() string { return h.value }

// IsZero reports whether h was never set.
func (h HexString) IsZero() bool { return h.value == "" }
