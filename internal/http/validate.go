package http

import (
	"regexp"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/memlens/internal/store"
)

var fingerprintRe = regexp.MustCompile(`^[A-Za-z0-9:_+/=.-]{1,128}$`)

// isValidFingerprint checks the characters a capture fingerprint may use:
// hex, base64 and "algo:" prefixes.
func isValidFingerprint(s string) bool {
	return fingerprintRe.MatchString(s)
}

// parseID parses a positive record id path segment.
func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, store.Invalid("id", "must be a positive integer, got %q", s)
	}
	return id, nil
}

// parseLimit reads an optional ?limit= query value.
func parseLimit(s string, def, max int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > max {
		return 0, store.Invalid("limit", "must be between 0 and %d", max)
	}
	if n == 0 {
		return def, nil
	}
	return n, nil
}

// parseLocation resolves an IANA zone name; empty means the server zone.
func parseLocation(name string) (*time.Location, error) {
	if name == "" {
		return nil, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, store.Invalid("tz", "unknown time zone %q", name)
	}
	return loc, nil
}
