package store

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeAppName prepares an app filter for matching against stored names:
// NFKC, trimmed, lowercased, with a trailing ".exe" removed so "Chrome" and
// "chrome.exe" select the same records.
func NormalizeAppName(name string) string {
	s := strings.ToLower(strings.TrimSpace(norm.NFKC.String(name)))
	return strings.TrimSpace(strings.TrimSuffix(s, ".exe"))
}

// FoldText applies NFKC normalization and Unicode case folding.
func FoldText(s string) string {
	return cases.Fold().String(norm.NFKC.String(s))
}
