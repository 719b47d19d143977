// Package stringutil provides small string helpers shared across packages.
package stringutil

// Truncate caps s at max bytes.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// TruncateWithEllipsis caps s at max bytes, ending in "..." when anything was
// cut. Below max 4 there is no room for the suffix and it falls back to a
// plain cut.
func TruncateWithEllipsis(s string, max int) string {
	if max < 4 {
		return Truncate(s, max)
	}
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
