package git

import (
	"strings"
)

const (
	// BranchPrefix starts every branch created for a chat user.
	BranchPrefix  = "user-"
	maxFeatureLen = 40
)

// BranchName builds a per-user branch name of the form
// user-<username>-<feature>-<token>. feature may be empty. token keeps
// names unique across sessions and should already be slug-safe.
func BranchName(username, feature, token string) string {
	user := Slugify(username)
	if user == "" {
		user = "anonymous"
	}
	parts := []string{user}
	if f := Slugify(feature); f != "" {
		if len(f) > maxFeatureLen {
			f = strings.TrimRight(f[:maxFeatureLen], "-")
		}
		parts = append(parts, f)
	}
	if t := Slugify(token); t != "" {
		parts = append(parts, t)
	}
	return BranchPrefix + strings.Join(parts, "-")
}

// Slugify lowercases s and collapses every run of characters outside
// [a-z0-9] into a single hyphen.
func Slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}
