package crawler

import (
	"fmt"
	"strings"
)

// NormalizeLogin returns the canonical lowercase form of a login.
func NormalizeLogin(login string) string {
	return strings.ToLower(strings.TrimSpace(login))
}

// SplitFullName splits "owner/repo" into its parts.
func SplitFullName(fullName string) (owner string, repo string, err error) {
	owner, repo, ok := strings.Cut(strings.TrimSpace(fullName), "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", fmt.Errorf("malformed repository name %q", fullName)
	}
	return owner, repo, nil
}
