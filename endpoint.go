package pagegen

import "strings"

// APIBaseURL returns base with exactly one trailing "/v1" and no trailing
// slash, so "https://host", "https://host/" and "https://host/v1/" all
// become "https://host/v1".
func APIBaseURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if strings.HasSuffix(base, "/v1") {
		return base
	}
	return base + "/v1"
}

// APIEndpoint joins path onto APIBaseURL(base).
func APIEndpoint(base, path string) string {
	return APIBaseURL(base) + "/" + strings.TrimLeft(path, "/")
}
