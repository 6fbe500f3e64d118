package auth

import "strings"

var publicExact = map[string]struct{}{
	"/":                      {},
	"/about":                 {},
	"/docs":                  {},
	"/login":                 {},
	"/register":              {},
	"/api/health":            {},
	"/api/readiness":         {},
	"/api/liveness":          {},
	"/api/auth/login":        {},
	"/api/auth/register":     {},
	"/api/webhook/github":    {},
	"/api/smart-tree/latest": {},
}

var publicPrefixes = []string{
	"/static/",
	"/assets/",
	"/favicon",
}

// IsPublicPath reports whether the path bypasses credential validation.
// The GitHub webhook is public here because it carries its own HMAC
// signature scheme.
func IsPublicPath(path string) bool {
	if _, ok := publicExact[path]; ok {
		return true
	}
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// RequiredCapability maps a path to the capability it demands beyond
// authentication. Rules are evaluated in order and the first match
// wins; the /api/users/me carve-out must stay ahead of the general
// user-management rule.
func RequiredCapability(path string) (Capability, bool) {
	if strings.HasPrefix(path, "/api/admin/") || strings.HasPrefix(path, "/metrics") {
		return CapAdministerSystem, true
	}
	if strings.HasPrefix(path, "/api/users/") && path != "/api/users/me" {
		return CapManageUsers, true
	}
	if strings.HasPrefix(path, "/api/projects/") && !strings.Contains(path, "/feedback") {
		return CapManageProjects, true
	}
	if path == "/api/feedback/all" {
		return CapReadAllFeedback, true
	}
	if strings.HasPrefix(path, "/api/feedback/") {
		return CapReadOwnFeedback, true
	}
	return 0, false
}
