// Package patharea computes the target-area partitioning key and glob-aware
// path overlap used to keep concurrent feature tasks off the same region of
// the repository.
package patharea

import "strings"

// scopeRoots are directory roots under which the second path segment still
// carries meaning for partitioning: apps/api and apps/judge are different
// areas, while src/util and src/core are not.
var scopeRoots = map[string]bool{
	"apps":      true,
	"packages":  true,
	"docs":      true,
	"ops":       true,
	"scripts":   true,
	"templates": true,
	"assets":    true,
}

// Normalize canonicalizes a path pattern: backslashes become slashes, leading
// "./" and "**" segments and trailing slashes are stripped, and repeated
// slashes collapse.
func Normalize(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	p = strings.TrimPrefix(p, "./")
	for {
		switch {
		case p == "**" || p == "**/":
			return ""
		case strings.HasPrefix(p, "**/"):
			p = strings.TrimPrefix(p, "**/")
		default:
			return strings.TrimSuffix(strings.TrimSuffix(p, "/**"), "/")
		}
	}
}

// Overlap reports whether two path patterns can touch the same files: after
// normalization one equals the other or is a strict prefix of it at a "/"
// boundary. A bare "**" overlaps everything. Overlap is symmetric and
// reflexive.
func Overlap(a, b string) bool {
	if a == "**" || b == "**" {
		return true
	}
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		// A pattern that normalizes away matched everything.
		return true
	}
	if na == nb {
		return true
	}
	return strings.HasPrefix(nb, na+"/") || strings.HasPrefix(na, nb+"/")
}

// AnyOverlap reports whether any pattern in as overlaps any pattern in bs.
func AnyOverlap(as, bs []string) bool {
	for _, a := range as {
		for _, b := range bs {
			if Overlap(a, b) {
				return true
			}
		}
	}
	return false
}

// hasGlobMeta reports whether a path segment contains glob metacharacters.
func hasGlobMeta(seg string) bool {
	return strings.ContainsAny(seg, "*?[]{}")
}

// stableSegments returns the area key derived from a single path: the first
// glob-free segment, extended by the second segment when the first is a
// recognized scope root and the second is also glob-free.
func stableSegments(p string) string {
	p = Normalize(p)
	if p == "" {
		return ""
	}
	parts := strings.Split(p, "/")
	if len(parts) == 0 || parts[0] == "" || hasGlobMeta(parts[0]) {
		return ""
	}
	if scopeRoots[parts[0]] && len(parts) > 1 && parts[1] != "" && !hasGlobMeta(parts[1]) {
		return parts[0] + "/" + parts[1]
	}
	return parts[0]
}

// Derive computes the deterministic target area for a task. Precedence:
// explicit value, first stable segment from touches, first stable segment
// from allowedPaths, research fallback keyed by job then task id, empty.
func Derive(explicit string, touches, allowedPaths []string, isResearch bool, jobID, taskID string) string {
	if explicit != "" {
		return explicit
	}
	for _, p := range touches {
		if area := stableSegments(p); area != "" {
			return area
		}
	}
	for _, p := range allowedPaths {
		if area := stableSegments(p); area != "" {
			return area
		}
	}
	if isResearch {
		if jobID != "" {
			return "research:" + jobID
		}
		if taskID != "" {
			return "research:task:" + taskID
		}
	}
	return ""
}
