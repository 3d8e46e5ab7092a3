package catalog

import "strings"

const imageBasePath = "/files/product/"

// imageURL makes a bare server-issued image name absolute. Already-absolute
// URLs pass through unchanged, so the rewrite is idempotent.
func imageURL(base, img string) string {
	if strings.Contains(img, "http") {
		return img
	}
	return strings.TrimRight(base, "/") + imageBasePath + img
}

// imageName reduces an absolute image URL to its trailing path segment; bare
// names pass through. The server issues bare names and must never be sent
// back foreign-prefixed URLs.
func imageName(img string) string {
	if !strings.Contains(img, "http") {
		return img
	}
	parts := strings.Split(img, "/")
	return parts[len(parts)-1]
}
