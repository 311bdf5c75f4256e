package guard

import (
	"path"
	"strings"
)

// Sensitive reports whether a forward-slash path must not be published.
// Rules are case-sensitive and conjunction-free: a single match marks the
// file sensitive. The predicate looks at names only, never at content, so
// a high-entropy secret in an innocuously named file passes.
func Sensitive(p string) bool {
	segments := strings.Split(p, "/")
	final := segments[len(segments)-1]

	if strings.HasPrefix(final, ".env") {
		return true
	}
	if ok, _ := path.Match("id_rsa*", final); ok {
		return true
	}
	if final == "credentials.json" || final == "serviceAccountKey.json" {
		return true
	}
	for _, seg := range segments {
		if seg == "secrets" {
			return true
		}
	}
	if strings.HasSuffix(final, ".key") || strings.HasSuffix(final, ".pem") {
		return true
	}
	return false
}
