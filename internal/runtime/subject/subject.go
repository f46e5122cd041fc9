// Package subject derives bus subjects from HTTP routes.
package subject

import (
	"fmt"
	"strings"
	"unicode"

	perrors "github.com/CodingFlow/http-to-nats-proxy/internal/runtime/errors"
)

// Map returns the subject for an HTTP method and URL path: the lowercased method
// followed by the non-empty path segments, all joined with ".". Leading, trailing
// and repeated slashes are ignored, so "/a/b", "a/b/" and "//a//b" all map to the
// same subject. The root path maps to the method alone.
func Map(method, path string) string {
	segments := strings.FieldsFunc(path, func(r rune) bool { return r == '/' })

	var b strings.Builder
	b.Grow(len(method) + len(path) + 1)
	b.WriteString(strings.ToLower(method))
	for _, segment := range segments {
		b.WriteByte('.')
		b.WriteString(segment)
	}
	return b.String()
}

// Validate rejects subjects a publisher must not use: tokens that are empty,
// contain whitespace or control characters, or are the wildcards "*" and ">".
func Validate(subject string) error {
	if subject == "" {
		return fmt.Errorf("%w: empty subject", perrors.ErrInvalidSubject)
	}
	for _, token := range strings.Split(subject, ".") {
		switch token {
		case "":
			return fmt.Errorf("%w: empty token", perrors.ErrInvalidSubject)
		case "*", ">":
			return fmt.Errorf("%w: wildcard token", perrors.ErrInvalidSubject)
		}
		if strings.IndexFunc(token, func(r rune) bool {
			return unicode.IsSpace(r) || unicode.IsControl(r)
		}) >= 0 {
			return fmt.Errorf("%w: whitespace in token", perrors.ErrInvalidSubject)
		}
	}
	return nil
}
