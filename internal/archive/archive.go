// Package archive names the object layout for raw provider payloads.
package archive

import (
	"fmt"
	"strings"
)

// ObjectPath builds the bucket-relative path for one unit's raw payload.
func ObjectPath(batchID, providerID, domain, promptID string) string {
	return fmt.Sprintf("batches/%s/%s/%s-%s.json",
		batchID, providerID, sanitize(domain), sanitize(promptID))
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
