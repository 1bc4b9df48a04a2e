package session

import (
	cryptorand "crypto/rand"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

var idSanitizer = regexp.MustCompile(`[^a-zA-Z0-9\-]`)
var entropy = ulid.Monotonic(cryptorand.Reader, 0)

// GenerateID returns a unique, lexically sortable session id prefixed by
// a sanitised form of base.
func GenerateID(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		base = "session"
	}
	base = strings.ToLower(strings.ReplaceAll(base, " ", "-"))
	base = idSanitizer.ReplaceAllString(base, "-")
	base = strings.Trim(base, "-")
	if base == "" {
		base = "session"
	}

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
	return fmt.Sprintf("%s-%s", base, strings.ToLower(id))
}
