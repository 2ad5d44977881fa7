package namegen

import (
	"regexp"
	"strings"

	vendor "github.com/anandvarma/namegen"
)

var gen = vendor.New()

// ID is a human friendly identifier (e.g. "brave-otter-42") used to name batches.
type ID string

func Get() ID {
	return ID(Sanitize(gen.Get()))
}

func (id ID) String() string {
	return string(id)
}

var invalidRunNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// MaxRunNameLength is the longest run name accepted by Tower.
const MaxRunNameLength = 80

// Sanitize turns an arbitrary string into something Tower accepts as a run name.
func Sanitize(s string) string {
	s = invalidRunNameChars.ReplaceAllString(strings.TrimSpace(s), "-")
	s = strings.Trim(s, "-")
	if len(s) > MaxRunNameLength {
		s = strings.TrimRight(s[:MaxRunNameLength], "-")
	}
	return s
}
