package calculator

import (
	"strings"
	"unicode"
)

// Normalize turns a free-text category or destination into its matching key:
// lower-cased, whitespace and hyphens removed, the known "portbable" typo
// corrected, and é/è/ê folded to e. Other diacritics are left alone.
// The result is never shown to users.
func Normalize(raw string) string {
	if raw == "" {
		return ""
	}

	s := strings.ToLower(raw)

	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '-' {
			return -1
		}
		return r
	}, s)

	s = fixPortableTypo(s)

	return accentFolder.Replace(s)
}

var accentFolder = strings.NewReplacer("é", "e", "è", "e", "ê", "e")

// fixPortableTypo rewrites "portbable" to "portables". The final letter may
// still carry an accent at this point, so é/è/ê are accepted there too;
// otherwise folding would produce a fresh "portbable" and Normalize would not
// be idempotent.
func fixPortableTypo(s string) string {
	const stem = "portbabl"
	var b strings.Builder
	for {
		i := strings.Index(s, stem)
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		rest := s[i+len(stem):]
		if n := typoTailLen(rest); n > 0 {
			b.WriteString(s[:i])
			b.WriteString("portables")
			s = rest[n:]
			continue
		}
		b.WriteString(s[:i+len(stem)])
		s = rest
	}
}

func typoTailLen(rest string) int {
	for _, tail := range []string{"e", "é", "è", "ê"} {
		if strings.HasPrefix(rest, tail) {
			return len(tail)
		}
	}
	return 0
}
