package filter

import (
	"net/url"
	"strings"

	"github.com/abadojack/whatlanggo"
	"github.com/lukeed/quicklink/packages/domain"
)

// Extensions ignores links whose path ends with one of exts, compared
// case-insensitively. Query strings and fragments are not part of the path.
func Extensions(exts ...string) Predicate {
	lowered := make([]string, 0, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" {
			lowered = append(lowered, ext)
		}
	}
	return func(href string, _ domain.Candidate) bool {
		path := href
		if parsed, err := url.Parse(href); err == nil {
			path = parsed.Path
		}
		path = strings.ToLower(path)
		for _, ext := range lowered {
			if strings.HasSuffix(path, ext) {
				return true
			}
		}
		return false
	}
}

// Language ignores links whose anchor text is reliably detected as a
// language outside allowed (ISO 639-3 codes such as "eng"). Short or
// ambiguous texts are never ignored.
func Language(allowed ...string) Predicate {
	set := make(map[string]struct{}, len(allowed))
	for _, code := range allowed {
		set[strings.ToLower(strings.TrimSpace(code))] = struct{}{}
	}
	return func(_ string, c domain.Candidate) bool {
		text := strings.TrimSpace(c.Text)
		if text == "" || len(set) == 0 {
			return false
		}
		info := whatlanggo.Detect(text)
		if !info.IsReliable() {
			return false
		}
		_, ok := set[info.Lang.Iso6393()]
		return !ok
	}
}
