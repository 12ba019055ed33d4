package research

import (
	"net/url"
	"regexp"
	"strings"
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"'\x60]+`)

// ExtractURLs returns the distinct http(s) URLs in text, in order of first
// appearance. Trailing punctuation and unbalanced closing parentheses are
// stripped.
func ExtractURLs(text string) []string {
	var urls []string
	seen := make(map[string]bool)
	for _, m := range urlPattern.FindAllString(text, -1) {
		m = trimURL(m)
		u, err := url.Parse(m)
		if err != nil || u.Host == "" {
			continue
		}
		if !seen[m] {
			seen[m] = true
			urls = append(urls, m)
		}
	}
	return urls
}

func trimURL(s string) string {
	for {
		trimmed := strings.TrimRight(s, ".,;:!?")
		if strings.HasSuffix(trimmed, ")") && strings.Count(trimmed, "(") < strings.Count(trimmed, ")") {
			trimmed = trimmed[:len(trimmed)-1]
		}
		if strings.HasSuffix(trimmed, "]") && strings.Count(trimmed, "[") < strings.Count(trimmed, "]") {
			trimmed = trimmed[:len(trimmed)-1]
		}
		if trimmed == s {
			return s
		}
		s = trimmed
	}
}
