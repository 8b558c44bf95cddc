// Package diff reads the file headers of unified diffs.
package diff

import (
	"regexp"
	"strconv"
	"strings"
)

const devNull = "/dev/null"

var (
	headerRE = regexp.MustCompile(`^(---|\+\+\+) (.+)$`)
	// A space-separated tail is only dropped when it is a diff(1) timestamp;
	// anything else is part of the file name.
	timestampRE = regexp.MustCompile(` +(\d{4}-\d{2}-\d{2}|(Mon|Tue|Wed|Thu|Fri|Sat|Sun) [A-Z][a-z]{2} +\d{1,2} )[^/]*$`)
)

// TouchedPaths returns the relative paths named by "---" and "+++" headers,
// deduplicated in first-seen order. /dev/null contributes nothing.
func TouchedPaths(text string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, line := range strings.Split(text, "\n") {
		m := headerRE.FindStringSubmatch(strings.TrimSuffix(line, "\r"))
		if m == nil {
			continue
		}
		p, ok := normalizeHeaderPath(m[2])
		if !ok {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func normalizeHeaderPath(raw string) (string, bool) {
	s := raw
	if strings.HasPrefix(s, `"`) {
		// git C-quotes names holding tabs, quotes or non-ASCII bytes.
		end := closingQuote(s)
		if end < 0 {
			return "", false
		}
		unquoted, err := strconv.Unquote(s[:end+1])
		if err != nil {
			return "", false
		}
		s = unquoted
	} else {
		// "a/file\t2026-01-01 10:00:00"; git also ends names holding spaces
		// with a bare tab.
		if i := strings.IndexByte(s, '\t'); i >= 0 {
			s = s[:i]
		}
		s = timestampRE.ReplaceAllString(s, "")
		s = strings.TrimRight(s, " ")
	}
	if s == devNull || s == "" {
		return "", false
	}
	s = strings.ReplaceAll(s, "\\", "/")
	if strings.HasPrefix(s, "a/") || strings.HasPrefix(s, "b/") {
		s = s[2:]
	}
	s = strings.TrimLeft(s, "/")
	if s == "" {
		return "", false
	}
	return s, true
}

func closingQuote(s string) int {
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			return i
		}
	}
	return -1
}
