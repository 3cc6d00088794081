package common

import (
	"html"
	"regexp"
	"strconv"
	"strings"
)

var (
	tagPattern       = regexp.MustCompile(`<[^>]+>`)
	bbcodePattern    = regexp.MustCompile(`\[/?[a-z_]+(?:=[^\]]*)?\]`)
	yearPattern      = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	separatorPattern = regexp.MustCompile(`\s*[,;/]\s*`)
)

func CleanHTMLText(raw string) string {
	value := strings.TrimSpace(raw)
	value = html.UnescapeString(value)
	value = tagPattern.ReplaceAllString(value, " ")
	value = strings.Join(strings.Fields(value), " ")
	return value
}

// CleanDescription strips HTML and bracket markup such as [character=1]Name[/character],
// keeping the inner text.
func CleanDescription(raw string) string {
	value := CleanHTMLText(raw)
	value = bbcodePattern.ReplaceAllString(value, "")
	return strings.Join(strings.Fields(value), " ")
}

// ParseYear extracts the first plausible four-digit year from a date or free text.
func ParseYear(raw string) int {
	match := yearPattern.FindString(raw)
	if match == "" {
		return 0
	}
	year, err := strconv.Atoi(match)
	if err != nil {
		return 0
	}
	return year
}

// SplitNames splits comma/semicolon/slash separated labels, dropping blanks and
// case-insensitive duplicates.
func SplitNames(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return UniqueNames(separatorPattern.Split(strings.TrimSpace(raw), -1))
}

func UniqueNames(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		name := strings.Join(strings.Fields(value), " ")
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, name)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// AbsoluteURL resolves site-relative paths against base and upgrades
// protocol-relative links to https.
func AbsoluteURL(base, raw string) string {
	value := strings.TrimSpace(raw)
	switch {
	case value == "":
		return ""
	case strings.HasPrefix(value, "//"):
		return "https:" + value
	case strings.HasPrefix(value, "http://"), strings.HasPrefix(value, "https://"):
		return value
	case strings.HasPrefix(value, "/"):
		return strings.TrimRight(base, "/") + value
	default:
		return value
	}
}
