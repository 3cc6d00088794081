package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var ErrNotFound = errors.New("not found")

const externalIDSeparator = "|"

var folder = cases.Fold()

// CanonicalTitle is the stored form of title and title_original: NFC with
// collapsed whitespace, so that visually identical names share one key.
func CanonicalTitle(raw string) string {
	return strings.Join(strings.Fields(norm.NFC.String(raw)), " ")
}

// SearchKey folds case and compatibility forms for substring lookups.
func SearchKey(parts ...string) string {
	joined := strings.Join(parts, " ")
	return strings.Join(strings.Fields(folder.String(norm.NFKC.String(joined))), " ")
}

// ComposeExternalID builds the link dedup key. The upstream identifier is the
// prefix so that a refresh can recover it from any stored link.
func ComposeExternalID(upstreamID, embedURL string) string {
	return strings.TrimSpace(upstreamID) + externalIDSeparator + strings.TrimSpace(embedURL)
}

func UpstreamIDFromExternalID(externalID string) (string, bool) {
	prefix, _, found := strings.Cut(externalID, externalIDSeparator)
	prefix = strings.TrimSpace(prefix)
	if !found || prefix == "" {
		return "", false
	}
	return prefix, true
}

// NormalizeEmbedURL turns protocol-relative player links into https URLs.
func NormalizeEmbedURL(raw string) string {
	value := strings.TrimSpace(raw)
	if strings.HasPrefix(value, "//") {
		return "https:" + value
	}
	return value
}

// PlayerBaseURL identifies the hosting backend of an embed URL.
func PlayerBaseURL(embedURL string) (string, error) {
	parsed, err := url.Parse(NormalizeEmbedURL(embedURL))
	if err != nil {
		return "", fmt.Errorf("parse embed url: %w", err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("embed url %q has no host", embedURL)
	}
	scheme := parsed.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return strings.ToLower(scheme + "://" + parsed.Host), nil
}
