// Package provider maps roster feed URLs to the platform that published them.
package provider

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"rostersync/internal/model"
)

// ErrInvalidURL is returned when a feed URL is not an absolute http(s) URL.
var ErrInvalidURL = errors.New("feed url must be an http or https link")

// UnsupportedMessage is shown to users who paste a link from an unknown platform.
const UnsupportedMessage = "unsupported roster link: please paste a calendar link from Deputy, Humanforce or FoundU"

// UnsupportedError reports a feed URL that matches no known provider.
type UnsupportedError struct {
	URL string
}

func (e *UnsupportedError) Error() string {
	return UnsupportedMessage
}

// rule order matters: the first match wins.
var rules = []struct {
	needles  []string
	provider model.Provider
}{
	{needles: []string{"deputy.com"}, provider: model.ProviderDeputy},
	{needles: []string{"humanforce", "keypay"}, provider: model.ProviderHumanforce},
	{needles: []string{"foundu"}, provider: model.ProviderFoundU},
}

// Classify returns the provider for a feed URL using a case-insensitive
// substring match. Any other input yields *UnsupportedError.
func Classify(rawURL string) (model.Provider, error) {
	u := strings.ToLower(strings.TrimSpace(rawURL))
	for _, r := range rules {
		for _, n := range r.needles {
			if strings.Contains(u, n) {
				return r.provider, nil
			}
		}
	}
	return "", &UnsupportedError{URL: rawURL}
}

// ValidateURL checks that rawURL is an absolute http or https URL with a host.
// webcal:// links are not accepted; callers should rewrite them first.
func ValidateURL(rawURL string) error {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return fmt.Errorf("%w: empty url", ErrInvalidURL)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("%w: scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return nil
}

// Valid reports whether p is one of the supported providers.
func Valid(p model.Provider) bool {
	switch p {
	case model.ProviderDeputy, model.ProviderHumanforce, model.ProviderFoundU:
		return true
	}
	return false
}
