package clipboard

import (
	"net/url"
	"strings"

	"github.com/atotto/clipboard"
)

const maxURLLength = 2048

// Validator picks downloadable URLs out of free text.
type Validator struct {
	allowedSchemes map[string]bool
}

func NewValidator() *Validator {
	return &Validator{
		allowedSchemes: map[string]bool{"http": true, "https": true},
	}
}

// ExtractURL returns text as a clean URL, or "" when it is not one.
func (v *Validator) ExtractURL(text string) string {
	text = strings.TrimSpace(text)
	if text == "" || len(text) > maxURLLength || strings.ContainsAny(text, " \t\n\r") {
		return ""
	}
	parsed, err := url.Parse(text)
	if err != nil || parsed.Host == "" || !v.allowedSchemes[strings.ToLower(parsed.Scheme)] {
		return ""
	}
	return parsed.String()
}

// ExtractURLs returns every URL found on its own line or whitespace
// separated field of text, without duplicates and in order.
func (v *Validator) ExtractURLs(text string) []string {
	var urls []string
	seen := make(map[string]bool)
	for _, field := range strings.Fields(text) {
		u := v.ExtractURL(field)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		urls = append(urls, u)
	}
	return urls
}

// ReadURLs returns the URLs currently on the system clipboard.
func ReadURLs() ([]string, error) {
	text, err := clipboard.ReadAll()
	if err != nil {
		return nil, err
	}
	return NewValidator().ExtractURLs(text), nil
}
