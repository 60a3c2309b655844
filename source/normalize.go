package source

import (
	"net/url"
	"strings"
)

// NormalizeImageURL turns a scraped image src into an absolute https-or-http URL.
// Protocol-relative links get https, site-relative links are resolved against base,
// inline data: URIs and unparseable values are dropped.
func NormalizeImageURL(raw string, base *url.URL) *string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	lower := strings.ToLower(raw)
	if strings.HasPrefix(lower, "data:") || strings.HasPrefix(lower, "javascript:") {
		return nil
	}
	raw = strings.ReplaceAll(raw, " ", "%20")
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	if !u.IsAbs() {
		if base == nil {
			return nil
		}
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil
	}
	out := u.String()
	return &out
}
