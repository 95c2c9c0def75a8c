// Package shared holds the small value types several packages pass between each other.
package shared

import (
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
)

// Website is the page a request came from. Origin is always normalized.
type Website struct {
	Origin string `json:"websiteOrigin"`
	Title  string `json:"title,omitempty"`
	Icon   string `json:"icon,omitempty"`
}

// NormalizeOrigin reduces an Origin header or page URL to lowercase scheme://host[:port].
func NormalizeOrigin(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty origin")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Wrapf(err, "parse origin %q", raw)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errors.Newf("origin %q has no scheme or host", raw)
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), nil
}
