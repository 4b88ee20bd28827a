// Package endpoint derives the identity of a connection from its URL and
// auth settings.
package endpoint

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/electronicpartnerio/realtime-communication/pkg/types"
)

// TokenParam is the query parameter that carries the auth token.
const TokenParam = "token"

// Normalize returns the canonical form of rawURL:
//   - runs of "/" in the path collapse to one
//   - query parameters are re-encoded in sorted key order
//   - the token is added as ?token=... when appendAuth is set, token is
//     non-empty and the URL has no token yet
//
// Normalize is idempotent.
func Normalize(rawURL, token string, appendAuth bool) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("invalid endpoint url %q: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid endpoint url %q: missing scheme or host", rawURL)
	}

	u.Path = collapseSlashes(u.Path)
	if u.RawPath != "" {
		u.RawPath = collapseSlashes(u.RawPath)
	}

	q := u.Query()
	if appendAuth && token != "" && !q.Has(TokenParam) {
		q.Set(TokenParam, token)
	}
	// url.Values.Encode sorts by key.
	u.RawQuery = q.Encode()
	u.ForceQuery = false

	return u.String(), nil
}

// Redact masks the token parameter of raw so it can be logged.
func Redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if !q.Has(TokenParam) {
		return raw
	}
	q.Set(TokenParam, "xxx")
	u.RawQuery = q.Encode()
	return u.String()
}

// Key is Normalize for a stored endpoint.
func Key(ep types.Endpoint) (string, error) {
	return Normalize(ep.URL, ep.AuthToken, ep.AppendAuth())
}

func collapseSlashes(p string) string {
	if !strings.Contains(p, "//") {
		return p
	}
	var b strings.Builder
	b.Grow(len(p))
	prev := byte(0)
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c == '/' && prev == '/' {
			continue
		}
		b.WriteByte(c)
		prev = c
	}
	return b.String()
}
