package auth

import (
	"net/http"
	"net/url"
	"strings"
)

const (
	QueryParam        = "token"
	DefaultCookieName = "session-token"
)

// Source carries the parts of an inbound request a credential can come from.
type Source struct {
	Query   url.Values
	Header  http.Header
	Cookies []*http.Cookie
}

func SourceFromRequest(r *http.Request) Source {
	return Source{Query: r.URL.Query(), Header: r.Header, Cookies: r.Cookies()}
}

// Credential extracts a bearer token in precedence order: query parameter,
// Authorization header, cookie.
func (s Source) Credential(cookieName string) (string, bool) {
	if tok := strings.TrimSpace(s.Query.Get(QueryParam)); tok != "" {
		return tok, true
	}
	if h := s.Header.Get("Authorization"); h != "" {
		scheme, tok, found := strings.Cut(h, " ")
		if found && strings.EqualFold(scheme, "Bearer") {
			if tok = strings.TrimSpace(tok); tok != "" {
				return tok, true
			}
		}
	}
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	for _, c := range s.Cookies {
		if c.Name == cookieName && c.Value != "" {
			return c.Value, true
		}
	}
	return "", false
}
