package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRewriter(t *testing.T) *Rewriter {
	t.Helper()
	pl, err := ParsePhishlet([]byte(testPhishletYaml))
	require.NoError(t, err)
	rw, err := NewRewriter(pl, "phish.io")
	require.NoError(t, err)
	return rw
}

func TestHostMapping(t *testing.T) {
	rw := testRewriter(t)

	h, ok := rw.PhishToOrig("login.phish.io")
	require.True(t, ok)
	assert.Equal(t, "login.example.com", h)

	h, ok = rw.OrigToPhish("api.example.com")
	require.True(t, ok)
	assert.Equal(t, "api.phish.io", h)

	h, ok = rw.OrigToPhish("static.examplecdn.com")
	require.True(t, ok)
	assert.Equal(t, "cdn.phish.io", h)

	_, ok = rw.PhishToOrig("unknown.phish.io")
	assert.False(t, ok)
}

func TestHostMappingPreservesLeadingDot(t *testing.T) {
	rw := testRewriter(t)

	h, ok := rw.OrigToPhish(".api.example.com")
	require.True(t, ok)
	assert.Equal(t, ".api.phish.io", h)
}

func TestSubFilterApplied(t *testing.T) {
	rw := testRewriter(t)

	body := []byte(`<script>fetch("https://api.example.com/v1/session")</script>`)
	out := rw.RewriteResponseBody("login.example.com", "text/html", body)
	assert.Contains(t, string(out), "https://api.phish.io/v1/session")
	assert.NotContains(t, string(out), "api.example.com")
}

func TestSubFilterSkipsOtherHosts(t *testing.T) {
	rw := testRewriter(t)

	// sub_filter triggers only on login.example.com; the auto host patch
	// still applies for html
	body := []byte(`https://api.example.com/v1`)
	out := rw.RewriteResponseBody("api.example.com", "text/html", body)
	assert.Equal(t, "https://api.phish.io/v1", string(out))
}

func TestUndeclaredContentTypeUntouched(t *testing.T) {
	rw := testRewriter(t)

	body := []byte("binary https://api.example.com/v1 payload")
	out := rw.RewriteResponseBody("login.example.com", "image/png", body)
	assert.Equal(t, body, out)
}

func TestAutoPatchForJson(t *testing.T) {
	rw := testRewriter(t)

	body := []byte(`{"endpoint":"https://static.examplecdn.com/app.js","host":"api.example.com"}`)
	out := rw.RewriteResponseBody("api.example.com", "application/json", body)
	assert.Contains(t, string(out), "cdn.phish.io/app.js")
	assert.Contains(t, string(out), `"host":"api.phish.io"`)
}

func TestPatchToOrig(t *testing.T) {
	rw := testRewriter(t)

	body := []byte(`{"return_to":"https://login.phish.io/done"}`)
	out := rw.PatchToOrig(body)
	assert.Contains(t, string(out), "https://login.example.com/done")
}

func TestBareDomainPatched(t *testing.T) {
	rw := testRewriter(t)

	body := []byte(`<a href="https://example.com/help">example.com</a> on login.example.com`)
	out := rw.PatchToPhish(body)
	assert.Contains(t, string(out), `https://phish.io/help`)
	assert.Contains(t, string(out), `>phish.io<`)
	assert.Contains(t, string(out), "on login.phish.io")
}

func TestRewriterBadSubFilterPattern(t *testing.T) {
	yaml := `name: badsf
proxy_hosts:
  - phish_sub: 'www'
    orig_sub: 'www'
    domain: 'example.com'
    is_landing: true
sub_filters:
  - triggers_on: 'www.example.com'
    orig_sub: 'www'
    domain: 'example.com'
    search: 'a(['
    replace: 'b'
    mimes: ['text/html']
`
	pl, err := ParsePhishlet([]byte(yaml))
	require.NoError(t, err)

	_, err = NewRewriter(pl, "phish.io")
	assert.Error(t, err)
}
