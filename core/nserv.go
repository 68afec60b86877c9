package core

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/snarelabs/snare/log"
)

type TxtRecord struct {
	fqdn string
	txt  string
	ttl  time.Duration
}

// Nameserver answers authoritative queries for the phishing base domain,
// pointing every subdomain at the server's external address.
type Nameserver struct {
	srv    *dns.Server
	cfg    *Config
	bind   string
	serial uint32
	txt    map[string]TxtRecord
	mtx    sync.Mutex
}

func NewNameserver(cfg *Config) (*Nameserver, error) {
	n := &Nameserver{
		serial: uint32(time.Now().Unix()),
		cfg:    cfg,
		bind:   fmt.Sprintf("%s:%d", cfg.GetServerBindIP(), cfg.GetDnsPort()),
		txt:    make(map[string]TxtRecord),
	}
	n.Reset()
	return n, nil
}

func (n *Nameserver) Reset() {
	dns.HandleFunc(pdom(n.cfg.GetBaseDomain()), n.handleRequest)
}

func (n *Nameserver) Start() {
	go func() {
		n.srv = &dns.Server{Addr: n.bind, Net: "udp"}
		if err := n.srv.ListenAndServe(); err != nil {
			log.Fatal("failed to start nameserver on: %s", n.bind)
		}
	}()
}

func (n *Nameserver) AddTXT(fqdn string, value string, ttl time.Duration) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.txt[strings.ToLower(fqdn)] = TxtRecord{fqdn: fqdn, txt: value, ttl: ttl}
}

func (n *Nameserver) ClearTXT(fqdn string) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	delete(n.txt, strings.ToLower(fqdn))
}

func (n *Nameserver) handleRequest(w dns.ResponseWriter, r *dns.Msg) {
	domain := n.cfg.GetBaseDomain()
	if domain == "" || len(r.Question) == 0 {
		return
	}

	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true

	soa := &dns.SOA{
		Hdr:     dns.RR_Header{Name: pdom(domain), Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: 300},
		Ns:      "ns1." + pdom(domain),
		Mbox:    "hostmaster." + pdom(domain),
		Serial:  n.serial,
		Refresh: 900,
		Retry:   900,
		Expire:  1800,
		Minttl:  60,
	}
	m.Ns = []dns.RR{soa}

	fqdn := strings.ToLower(r.Question[0].Name)
	switch r.Question[0].Qtype {
	case dns.TypeA:
		log.Debug("dns: a '%s'", fqdn)
		rr := &dns.A{
			Hdr: dns.RR_Header{Name: fqdn, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
			A:   net.ParseIP(n.cfg.GetExternalIpv4()),
		}
		m.Answer = append(m.Answer, rr)
	case dns.TypeNS:
		log.Debug("dns: ns '%s'", fqdn)
		for _, i := range []int{1, 2} {
			rr := &dns.NS{
				Hdr: dns.RR_Header{Name: pdom(domain), Rrtype: dns.TypeNS, Class: dns.ClassINET, Ttl: 300},
				Ns:  fmt.Sprintf("ns%d.%s", i, pdom(domain)),
			}
			m.Answer = append(m.Answer, rr)
		}
	case dns.TypeTXT:
		log.Debug("dns: txt '%s'", fqdn)
		n.mtx.Lock()
		if rec, ok := n.txt[strings.TrimSuffix(fqdn, ".")]; ok {
			rr := &dns.TXT{
				Hdr: dns.RR_Header{Name: fqdn, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 60},
				Txt: []string{rec.txt},
			}
			m.Answer = append(m.Answer, rr)
		}
		n.mtx.Unlock()
	}
	w.WriteMsg(m)
}

func pdom(domain string) string {
	return domain + "."
}
