package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/buntdb"
)

func testRedisOptions() *RedisOptions {
	return &RedisOptions{
		Addr: "localhost:6379",
		TTL:  time.Hour,
	}
}

func testRedis(t *testing.T) *RedisStorage {
	t.Helper()
	rs, err := NewRedisStorage(testRedisOptions())
	if err != nil {
		t.Skipf("redis not reachable: %v", err)
	}
	t.Cleanup(func() { rs.Close() })
	return rs
}

func TestRedisSessionLifecycle(t *testing.T) {
	rs := testRedis(t)
	ctx := context.Background()

	sid := "redis-lifecycle-sid"
	require.NoError(t, rs.CreateSession(ctx, sid, "example", "https://login.phish.io/", "test-agent", "127.0.0.1"))
	t.Cleanup(func() { rs.DeleteSession(ctx, sid) })

	s, err := rs.GetSession(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, "example", s.Phishlet)
	assert.Equal(t, "active", s.Status)

	require.NoError(t, rs.UpdateCredentials(ctx, sid, map[string]string{"username": "alice"}))
	require.NoError(t, rs.UpdateTokens(ctx, sid, map[string]string{"session_token": "tok"}))
	require.NoError(t, rs.UpdateStatus(ctx, sid, "captured"))

	s, err = rs.GetSession(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, "alice", s.Credentials["username"])
	assert.Equal(t, "tok", s.Tokens["session_token"])
	assert.Equal(t, "captured", s.Status)

	require.NoError(t, rs.DeleteSession(ctx, sid))
	_, err = rs.GetSession(ctx, sid)
	assert.Error(t, err)
}

func TestMigrateToRedis(t *testing.T) {
	gate := testRedis(t)
	ctx := context.Background()
	t.Cleanup(func() { gate.DeleteSession(ctx, "migrate-sid") })

	path := filepath.Join(t.TempDir(), "data.db")
	db, err := buntdb.Open(path)
	require.NoError(t, err)

	s := &Session{
		Id:         1,
		SessionId:  "migrate-sid",
		Phishlet:   "example",
		LandingURL: "https://login.phish.io/",
		Status:     "active",
		CreateTime: time.Now().Unix(),
		UpdateTime: time.Now().Unix(),
	}
	data, err := json.Marshal(s)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set("sessions:1", string(data), nil)
		return err
	}))
	require.NoError(t, db.Close())

	require.NoError(t, MigrateToRedis(ctx, &MigrationOptions{
		BuntDBPath: path,
		Redis:      testRedisOptions(),
	}))

	rs, err := NewRedisStorage(testRedisOptions())
	require.NoError(t, err)
	defer rs.Close()

	got, err := rs.GetSession(ctx, "migrate-sid")
	require.NoError(t, err)
	assert.Equal(t, "example", got.Phishlet)
	assert.Equal(t, "https://login.phish.io/", got.LandingURL)
}
