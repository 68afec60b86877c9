package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/buntdb"
)

// MigrationOptions configures a one-shot copy of the embedded BuntDB session
// store into Redis.
type MigrationOptions struct {
	BuntDBPath string
	Redis      *RedisOptions
}

// MigrateToRedis copies every session record from the BuntDB file into the
// Redis backend. Records that fail to decode are skipped, not fatal.
func MigrateToRedis(ctx context.Context, opts *MigrationOptions) error {
	buntDB, err := buntdb.Open(opts.BuntDBPath)
	if err != nil {
		return fmt.Errorf("failed to open BuntDB: %v", err)
	}
	defer buntDB.Close()

	redisStorage, err := NewRedisStorage(opts.Redis)
	if err != nil {
		return fmt.Errorf("failed to create Redis storage: %v", err)
	}
	defer redisStorage.Close()

	err = buntDB.CreateIndex("sessions_id", "sessions:*", buntdb.IndexJSON("id"))
	if err != nil && err != buntdb.ErrIndexExists {
		return fmt.Errorf("failed to create index: %v", err)
	}

	err = buntDB.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("sessions_id", func(key, value string) bool {
			var session Session
			if err := json.Unmarshal([]byte(value), &session); err != nil {
				return true
			}
			if session.SessionId == "" {
				return true
			}
			redisStorage.saveSession(ctx, &session)
			return true
		})
	})
	if err != nil {
		return fmt.Errorf("migration failed: %v", err)
	}

	return nil
}
