package core

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snarelabs/snare/database"
)

func trackerPhishlet(t *testing.T) *Phishlet {
	t.Helper()
	pl, err := ParsePhishlet([]byte(testPhishletYaml))
	require.NoError(t, err)
	return pl
}

func TestCorrelateCreatesAndReuses(t *testing.T) {
	st := NewSessionTracker(time.Hour, nil)
	defer st.Stop()

	s1, created := st.Correlate("10.0.0.1", "", "example")
	assert.True(t, created)
	assert.Equal(t, StatusActive, s1.Status)
	assert.NotEmpty(t, s1.Id)

	s2, created := st.Correlate("10.0.0.1", s1.Id, "example")
	assert.False(t, created)
	assert.Equal(t, s1.Id, s2.Id)

	// an unknown tracking key gets a fresh session, not an error
	s3, created := st.Correlate("10.0.0.2", "bogus-key", "example")
	assert.True(t, created)
	assert.NotEqual(t, s1.Id, s3.Id)
}

func TestCorrelateIgnoresClosedSession(t *testing.T) {
	st := NewSessionTracker(time.Hour, nil)
	defer st.Stop()

	s1, _ := st.Correlate("10.0.0.1", "", "example")
	st.Close(s1.Id)

	s2, created := st.Correlate("10.0.0.1", s1.Id, "example")
	assert.True(t, created)
	assert.NotEqual(t, s1.Id, s2.Id)
}

func TestRecordTransitionsToCaptured(t *testing.T) {
	pl := trackerPhishlet(t)
	st := NewSessionTracker(time.Hour, nil)
	defer st.Stop()

	s, _ := st.Correlate("10.0.0.1", "", pl.Name)

	ok := st.Record(s.Id, pl, map[string]string{"username": "alice"}, nil, nil)
	assert.True(t, ok)
	assert.Equal(t, StatusActive, st.Get(s.Id).Status)

	ok = st.Record(s.Id, pl, map[string]string{"password": "hunter2"}, map[string]string{"session_token": "tok"}, nil)
	assert.True(t, ok)
	assert.Equal(t, StatusCaptured, st.Get(s.Id).Status)

	rec := st.Get(s.Id).Export()
	assert.Equal(t, "alice", rec.Credentials["username"])
	assert.Equal(t, "hunter2", rec.Credentials["password"])
	assert.Equal(t, "tok", rec.Tokens["session_token"])
}

func TestRecordRequiresAllMandatoryTokens(t *testing.T) {
	pl := trackerPhishlet(t)
	st := NewSessionTracker(time.Hour, nil)
	defer st.Stop()

	s, _ := st.Correlate("10.0.0.1", "", pl.Name)

	// optional csrf token alone must not flip the status
	st.Record(s.Id, pl, map[string]string{"username": "alice"}, map[string]string{"csrf": "x"}, nil)
	assert.Equal(t, StatusActive, st.Get(s.Id).Status)

	st.Record(s.Id, pl, nil, map[string]string{"session_token": "tok"}, nil)
	assert.Equal(t, StatusCaptured, st.Get(s.Id).Status)
}

func TestRecordAfterCloseIsNoop(t *testing.T) {
	pl := trackerPhishlet(t)
	st := NewSessionTracker(time.Hour, nil)
	defer st.Stop()

	s, _ := st.Correlate("10.0.0.1", "", pl.Name)
	st.Close(s.Id)
	assert.Equal(t, StatusClosed, st.Get(s.Id).Status)

	ok := st.Record(s.Id, pl, map[string]string{"username": "late"}, nil, nil)
	assert.False(t, ok)
	assert.Empty(t, st.Get(s.Id).Export().Credentials)
	assert.Equal(t, StatusClosed, st.Get(s.Id).Status)
}

func TestCloseIsTerminal(t *testing.T) {
	pl := trackerPhishlet(t)
	st := NewSessionTracker(time.Hour, nil)
	defer st.Stop()

	s, _ := st.Correlate("10.0.0.1", "", pl.Name)
	st.Record(s.Id, pl, map[string]string{"username": "a"}, map[string]string{"session_token": "t"}, nil)
	assert.Equal(t, StatusCaptured, st.Get(s.Id).Status)

	st.Close(s.Id)
	st.Close(s.Id)
	assert.Equal(t, StatusClosed, st.Get(s.Id).Status)
}

func TestConcurrentRecords(t *testing.T) {
	pl := trackerPhishlet(t)
	st := NewSessionTracker(time.Hour, nil)
	defer st.Stop()

	s, _ := st.Correlate("10.0.0.1", "", pl.Name)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			st.Record(s.Id, pl, nil, map[string]string{fmt.Sprintf("tok%d", n): "v"}, nil)
		}(i)
	}
	wg.Wait()

	rec := st.Get(s.Id).Export()
	assert.Len(t, rec.Tokens, 50)
}

func TestSweepClosesIdleSessions(t *testing.T) {
	st := NewSessionTracker(10 * time.Millisecond, nil)
	defer st.Stop()

	s1, _ := st.Correlate("10.0.0.1", "", "example")
	s2, _ := st.Correlate("10.0.0.2", "", "example")

	time.Sleep(30 * time.Millisecond)

	// keep s2 fresh
	st.Correlate("10.0.0.2", s2.Id, "example")

	n := st.Sweep()
	assert.Equal(t, 1, n)
	assert.Equal(t, StatusClosed, st.Get(s1.Id).Status)
	assert.NotEqual(t, StatusClosed, st.Get(s2.Id).Status)
}

func TestCloseWritesStatusThrough(t *testing.T) {
	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "data.db"))
	require.NoError(t, err)
	defer db.Close()

	st := NewSessionTracker(time.Hour, db)
	defer st.Stop()
	ctx := context.Background()

	s, _ := st.Correlate("10.0.0.1", "", "example")
	require.NoError(t, db.CreateSession(ctx, s.Id, "example", "", "", "10.0.0.1"))

	st.Close(s.Id)

	rec, err := db.GetSession(ctx, s.Id)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, rec.Status)
}

func TestSweepWritesStatusThrough(t *testing.T) {
	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "data.db"))
	require.NoError(t, err)
	defer db.Close()

	st := NewSessionTracker(10*time.Millisecond, db)
	defer st.Stop()
	ctx := context.Background()

	s, _ := st.Correlate("10.0.0.1", "", "example")
	require.NoError(t, db.CreateSession(ctx, s.Id, "example", "", "", "10.0.0.1"))

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 1, st.Sweep())

	rec, err := db.GetSession(ctx, s.Id)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, rec.Status)
}

func TestExportDeepCopies(t *testing.T) {
	pl := trackerPhishlet(t)
	st := NewSessionTracker(time.Hour, nil)
	defer st.Stop()

	s, _ := st.Correlate("10.0.0.1", "", pl.Name)
	st.Record(s.Id, pl, map[string]string{"username": "alice"}, nil, nil)

	rec := st.Get(s.Id).Export()
	rec.Credentials["username"] = "mallory"
	assert.Equal(t, "alice", st.Get(s.Id).Export().Credentials["username"])
}
