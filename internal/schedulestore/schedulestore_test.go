package schedulestore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUpsertAndList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedules.json")
	s, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, s.Upsert(Schedule{ID: "daily-report", CronExpr: "0 9 * * *", Prompt: "summarize yesterday", Enabled: true}))
	list := s.List()
	require.Len(t, list, 1)
	require.Equal(t, "daily-report", list[0].ID)
}

func TestMarkFiredUpdatesTimestampAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedules.json")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Upsert(Schedule{ID: "s1", CronExpr: "* * * * *", Enabled: true}))

	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.MarkFired("s1", now))

	reopened, err := Open(path)
	require.NoError(t, err)
	list := reopened.List()
	require.Len(t, list, 1)
	require.True(t, list[0].LastFiredAt.Equal(now))
}

func TestMarkFiredUnknownScheduleErrors(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "schedules.json"))
	require.NoError(t, err)
	require.Error(t, s.MarkFired("ghost", time.Now()))
}

func TestDeleteRemovesSchedule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedules.json")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Upsert(Schedule{ID: "s1"}))
	require.NoError(t, s.Delete("s1"))
	require.Empty(t, s.List())
}
