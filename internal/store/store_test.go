package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willway/botkeeper/internal/incident"
	"github.com/willway/botkeeper/internal/worker"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "botkeeper.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestIncidents 测试事件写入与查询
func TestIncidents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, s.RecordIncident(ctx, incident.Record{
		ID: "a", Bot: "main", Time: base, RemoteDisplayName: "Pirate", ExpectedDisplayName: "Willway",
		Divergences: []string{"displayName"},
	}))
	require.NoError(t, s.RecordIncident(ctx, incident.Record{
		ID: "b", Bot: "blogger", Time: base.Add(time.Minute), WebhookURL: "https://x",
	}))

	all, err := s.ListIncidents(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "b", all[0].ID)
	assert.Equal(t, "a", all[1].ID)
	assert.Equal(t, []string{"displayName"}, all[1].Divergences)
	assert.True(t, base.Equal(all[1].Time))

	mainOnly, err := s.ListIncidents(ctx, "main", 10)
	require.NoError(t, err)
	require.Len(t, mainOnly, 1)
	assert.Equal(t, "Pirate", mainOnly[0].RemoteDisplayName)

	// 主键冲突
	assert.Error(t, s.RecordIncident(ctx, incident.Record{ID: "a", Bot: "main", Time: base}))
}

// TestIncidentsOrderedWithinSecond 测试同一秒内的事件按时间倒序
func TestIncidentsOrderedWithinSecond(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, s.RecordIncident(ctx, incident.Record{ID: "whole", Bot: "main", Time: base}))
	require.NoError(t, s.RecordIncident(ctx, incident.Record{ID: "later", Bot: "main", Time: base.Add(100 * time.Millisecond)}))

	recs, err := s.ListIncidents(ctx, "main", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "later", recs[0].ID)
	assert.Equal(t, "whole", recs[1].ID)
	assert.True(t, base.Equal(recs[1].Time))
}

// TestWorkerEvents 测试 worker 事件写入与查询
func TestWorkerEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	code := 137
	require.NoError(t, s.RecordWorkerEvent(ctx, WorkerEvent{Bot: "main", Kind: worker.EventStart, PID: 42}))
	require.NoError(t, s.RecordWorkerEvent(ctx, WorkerEvent{Bot: "main", Kind: worker.EventExit, ExitCode: &code}))
	require.NoError(t, s.RecordWorkerEvent(ctx, WorkerEvent{Bot: "other", Kind: worker.EventStop, Reason: "shutdown"}))

	evs, err := s.ListWorkerEvents(ctx, "main", 10)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, worker.EventExit, evs[0].Kind)
	require.NotNil(t, evs[0].ExitCode)
	assert.Equal(t, 137, *evs[0].ExitCode)
	assert.Equal(t, 42, evs[1].PID)
	assert.Nil(t, evs[1].ExitCode)

	limited, err := s.ListWorkerEvents(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "shutdown", limited[0].Reason)
}

// TestOpenRequiresPath 测试路径必填
func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}
