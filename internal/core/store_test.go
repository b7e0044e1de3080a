package core

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incant-go/incant/pkg/api"
)

func TestStoreRecordsRuns(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(filepath.Join(t.TempDir(), "nested", "journal.db"))
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Ping(ctx))

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	first, err := s.RecordRun(ctx, "/proj", api.RunSummary{
		Operation: api.OpUp,
		Backend:   "incus",
		StartedAt: base,
		Duration:  3 * time.Second,
		Status:    api.RunFailed,
		Results: []api.InstanceResult{
			{Name: "web", Status: api.RunSucceeded, Applied: 2, Duration: time.Second},
			{Name: "db", Status: api.RunFailed, Error: "instance db: create: boom"},
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, first)

	_, err = s.RecordRun(ctx, "/other", api.RunSummary{Operation: api.OpList, Backend: "incus", StartedAt: base.Add(time.Minute), Status: api.RunSucceeded})
	require.NoError(t, err)
	_, err = s.RecordRun(ctx, "/proj", api.RunSummary{Operation: api.OpDestroy, Backend: "incus", StartedAt: base.Add(time.Hour), Status: api.RunSucceeded})
	require.NoError(t, err)

	runs, err := s.RecentRuns(ctx, "/proj", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, api.OpDestroy, runs[0].Operation)
	assert.Equal(t, first, runs[1].ID)
	assert.Equal(t, 3*time.Second, runs[1].Duration)
	assert.True(t, base.Equal(runs[1].StartedAt))
	require.Len(t, runs[1].Results, 2)
	assert.Equal(t, "web", runs[1].Results[0].Name)
	assert.Equal(t, 2, runs[1].Results[0].Applied)
	assert.Equal(t, "instance db: create: boom", runs[1].Results[1].Error)

	all, err := s.RecentRuns(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
