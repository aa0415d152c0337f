package retention

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/studyhub/internal/domain"
	"github.com/ashureev/studyhub/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepDeletesOnlyStale(t *testing.T) {
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "retention.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	fresh := time.Now()
	require.NoError(t, repo.CreateConversation(ctx, &domain.Conversation{
		ID: "old", OwnerID: "alice", Title: "old", CreatedAt: old, UpdatedAt: old,
	}, nil))
	require.NoError(t, repo.CreateConversation(ctx, &domain.Conversation{
		ID: "fresh", OwnerID: "alice", Title: "fresh", CreatedAt: fresh, UpdatedAt: fresh,
	}, nil))

	s := NewSweeper(repo, 24*time.Hour, nil)
	assert.Equal(t, int64(1), s.Sweep(ctx))
	assert.Equal(t, int64(0), s.Sweep(ctx))

	conv, err := repo.GetConversation(ctx, "fresh", "alice")
	require.NoError(t, err)
	assert.NotNil(t, conv)
	conv, err = repo.GetConversation(ctx, "old", "alice")
	require.NoError(t, err)
	assert.Nil(t, conv)
}

func TestRunStopsWithContext(t *testing.T) {
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "retention.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewSweeper(repo, time.Hour, nil).Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestSweeperIntervalFollowsShortRetention(t *testing.T) {
	assert.Equal(t, time.Minute, NewSweeper(nil, time.Minute, nil).interval)
	assert.Equal(t, sweepInterval, NewSweeper(nil, 30*24*time.Hour, nil).interval)
}
