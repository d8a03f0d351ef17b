package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTask(t *testing.T, projectID string) *Task {
	t.Helper()
	tk, err := New(Params{
		UserID:         "user-1",
		ProjectID:      projectID,
		ShotID:         "shot-1",
		Type:           TypeShotGeneration,
		Prompt:         "a lighthouse at dusk",
		TargetDuration: 10,
	})
	require.NoError(t, err)
	return tk
}

// runRepositoryContract exercises behaviour every Repository implementation must share.
func runRepositoryContract(t *testing.T, newRepo func(t *testing.T) Repository) {
	ctx := context.Background()

	t.Run("create and find", func(t *testing.T) {
		repo := newRepo(t)
		tk := newTestTask(t, "proj-1")
		require.NoError(t, repo.Create(ctx, tk))

		found, err := repo.FindByID(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, tk.ID, found.ID)
		assert.Equal(t, StatusQueued, found.Status)
		assert.Equal(t, "shot-1", found.ShotID)
		assert.Equal(t, 1, found.Version)
	})

	t.Run("create duplicate", func(t *testing.T) {
		repo := newRepo(t)
		tk := newTestTask(t, "proj-1")
		require.NoError(t, repo.Create(ctx, tk))
		assert.ErrorIs(t, repo.Create(ctx, tk), ErrTaskExists)
	})

	t.Run("find missing", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.FindByID(ctx, "nonexistent")
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})

	t.Run("list by project and character", func(t *testing.T) {
		repo := newRepo(t)
		a := newTestTask(t, "proj-1")
		b := newTestTask(t, "proj-1")
		b.CreatedAt = a.CreatedAt.Add(time.Second)
		b.CharacterID = "char-1"
		c := newTestTask(t, "proj-2")
		for _, tk := range []*Task{b, a, c} {
			require.NoError(t, repo.Create(ctx, tk))
		}

		tasks, err := repo.ListByProject(ctx, "proj-1")
		require.NoError(t, err)
		require.Len(t, tasks, 2)
		assert.Equal(t, a.ID, tasks[0].ID)
		assert.Equal(t, b.ID, tasks[1].ID)

		tasks, err = repo.ListByCharacter(ctx, "char-1")
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, b.ID, tasks[0].ID)

		tasks, err = repo.ListByProject(ctx, "proj-none")
		require.NoError(t, err)
		assert.Empty(t, tasks)
	})

	t.Run("update state forward", func(t *testing.T) {
		repo := newRepo(t)
		tk := newTestTask(t, "proj-1")
		require.NoError(t, repo.Create(ctx, tk))

		updated, err := repo.UpdateState(ctx, tk.ID, State{
			Status:        StatusProcessing,
			Progress:      40,
			ProviderJobID: "job-9",
			PointCost:     10,
		})
		require.NoError(t, err)
		assert.Equal(t, StatusProcessing, updated.Status)
		assert.Equal(t, 40, updated.Progress)
		assert.Equal(t, "job-9", updated.ProviderJobID)
		assert.Equal(t, 2, updated.Version)
		// linkage is not part of the state write
		assert.Equal(t, "shot-1", updated.ShotID)

		updated, err = repo.UpdateState(ctx, tk.ID, State{
			Status:        StatusCompleted,
			Progress:      90,
			ProviderJobID: "job-9",
			ProviderURL:   "https://provider/x.mp4",
			PointCost:     10,
		})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, updated.Status)
		assert.Equal(t, "https://provider/x.mp4", updated.ProviderURL)
	})

	t.Run("update state rejects backwards and terminal writes", func(t *testing.T) {
		repo := newRepo(t)
		tk := newTestTask(t, "proj-1")
		require.NoError(t, repo.Create(ctx, tk))
		_, err := repo.UpdateState(ctx, tk.ID, State{Status: StatusProcessing})
		require.NoError(t, err)

		_, err = repo.UpdateState(ctx, tk.ID, State{Status: StatusQueued})
		assert.ErrorIs(t, err, ErrInvalidTransition)

		_, err = repo.UpdateState(ctx, tk.ID, State{Status: StatusFailed, Error: "boom"})
		require.NoError(t, err)

		_, err = repo.UpdateState(ctx, tk.ID, State{Status: StatusCompleted})
		assert.ErrorIs(t, err, ErrInvalidTransition)
		_, err = repo.UpdateState(ctx, tk.ID, State{Status: StatusFailed})
		assert.ErrorIs(t, err, ErrInvalidTransition)

		found, err := repo.FindByID(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, found.Status)
		assert.Equal(t, "boom", found.Error)
	})

	t.Run("update state missing task", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.UpdateState(ctx, "nonexistent", State{Status: StatusProcessing})
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})

	t.Run("set permanent url once", func(t *testing.T) {
		repo := newRepo(t)
		tk := newTestTask(t, "proj-1")
		require.NoError(t, repo.Create(ctx, tk))

		_, err := repo.SetPermanentURL(ctx, tk.ID, "https://cdn/a.mp4")
		assert.ErrorIs(t, err, ErrNotCompleted)

		_, err = repo.UpdateState(ctx, tk.ID, State{Status: StatusCompleted, ProviderURL: "https://provider/x.mp4"})
		require.NoError(t, err)

		set, err := repo.SetPermanentURL(ctx, tk.ID, "https://cdn/a.mp4")
		require.NoError(t, err)
		assert.True(t, set)

		set, err = repo.SetPermanentURL(ctx, tk.ID, "https://cdn/b.mp4")
		require.NoError(t, err)
		assert.False(t, set)

		found, err := repo.FindByID(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, "https://cdn/a.mp4", found.PermanentURL)
		assert.Equal(t, "https://provider/x.mp4", found.ProviderURL)

		_, err = repo.SetPermanentURL(ctx, "nonexistent", "x")
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})

	t.Run("patch linkage fills only empty fields", func(t *testing.T) {
		repo := newRepo(t)
		tk := newTestTask(t, "proj-1")
		require.NoError(t, repo.Create(ctx, tk))

		patched, err := repo.PatchLinkage(ctx, tk.ID, Linkage{SceneID: "scene-1", ShotID: "shot-other"})
		require.NoError(t, err)
		assert.True(t, patched)

		found, err := repo.FindByID(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, "scene-1", found.SceneID)
		assert.Equal(t, "shot-1", found.ShotID)

		patched, err = repo.PatchLinkage(ctx, tk.ID, Linkage{SceneID: "scene-2", ShotID: "shot-other"})
		require.NoError(t, err)
		assert.False(t, patched)

		_, err = repo.PatchLinkage(ctx, "nonexistent", Linkage{SceneID: "s"})
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})

	t.Run("concurrent permanent url writers", func(t *testing.T) {
		repo := newRepo(t)
		tk := newTestTask(t, "proj-1")
		require.NoError(t, repo.Create(ctx, tk))
		_, err := repo.UpdateState(ctx, tk.ID, State{Status: StatusCompleted, ProviderURL: "https://provider/x.mp4"})
		require.NoError(t, err)

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				set, err := repo.SetPermanentURL(ctx, tk.ID, "https://cdn/a.mp4")
				if err == nil && set {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})
}
