package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maauso/storyboard-tasks/internal/artifact"
	"github.com/maauso/storyboard-tasks/internal/provider"
	"github.com/maauso/storyboard-tasks/internal/task"
)

const permanentURL = "https://cdn.example.com/videos/user-1/proj-1/shots/shot-1/task.mp4"

func processing(progress int) task.State {
	return task.State{Status: task.StatusProcessing, ProviderJobID: "video_1", Progress: progress}
}

func TestGetStatus_TerminalTaskIsServedFromStore(t *testing.T) {
	f := newFixture(t)
	tk := f.seed(t, task.State{Status: task.StatusFailed, ProviderJobID: "video_1", Error: "moderation"})

	view, err := f.svc.GetStatus(context.Background(), testUser, tk.ID)
	require.NoError(t, err)

	assert.Equal(t, "failed", view.Status)
	assert.True(t, view.KnownStatus)
	assert.Equal(t, "moderation", view.Error)
	f.provider.AssertNotCalled(t, "AssertReachable", mock.Anything)
	f.provider.AssertNotCalled(t, "GetJobStatus", mock.Anything, mock.Anything)
}

func TestGetStatus_ProgressThenCompletion(t *testing.T) {
	f := newFixture(t)
	tk := f.seed(t, processing(0))
	f.provider.On("AssertReachable", mock.Anything).Return(nil)
	f.provider.On("GetJobStatus", mock.Anything, "video_1").
		Return(provider.JobStatus{Status: task.StatusProcessing, RawStatus: "in_progress", Known: true, Progress: 40}, nil).Once()
	f.provider.On("GetJobStatus", mock.Anything, "video_1").
		Return(provider.JobStatus{Status: task.StatusCompleted, RawStatus: "completed", Known: true, Progress: 100, ResultURL: "https://provider/v.mp4"}, nil).Once()
	f.migrator.On("Migrate", mock.Anything, mock.MatchedBy(func(r artifact.Request) bool {
		return r.TaskID == tk.ID && r.SourceURL == "https://provider/v.mp4" && r.ProjectID == testProject
	})).Return(permanentURL, nil).Once()

	view, err := f.svc.GetStatus(context.Background(), testUser, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "processing", view.Status)
	assert.Equal(t, 40, view.Progress)
	assert.Empty(t, view.VideoURL)

	view, err = f.svc.GetStatus(context.Background(), testUser, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", view.Status)
	assert.Equal(t, 100, view.Progress)
	assert.Equal(t, permanentURL, view.VideoURL)
	assert.Equal(t, permanentURL, view.PermanentURL)
	assert.Equal(t, "https://provider/v.mp4", view.ProviderURL)

	stored := f.find(t, tk.ID)
	assert.Equal(t, task.StatusCompleted, stored.Status)
	assert.Equal(t, permanentURL, stored.PermanentURL)

	// Terminal now: no further provider or migrator traffic.
	view, err = f.svc.GetStatus(context.Background(), testUser, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, permanentURL, view.VideoURL)
	f.provider.AssertNumberOfCalls(t, "GetJobStatus", 2)
	f.migrator.AssertNumberOfCalls(t, "Migrate", 1)
}

func TestGetStatus_MigrationFailureServesProviderURL(t *testing.T) {
	f := newFixture(t)
	tk := f.seed(t, processing(50))
	f.provider.On("AssertReachable", mock.Anything).Return(nil)
	f.provider.On("GetJobStatus", mock.Anything, "video_1").
		Return(provider.JobStatus{Status: task.StatusCompleted, Known: true, Progress: 100, ResultURL: "https://provider/v.mp4"}, nil)
	f.migrator.On("Migrate", mock.Anything, mock.Anything).
		Return("", fmt.Errorf("%w: bucket unavailable", artifact.ErrUploadFailed)).Once()

	view, err := f.svc.GetStatus(context.Background(), testUser, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", view.Status)
	assert.Equal(t, "https://provider/v.mp4", view.VideoURL)
	assert.Empty(t, view.PermanentURL)

	// A later read retries the migration.
	f.migrator.On("Migrate", mock.Anything, mock.Anything).Return(permanentURL, nil).Once()
	view, err = f.svc.GetStatus(context.Background(), testUser, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, permanentURL, view.VideoURL)
	f.migrator.AssertNumberOfCalls(t, "Migrate", 2)
	f.provider.AssertNumberOfCalls(t, "GetJobStatus", 1)
}

func TestGetStatus_ProviderUnreachableLeavesTaskUntouched(t *testing.T) {
	f := newFixture(t)
	tk := f.seed(t, processing(30))
	f.provider.On("AssertReachable", mock.Anything).
		Return(fmt.Errorf("%w: timeout", provider.ErrProviderUnavailable))

	_, err := f.svc.GetStatus(context.Background(), testUser, tk.ID)
	assert.ErrorIs(t, err, ErrProviderUnavailable)

	stored := f.find(t, tk.ID)
	assert.Equal(t, tk.Version, stored.Version)
	assert.Equal(t, task.StatusProcessing, stored.Status)
	f.provider.AssertNotCalled(t, "GetJobStatus", mock.Anything, mock.Anything)
}

func TestGetStatus_ProviderErrorLeavesTaskUntouched(t *testing.T) {
	f := newFixture(t)
	tk := f.seed(t, processing(30))
	f.provider.On("AssertReachable", mock.Anything).Return(nil)
	f.provider.On("GetJobStatus", mock.Anything, "video_1").
		Return(provider.JobStatus{}, &provider.Error{StatusCode: 500, Message: "internal"})

	_, err := f.svc.GetStatus(context.Background(), testUser, tk.ID)
	assert.ErrorIs(t, err, provider.ErrProviderError)
	assert.Equal(t, tk.Version, f.find(t, tk.ID).Version)
}

func TestGetStatus_JobNotFoundFailsTask(t *testing.T) {
	f := newFixture(t)
	tk := f.seed(t, processing(30))
	f.provider.On("AssertReachable", mock.Anything).Return(nil)
	f.provider.On("GetJobStatus", mock.Anything, "video_1").
		Return(provider.JobStatus{}, provider.ErrJobNotFound)

	view, err := f.svc.GetStatus(context.Background(), testUser, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "failed", view.Status)
	assert.Equal(t, "provider job not found", view.Error)
	assert.Equal(t, task.StatusFailed, f.find(t, tk.ID).Status)
}

func TestGetStatus_ProviderFailure(t *testing.T) {
	f := newFixture(t)
	tk := f.seed(t, processing(30))
	f.provider.On("AssertReachable", mock.Anything).Return(nil)
	f.provider.On("GetJobStatus", mock.Anything, "video_1").
		Return(provider.JobStatus{Status: task.StatusFailed, RawStatus: "failed", Known: true, Error: "content policy"}, nil)

	view, err := f.svc.GetStatus(context.Background(), testUser, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "failed", view.Status)
	assert.Equal(t, "content policy", view.Error)
	f.migrator.AssertNotCalled(t, "Migrate", mock.Anything, mock.Anything)
}

func TestGetStatus_CompletedWithoutResultStaysOpen(t *testing.T) {
	f := newFixture(t)
	tk := f.seed(t, processing(60))
	f.provider.On("AssertReachable", mock.Anything).Return(nil)
	f.provider.On("GetJobStatus", mock.Anything, "video_1").
		Return(provider.JobStatus{Status: task.StatusCompleted, RawStatus: "completed", Known: true, Progress: 100}, nil).Once()
	f.provider.On("GetJobStatus", mock.Anything, "video_1").
		Return(provider.JobStatus{Status: task.StatusCompleted, RawStatus: "completed", Known: true, Progress: 100, ResultURL: "https://provider/late.mp4"}, nil).Once()
	f.migrator.On("Migrate", mock.Anything, mock.Anything).Return(permanentURL, nil).Once()

	view, err := f.svc.GetStatus(context.Background(), testUser, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "processing", view.Status)
	assert.Equal(t, 99, view.Progress)
	assert.Empty(t, view.VideoURL)
	assert.Equal(t, task.StatusProcessing, f.find(t, tk.ID).Status)
	f.migrator.AssertNotCalled(t, "Migrate", mock.Anything, mock.Anything)

	view, err = f.svc.GetStatus(context.Background(), testUser, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", view.Status)
	assert.Equal(t, "https://provider/late.mp4", view.ProviderURL)
	assert.Equal(t, permanentURL, view.VideoURL)
	f.provider.AssertNumberOfCalls(t, "GetJobStatus", 2)
}

func TestGetStatus_UnknownStatusPassesThrough(t *testing.T) {
	f := newFixture(t)
	tk := f.seed(t, processing(30))
	f.provider.On("AssertReachable", mock.Anything).Return(nil)
	f.provider.On("GetJobStatus", mock.Anything, "video_1").
		Return(provider.JobStatus{Status: task.Status("upscaling"), RawStatus: "upscaling", Known: false, Progress: 80}, nil)

	view, err := f.svc.GetStatus(context.Background(), testUser, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "upscaling", view.Status)
	assert.False(t, view.KnownStatus)

	stored := f.find(t, tk.ID)
	assert.Equal(t, task.StatusProcessing, stored.Status)
	assert.Equal(t, tk.Version, stored.Version, "unknown statuses are never written")
}

func TestGetStatus_NeverMovesBackwards(t *testing.T) {
	f := newFixture(t)
	tk := f.seed(t, processing(60))
	f.provider.On("AssertReachable", mock.Anything).Return(nil)
	f.provider.On("GetJobStatus", mock.Anything, "video_1").
		Return(provider.JobStatus{Status: task.StatusQueued, RawStatus: "queued", Known: true, Progress: 10}, nil)

	view, err := f.svc.GetStatus(context.Background(), testUser, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "processing", view.Status)
	assert.Equal(t, 60, view.Progress)
	assert.Equal(t, tk.Version, f.find(t, tk.ID).Version)
}

func TestGetStatus_WritesOnlyOnChange(t *testing.T) {
	f := newFixture(t)
	tk := f.seed(t, processing(40))
	f.provider.On("AssertReachable", mock.Anything).Return(nil)
	f.provider.On("GetJobStatus", mock.Anything, "video_1").
		Return(provider.JobStatus{Status: task.StatusProcessing, Known: true, Progress: 40}, nil)

	for range 3 {
		_, err := f.svc.GetStatus(context.Background(), testUser, tk.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, tk.Version, f.find(t, tk.ID).Version)
}

func TestGetStatus_Errors(t *testing.T) {
	f := newFixture(t)
	tk := f.seed(t, processing(0))

	_, err := f.svc.GetStatus(context.Background(), testUser, "task_missing")
	assert.ErrorIs(t, err, task.ErrTaskNotFound)

	_, err = f.svc.GetStatus(context.Background(), "intruder", tk.ID)
	assert.ErrorIs(t, err, ErrAuthorization)
	f.provider.AssertNotCalled(t, "GetJobStatus", mock.Anything, mock.Anything)
}

func TestReconcileCompletion_ConcurrentCallersMigrateOnce(t *testing.T) {
	f := newFixture(t)
	tk := f.seed(t, task.State{
		Status:        task.StatusCompleted,
		ProviderJobID: "video_1",
		ProviderURL:   "https://provider/v.mp4",
		Progress:      100,
	})

	release := make(chan struct{})
	f.migrator.On("Migrate", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(permanentURL, nil)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := f.svc.ReconcileCompletion(context.Background(), tk.ID)
			if err == nil && got.PermanentURL != permanentURL {
				err = errors.New("unexpected permanent url " + got.PermanentURL)
			}
			errs <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	f.migrator.AssertNumberOfCalls(t, "Migrate", 1)
	assert.Equal(t, permanentURL, f.find(t, tk.ID).PermanentURL)
}

func TestReconcileCompletion_NoOpWithoutProviderURL(t *testing.T) {
	f := newFixture(t)
	tk := f.seed(t, processing(10))

	got, err := f.svc.ReconcileCompletion(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, tk.ID, got.ID)
	f.migrator.AssertNotCalled(t, "Migrate", mock.Anything, mock.Anything)
}

func TestReconcileCompletion_SurvivesCanceledCaller(t *testing.T) {
	f := newFixture(t)
	tk := f.seed(t, task.State{Status: task.StatusCompleted, ProviderJobID: "video_1", ProviderURL: "https://provider/v.mp4"})
	f.migrator.On("Migrate", mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil }), mock.Anything).
		Return(permanentURL, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := f.svc.ReconcileCompletion(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, permanentURL, got.PermanentURL)
}
