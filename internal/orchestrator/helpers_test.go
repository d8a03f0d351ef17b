package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maauso/storyboard-tasks/internal/access"
	"github.com/maauso/storyboard-tasks/internal/artifact"
	"github.com/maauso/storyboard-tasks/internal/billing"
	"github.com/maauso/storyboard-tasks/internal/provider"
	"github.com/maauso/storyboard-tasks/internal/task"
)

// mockProvider implements provider.Client for testing.
type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) SubmitJob(ctx context.Context, spec provider.JobSpec) (string, error) {
	args := m.Called(ctx, spec)
	return args.String(0), args.Error(1)
}

func (m *mockProvider) GetJobStatus(ctx context.Context, handle string) (provider.JobStatus, error) {
	args := m.Called(ctx, handle)
	return args.Get(0).(provider.JobStatus), args.Error(1)
}

func (m *mockProvider) RegisterCharacterIdentity(ctx context.Context, videoURL string, ts []float64) (string, error) {
	args := m.Called(ctx, videoURL, ts)
	return args.String(0), args.Error(1)
}

func (m *mockProvider) AssertReachable(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// mockMigrator implements Migrator for testing.
type mockMigrator struct {
	mock.Mock
}

func (m *mockMigrator) Migrate(ctx context.Context, req artifact.Request) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

// recordingLedger prices with the default table and records debits.
type recordingLedger struct {
	billing.Pricing
	mu       sync.Mutex
	consumed []int
	err      error
}

func (l *recordingLedger) ConsumeCredits(_ context.Context, _ string, amount int, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consumed = append(l.consumed, amount)
	return l.err
}

func (l *recordingLedger) debits() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.consumed...)
}

type fixture struct {
	svc      *Service
	repo     *task.MemoryRepository
	provider *mockProvider
	migrator *mockMigrator
	owners   *access.MemoryOwnership
	ledger   *recordingLedger
}

const (
	testUser    = "user-1"
	testProject = "proj-1"
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:     task.NewMemoryRepository(),
		provider: &mockProvider{},
		migrator: &mockMigrator{},
		owners:   access.NewMemoryOwnership(map[string]string{testProject: testUser}),
		ledger:   &recordingLedger{Pricing: billing.DefaultPricing()},
	}
	svc, err := NewService(Deps{
		Repo:     f.repo,
		Provider: f.provider,
		Migrator: f.migrator,
		Owners:   f.owners,
		Ledger:   f.ledger,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, Config{MaxJobSeconds: 15, MaxSubtasks: 4, MaxConcurrentSubmits: 1})
	require.NoError(t, err)
	f.svc = svc
	return f
}

// seed stores a task of testProject and moves it to state s.
func (f *fixture) seed(t *testing.T, s task.State) *task.Task {
	t.Helper()
	tk, err := task.New(task.Params{
		UserID:    testUser,
		ProjectID: testProject,
		ShotID:    "shot-1",
		Type:      task.TypeShotGeneration,
		Prompt:    "a lighthouse at dusk",
	})
	require.NoError(t, err)
	require.NoError(t, f.repo.Create(context.Background(), tk))
	if s.Status == "" || s == tk.State() {
		return tk
	}
	updated, err := f.repo.UpdateState(context.Background(), tk.ID, s)
	require.NoError(t, err)
	return updated
}

func (f *fixture) find(t *testing.T, id string) *task.Task {
	t.Helper()
	tk, err := f.repo.FindByID(context.Background(), id)
	require.NoError(t, err)
	return tk
}

func (f *fixture) projectTasks(t *testing.T) []*task.Task {
	t.Helper()
	tasks, err := f.repo.ListByProject(context.Background(), testProject)
	require.NoError(t, err)
	return tasks
}
