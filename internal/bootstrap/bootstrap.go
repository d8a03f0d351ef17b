// Package bootstrap provides dependency initialization for the storyboard task API.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/maauso/storyboard-tasks/internal/access"
	"github.com/maauso/storyboard-tasks/internal/artifact"
	"github.com/maauso/storyboard-tasks/internal/billing"
	"github.com/maauso/storyboard-tasks/internal/character"
	"github.com/maauso/storyboard-tasks/internal/config"
	"github.com/maauso/storyboard-tasks/internal/orchestrator"
	"github.com/maauso/storyboard-tasks/internal/provider"
	"github.com/maauso/storyboard-tasks/internal/retry"
	"github.com/maauso/storyboard-tasks/internal/storage"
	"github.com/maauso/storyboard-tasks/internal/task"
)

// Dependencies holds all initialized dependencies for the HTTP server.
type Dependencies struct {
	Tasks      *orchestrator.Service
	Characters *character.Registrar
	Auth       *access.JWTAuthenticator
	// MediaDir is the directory to serve under /media/, empty when objects go to S3.
	MediaDir string

	closers []func() error
}

// Close releases the database connection, if any.
func (d *Dependencies) Close() error {
	var first error
	for _, c := range d.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// stores groups the persistence backends selected by configuration.
type stores struct {
	tasks      task.Repository
	identities character.IdentityRepository
	owners     access.Ownership
	closer     func() error
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	auth, err := access.NewJWTAuthenticator(cfg.AuthJWTSecret)
	if err != nil {
		return nil, fmt.Errorf("create authenticator: %w", err)
	}

	st, err := initStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	deps := &Dependencies{Auth: auth}
	if st.closer != nil {
		deps.closers = append(deps.closers, st.closer)
	}

	store, mediaDir, err := initStorage(ctx, cfg, logger)
	if err != nil {
		_ = deps.Close()
		return nil, err
	}
	deps.MediaDir = mediaDir

	// Initialize provider client
	policy := retry.Default().WithMaxRetries(cfg.ProviderMaxRetries)
	providerClient, err := provider.NewClient(provider.Config{
		BaseURL:  cfg.ProviderBaseURL,
		APIKey:   cfg.ProviderAPIKey,
		Timeout:  cfg.ProviderTimeout,
		ProbeTTL: cfg.ProviderProbeTTL,
	}, provider.WithRetryPolicy(policy), provider.WithLogger(logger))
	if err != nil {
		_ = deps.Close()
		return nil, fmt.Errorf("create provider client: %w", err)
	}

	migrator := artifact.NewMigrator(store,
		artifact.WithRetryPolicy(policy),
		artifact.WithTimeout(cfg.MigrationTimeout),
		artifact.WithLogger(logger),
	)

	ledger, err := initLedger(cfg, logger)
	if err != nil {
		_ = deps.Close()
		return nil, err
	}

	svc, err := orchestrator.NewService(orchestrator.Deps{
		Repo:     st.tasks,
		Provider: providerClient,
		Migrator: migrator,
		Owners:   st.owners,
		Ledger:   ledger,
		Logger:   logger,
	}, orchestrator.Config{
		MaxJobSeconds:        cfg.ProviderMaxJobSeconds,
		MaxSubtasks:          cfg.MaxSubtasksPerRequest,
		MaxConcurrentSubmits: cfg.MaxConcurrentSubmits,
		DefaultModel:         cfg.DefaultModel,
		DefaultSize:          cfg.DefaultSize,
	})
	if err != nil {
		_ = deps.Close()
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}
	deps.Tasks = svc

	deps.Characters = character.NewRegistrar(svc, providerClient, st.identities, st.owners, character.Config{
		MaxWait:      cfg.RegistrationMaxWait,
		PollInterval: cfg.RegistrationPollInterval,
	}, logger)

	return deps, nil
}

// initStores selects Postgres when DATABASE_URL is set and in-memory stores otherwise.
func initStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, error) {
	owners, err := access.ParseOwners(cfg.DevProjectOwners)
	if err != nil {
		return nil, err
	}

	if !cfg.DatabaseEnabled() {
		logger.Info("in-memory stores configured", slog.Int("seeded_projects", len(owners)))
		return &stores{
			tasks:      task.NewMemoryRepository(),
			identities: character.NewMemoryIdentityRepository(),
			owners:     access.NewMemoryOwnership(owners),
		}, nil
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return newGormStores(ctx, db, sqlDB.Close, owners, logger)
}

func newGormStores(ctx context.Context, db *gorm.DB, closer func() error, owners map[string]string, logger *slog.Logger) (*stores, error) {
	tasks := task.NewGormRepository(db)
	identities := character.NewGormIdentityRepository(db)
	ownership := access.NewGormOwnership(db)

	migrations := []func(context.Context) error{
		tasks.AutoMigrate,
		identities.AutoMigrate,
		ownership.AutoMigrate,
	}
	for _, m := range migrations {
		if err := m(ctx); err != nil {
			_ = closer()
			return nil, err
		}
	}
	for project, user := range owners {
		if err := ownership.Grant(ctx, project, user); err != nil {
			_ = closer()
			return nil, err
		}
	}

	logger.Info("database stores configured", slog.Int("seeded_projects", len(owners)))
	return &stores{
		tasks:      tasks,
		identities: identities,
		owners:     ownership,
		closer:     closer,
	}, nil
}

// initStorage creates the appropriate storage backend based on configuration.
// It returns the local media directory when objects are published to disk.
func initStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Storage, string, error) {
	localStore, err := storage.NewLocalStorage(storage.LocalConfig{
		TempDir:       cfg.TempDir,
		MediaDir:      cfg.LocalMediaDir,
		PublicBaseURL: cfg.PublicBaseURL,
	})
	if err != nil {
		return nil, "", fmt.Errorf("create local storage: %w", err)
	}

	if cfg.S3Enabled() {
		s3Store, err := storage.NewS3Storage(ctx, localStore, storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			PublicBaseURL:   cfg.S3PublicBaseURL,
		})
		if err != nil {
			return nil, "", fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return s3Store, "", nil
	}

	logger.Info("local storage configured",
		slog.String("temp_dir", localStore.TempDir()),
		slog.String("media_dir", localStore.MediaDir()),
	)
	return localStore, localStore.MediaDir(), nil
}

// initLedger returns the HTTP credits ledger when BILLING_URL is set.
func initLedger(cfg *config.Config, logger *slog.Logger) (billing.Ledger, error) {
	if !cfg.BillingEnabled() {
		logger.Info("billing disabled, jobs are priced but not charged")
		return billing.Unmetered{Pricing: billing.DefaultPricing()}, nil
	}
	ledger, err := billing.NewHTTPLedger(cfg.BillingURL, billing.DefaultPricing(), cfg.ProviderTimeout)
	if err != nil {
		return nil, fmt.Errorf("create billing ledger: %w", err)
	}
	logger.Info("billing configured", slog.String("url", cfg.BillingURL))
	return ledger, nil
}
