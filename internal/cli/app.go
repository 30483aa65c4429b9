package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/spf13/afero"

	"github.com/eunmann/s3-size-history/internal/config"
	"github.com/eunmann/s3-size-history/internal/logctx"
	"github.com/eunmann/s3-size-history/pkg/artifact"
	"github.com/eunmann/s3-size-history/pkg/history"
	"github.com/eunmann/s3-size-history/pkg/ledger"
	"github.com/eunmann/s3-size-history/pkg/orchestrator"
	"github.com/eunmann/s3-size-history/pkg/render"
	"github.com/eunmann/s3-size-history/pkg/s3client"
	"github.com/eunmann/s3-size-history/pkg/statestore"
	"github.com/eunmann/s3-size-history/pkg/tracker"
)

// app holds the components a command runs against. Fields a command does
// not ask for stay nil.
type app struct {
	cfg     *config.Config
	ledger  ledger.Ledger
	state   statestore.Store
	cache   *history.Cache
	tracker *tracker.Tracker
	engine  *history.Engine
	orch    *orchestrator.Orchestrator

	closers []func() error
}

type needs struct {
	tracker bool
	render  bool
}

func openApp(ctx context.Context, cfg *config.Config, n needs) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.ledger, err = openLedger(ctx, cfg); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.ledger.Close)

	if cfg.History.CacheTTL > 0 {
		a.cache = history.NewCache(nil, cfg.History.CacheTTL)
		a.closers = append(a.closers, a.cache.Close)
	}
	a.engine = history.NewEngine(a.ledger, a.cache)

	if n.tracker {
		if a.state, err = openState(ctx, cfg); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.state.Close)

		tcfg := tracker.DefaultConfig()
		tcfg.MaxConflictRetries = cfg.Tracker.MaxConflictRetries
		tcfg.ReplaceOverwrites = cfg.Tracker.ReplaceOverwrites
		tcfg.ReconcileSuffix = cfg.Reconcile.Suffix
		if a.tracker, err = tracker.New(a.ledger, a.state, a.state, tcfg); err != nil {
			return nil, err
		}
		if a.cache != nil {
			a.tracker.Subscribe(a.cache.OnAppend)
		}
	}

	if n.render {
		store, err := openArtifactStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		rcfg := render.DefaultConfig()
		rcfg.KeyTemplate = cfg.Artifact.Key
		ocfg := orchestrator.Config{
			DefaultBucket:  cfg.Server.DefaultBucket,
			Window:         cfg.Pipeline.Window,
			FetchTimeout:   cfg.Pipeline.FetchTimeout,
			RenderTimeout:  cfg.Pipeline.RenderTimeout,
			TriggerTimeout: cfg.Pipeline.TriggerTimeout,
		}
		if a.orch, err = orchestrator.New(a.engine, render.NewChartRenderer(store, rcfg), ocfg); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Close releases everything in reverse open order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}

// openLedger builds the configured backend behind the retrying decorator.
func openLedger(ctx context.Context, cfg *config.Config) (ledger.Ledger, error) {
	var (
		inner ledger.Ledger
		err   error
	)
	switch cfg.Ledger.Backend {
	case config.LedgerMemory:
		inner = ledger.NewMemoryLedger()
	case config.LedgerSQLite:
		inner, err = ledger.OpenSQLite(ctx, ledger.DefaultSQLiteConfig(cfg.Ledger.SQLitePath))
	case config.LedgerPostgres:
		inner, err = ledger.OpenPostgres(ctx, cfg.Ledger.PostgresDSN)
	case config.LedgerDynamoDB:
		var awsCfg aws.Config
		if awsCfg, err = s3client.LoadAWSConfig(ctx, cfg.AWS.Region); err != nil {
			return nil, err
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.AWS.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
			}
		})
		inner, err = ledger.NewDynamoLedger(client, ledger.DynamoConfig{
			Table:     cfg.Ledger.DynamoTable,
			SizeIndex: cfg.Ledger.DynamoGSI,
		})
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s ledger: %w", cfg.Ledger.Backend, err)
	}

	retrying, err := ledger.NewRetrying(inner, ledger.RetryConfig{
		MaxAttempts:     cfg.Ledger.RetryAttempts,
		InitialInterval: cfg.Ledger.RetryInitial,
		MaxInterval:     cfg.Ledger.RetryMax,
	})
	if err != nil {
		_ = inner.Close()
		return nil, err
	}
	lg := logctx.FromContext(ctx)
	lg.Debug().Str("backend", cfg.Ledger.Backend).Msg("opened ledger")
	return retrying, nil
}

func openState(ctx context.Context, cfg *config.Config) (statestore.Store, error) {
	switch cfg.State.Backend {
	case config.StateMemory:
		return statestore.NewMemoryStore(), nil
	case config.StateSQLite:
		return statestore.OpenGorm(ctx, cfg.State.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.State.Backend)
	}
}

func openArtifactStore(ctx context.Context, cfg *config.Config) (artifact.Store, error) {
	ac := cfg.Artifact
	switch ac.Backend {
	case config.ArtifactFS:
		return artifact.NewFSStore(afero.NewOsFs(), ac.FSRoot), nil
	case config.ArtifactS3:
		client, err := s3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return artifact.NewS3Store(client, ac.Bucket), nil
	case config.ArtifactMinio:
		return newMinio(cfg)
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", ac.Backend)
	}
}

func s3Client(ctx context.Context, cfg *config.Config) (*s3client.Client, error) {
	return s3client.NewClient(ctx, s3client.Options{
		Region:    cfg.AWS.Region,
		Endpoint:  cfg.AWS.Endpoint,
		PathStyle: cfg.AWS.PathStyle,
	})
}

func newMinio(cfg *config.Config) (*artifact.MinioStore, error) {
	ac := cfg.Artifact
	return artifact.NewMinioStore(artifact.MinioConfig{
		Endpoint:  ac.MinioEndpoint,
		AccessKey: ac.MinioAccessKey,
		SecretKey: ac.MinioSecretKey,
		UseSSL:    ac.MinioUseSSL,
		Region:    ac.MinioRegion,
		Bucket:    ac.Bucket,
	})
}

// lister picks the object listing used by reconcile.
func lister(ctx context.Context, cfg *config.Config) (tracker.Lister, error) {
	switch cfg.Reconcile.Source {
	case config.ArtifactS3:
		return s3Client(ctx, cfg)
	case config.ArtifactMinio:
		return newMinio(cfg)
	}
	return nil, errors.New("reconcile.source must be s3 or minio")
}
