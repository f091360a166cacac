package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/Lllllllleong/documentcoordinator/internal/budget"
	"github.com/Lllllllleong/documentcoordinator/internal/clock"
	"github.com/Lllllllleong/documentcoordinator/internal/config"
	"github.com/Lllllllleong/documentcoordinator/internal/escalation"
	"github.com/Lllllllleong/documentcoordinator/internal/gcp"
	"github.com/Lllllllleong/documentcoordinator/internal/lock"
	"github.com/Lllllllleong/documentcoordinator/internal/ocr"
	"github.com/Lllllllleong/documentcoordinator/internal/validation"
	"github.com/redis/go-redis/v9"
)

// Runtime owns every client a deployed Coordinator needs.
type Runtime struct {
	Coordinator *Coordinator
	Storage     *gcp.Storage
	closers     []func() error
}

// ConfigureLogging installs a JSON default logger at the configured level.
func ConfigureLogging(cfg *config.Config) {
	level, err := cfg.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// NewRuntime builds the coordinator and its clients from cfg.
func NewRuntime(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	rt := &Runtime{}
	fail := func(err error) (*Runtime, error) {
		_ = rt.Close()
		return nil, err
	}

	var (
		lockStore   lock.Store
		budgetStore budget.Store
	)
	switch cfg.CoordinationBackend {
	case config.BackendRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fail(fmt.Errorf("failed to parse REDIS_URL: %w", err))
		}
		client := redis.NewClient(opts)
		rt.closers = append(rt.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return fail(fmt.Errorf("failed to reach redis: %w", err))
		}
		lockStore = lock.NewRedisStore(client, "")
		budgetStore = budget.NewRedisStore(client, "")
	default:
		firestoreClient, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
		if err != nil {
			return fail(err)
		}
		rt.closers = append(rt.closers, firestoreClient.Close)
		lockStore = lock.NewFirestoreStore(firestoreClient, cfg.RecordCollection)
		budgetStore = budget.NewFirestoreStore(firestoreClient, cfg.BudgetCollection)
	}

	storage, err := gcp.NewStorage(ctx)
	if err != nil {
		return fail(err)
	}
	rt.Storage = storage
	rt.closers = append(rt.closers, storage.Close)

	vertex, err := gcp.NewVertexClient(ctx, cfg.ProjectID, cfg.VertexAIRegion, gcp.ModelNames{
		Cheap:     cfg.CheapModel,
		Expensive: cfg.ExpensiveModel,
		Markdown:  cfg.MarkdownModel,
	})
	if err != nil {
		return fail(fmt.Errorf("failed to create vertex client: %w", err))
	}
	rt.closers = append(rt.closers, vertex.Close)

	validator, err := validation.NewCUEValidator()
	if err != nil {
		return fail(err)
	}

	var review ReviewRequester
	if cfg.ReviewWorkflowID != "" {
		trigger, err := gcp.NewReviewTrigger(ctx, cfg.ProjectID, cfg.WorkflowLocation, cfg.ReviewWorkflowID)
		if err != nil {
			return fail(err)
		}
		rt.closers = append(rt.closers, trigger.Close)
		review = trigger
	}

	// One token bucket shared by every model call from this instance.
	limiter := gcp.NewLimiter(cfg.ModelRequestsPerSecond)
	gate := budget.NewGate(budgetStore, clock.System{}, cfg.Location(), budget.Limits{
		Daily:   cfg.DailyEscalationLimit,
		Monthly: cfg.MonthlyEscalationLimit,
	})
	engine := escalation.NewEngine(gate, RetryPolicy(cfg), ImagePolicy(cfg))

	rt.Coordinator = NewCoordinator(Dependencies{
		Lock:       lock.New(lockStore, clock.System{}),
		Engine:     engine,
		OCR:        ocr.NewVertexExtractor(vertex.MarkdownModel, limiter),
		Cheap:      gcp.NewModelCaller(cfg.CheapModel, vertex.CheapModel, limiter),
		Expensive:  gcp.NewModelCaller(cfg.ExpensiveModel, vertex.ExpensiveModel, limiter),
		Validator:  validator,
		Objects:    storage,
		Quarantine: NewGCSQuarantine(storage, cfg.QuarantineBucket),
		Review:     review,
	}, CoordinatorConfig{
		LockTTL:           cfg.LockTTL,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ProcessedBucket:   cfg.ProcessedBucket,
		ExecutionTimeout:  cfg.ExecutionTimeout,
		SafetyMargin:      cfg.SafetyMargin,
	})

	slog.Info("Coordinator runtime initialized.",
		"backend", cfg.CoordinationBackend,
		"cheapModel", cfg.CheapModel,
		"expensiveModel", cfg.ExpensiveModel,
		"reviewWorkflow", cfg.ReviewWorkflowID != "",
	)
	return rt, nil
}

// RetryPolicy maps the configured caps and backoffs onto the engine policy.
func RetryPolicy(cfg *config.Config) escalation.RetryPolicy {
	return escalation.RetryPolicy{
		MalformedOutputRetries: cfg.MalformedOutputRetries,
		RateLimitedRetries:     cfg.RateLimitedRetries,
		TransientServerRetries: cfg.TransientServerRetries,
		ValidationRetries:      cfg.ValidationRetries,
		RateLimitBaseBackoff:   cfg.RateLimitBaseBackoff,
		RateLimitMaxBackoff:    cfg.RateLimitMaxBackoff,
		TransientBackoff:       cfg.TransientBackoff,
	}
}

// ImagePolicy maps the configured thresholds onto the engine's image policy.
func ImagePolicy(cfg *config.Config) escalation.ImagePolicy {
	return escalation.ImagePolicy{
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		FragileTypes:        cfg.FragileDocumentTypes,
	}
}

// Close releases every client in reverse order of creation.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
