package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	goredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/pulse/rmap"

	"github.com/McKhanster/autoninja-sub001/config"
	artifactminio "github.com/McKhanster/autoninja-sub001/features/artifact/minio"
	auditmongo "github.com/McKhanster/autoninja-sub001/features/audit/mongo"
	auditclient "github.com/McKhanster/autoninja-sub001/features/audit/mongo/clients/mongo"
	"github.com/McKhanster/autoninja-sub001/features/model/anthropic"
	"github.com/McKhanster/autoninja-sub001/features/model/bedrock"
	rlpulse "github.com/McKhanster/autoninja-sub001/features/ratelimit/pulse"
	rlredis "github.com/McKhanster/autoninja-sub001/features/ratelimit/redis"
	runmongo "github.com/McKhanster/autoninja-sub001/features/run/mongo"
	runclient "github.com/McKhanster/autoninja-sub001/features/run/mongo/clients/mongo"
	streampulse "github.com/McKhanster/autoninja-sub001/features/stream/pulse"
	clientspulse "github.com/McKhanster/autoninja-sub001/features/stream/pulse/clients/pulse"
	"github.com/McKhanster/autoninja-sub001/runtime/audit"
	auditinmem "github.com/McKhanster/autoninja-sub001/runtime/audit/inmem"
	"github.com/McKhanster/autoninja-sub001/runtime/controller"
	"github.com/McKhanster/autoninja-sub001/runtime/model"
	"github.com/McKhanster/autoninja-sub001/runtime/pipeline"
	pipelineinmem "github.com/McKhanster/autoninja-sub001/runtime/pipeline/inmem"
	"github.com/McKhanster/autoninja-sub001/runtime/ratelimit"
	rlinmem "github.com/McKhanster/autoninja-sub001/runtime/ratelimit/inmem"
	"github.com/McKhanster/autoninja-sub001/runtime/telemetry"
)

type (
	// app holds the wired components of a process.
	app struct {
		coordinator *pipeline.Coordinator
		audit       *audit.Log
		events      *streampulse.Subscriber
		health      health.Checker

		closers []func(context.Context)
	}

	// overrides replaces wired components, mostly for tests.
	overrides struct {
		Model model.Client
		Tools controller.ToolExecutor
	}
)

// build wires the components selected by cfg.
func build(ctx context.Context, cfg *config.Config, ov overrides) (_ *app, err error) {
	var (
		logger  = telemetry.NewClueLogger()
		metrics = telemetry.NewClueMetrics()
		tracer  = telemetry.NewClueTracer()
		pingers []health.Pinger
	)
	a := &app{}
	defer func() {
		if err != nil {
			a.close(context.WithoutCancel(ctx))
		}
	}()

	mdl := ov.Model
	if mdl == nil {
		if mdl, err = newModel(ctx, cfg.Model, logger); err != nil {
			return nil, err
		}
	}

	store, err := a.newLimiterStore(ctx, cfg.Limiter)
	if err != nil {
		return nil, err
	}
	limiter, err := ratelimit.New(store, ratelimit.Options{
		SkewMargin:  cfg.Limiter.SkewMargin,
		MaxAttempts: cfg.Limiter.MaxAttempts,
		Deadline:    cfg.Limiter.Deadline,
		PenaltyBase: cfg.Limiter.PenaltyBase,
		PenaltyMax:  cfg.Limiter.PenaltyMax,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		return nil, err
	}

	var (
		records audit.RecordStore
		runs    pipeline.RunStore
	)
	switch cfg.Audit.Backend {
	case config.BackendMongo:
		mc, err := mongodriver.Connect(options.Client().ApplyURI(cfg.Audit.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		a.closers = append(a.closers, func(ctx context.Context) { _ = mc.Disconnect(ctx) })
		ac, err := auditclient.New(auditclient.Options{
			Client:     mc,
			Database:   cfg.Audit.Database,
			Collection: cfg.Audit.RecordsCollection,
		})
		if err != nil {
			return nil, err
		}
		if records, err = auditmongo.NewStore(ac); err != nil {
			return nil, err
		}
		rc, err := runclient.New(runclient.Options{
			Client:     mc,
			Database:   cfg.Audit.Database,
			Collection: cfg.Audit.RunsCollection,
		})
		if err != nil {
			return nil, err
		}
		if runs, err = runmongo.NewStore(rc); err != nil {
			return nil, err
		}
		pingers = append(pingers, ac, rc)
	default:
		records = auditinmem.NewRecordStore()
		runs = pipelineinmem.NewRunStore()
	}

	var artifacts audit.ArtifactStore
	switch cfg.Artifacts.Backend {
	case config.BackendMinio:
		mc, err := artifactminio.NewClient(artifactminio.ConnOptions{
			Endpoint:  cfg.Artifacts.Endpoint,
			AccessKey: cfg.Artifacts.AccessKey,
			SecretKey: cfg.Artifacts.SecretKey,
			Region:    cfg.Artifacts.Region,
			Secure:    cfg.Artifacts.Secure,
		})
		if err != nil {
			return nil, err
		}
		s, err := artifactminio.New(ctx, artifactminio.Options{
			Client: mc,
			Bucket: cfg.Artifacts.Bucket,
			Region: cfg.Artifacts.Region,
			Prefix: cfg.Artifacts.Prefix,
		})
		if err != nil {
			return nil, err
		}
		artifacts = s
		pingers = append(pingers, s)
	default:
		artifacts = auditinmem.NewArtifactStore()
	}

	if a.audit, err = audit.New(records, artifacts, audit.Options{
		StaleAfter: cfg.Audit.StaleAfter,
		Logger:     logger,
	}); err != nil {
		return nil, err
	}

	ctrl, err := controller.New(controller.Options{
		Model:              mdl,
		Limiter:            limiter,
		Audit:              a.audit,
		Tools:              ov.Tools,
		EndpointKey:        cfg.Limiter.Key,
		MinInterval:        cfg.Limiter.MinInterval,
		ModelID:            cfg.Model.ID,
		MaxTokens:          cfg.Model.MaxTokens,
		Temperature:        cfg.Model.Temperature,
		MaxModelCalls:      cfg.Model.MaxCalls,
		MaxThrottleRetries: cfg.Model.MaxThrottleRetries,
		CallTimeout:        cfg.Model.CallTimeout,
		Logger:             logger,
		Metrics:            metrics,
	})
	if err != nil {
		return nil, err
	}

	var sink pipeline.Sink
	if cfg.Events.Backend == config.BackendPulse {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.Events.RedisAddr})
		a.closers = append(a.closers, func(context.Context) { _ = rdb.Close() })
		pc, err := clientspulse.New(clientspulse.Options{Redis: rdb, StreamMaxLen: cfg.Events.StreamMaxLen})
		if err != nil {
			return nil, err
		}
		s, err := streampulse.NewSink(streampulse.Options{Client: pc})
		if err != nil {
			return nil, err
		}
		sink = s
		if a.events, err = streampulse.NewSubscriber(streampulse.SubscriberOptions{Client: pc}); err != nil {
			return nil, err
		}
	}

	stages, err := newStages(cfg.Pipeline)
	if err != nil {
		return nil, err
	}
	var gate pipeline.Gate
	if cfg.Pipeline.Gate {
		gate = pipeline.DefaultGate(cfg.Pipeline.MinScore)
	}
	if a.coordinator, err = pipeline.New(pipeline.Options{
		Stages:      stages,
		Controller:  ctrl,
		Trail:       a.audit,
		Runs:        runs,
		Events:      sink,
		Gate:        gate,
		MaxAttempts: cfg.Pipeline.MaxAttempts,
		Logger:      logger,
		Metrics:     metrics,
		Tracer:      tracer,
	}); err != nil {
		return nil, err
	}
	a.health = health.NewChecker(pingers...)
	return a, nil
}

// newStages returns the default stages with the configured envelopes
// applied.
func newStages(cfg config.PipelineConfig) ([]pipeline.Stage, error) {
	stages := pipeline.DefaultStages()
	for name, env := range cfg.Envelopes {
		i := slices.IndexFunc(stages, func(s pipeline.Stage) bool { return s.Name == name })
		if i < 0 {
			return nil, fmt.Errorf("pipeline.envelopes: unknown stage %q", name)
		}
		stages[i].Envelope = env
	}
	return stages, nil
}

// close releases the resources of a in reverse order of acquisition.
func (a *app) close(ctx context.Context) {
	if a.coordinator != nil {
		a.coordinator.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i](ctx)
	}
	a.closers = nil
}

func (a *app) newLimiterStore(ctx context.Context, cfg config.LimiterConfig) (ratelimit.Store, error) {
	if cfg.Backend == config.BackendMemory {
		return rlinmem.New(), nil
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	a.closers = append(a.closers, func(context.Context) { _ = rdb.Close() })
	if cfg.Backend == config.BackendRedis {
		return rlredis.New(rlredis.Options{Client: rdb})
	}
	m, err := rmap.Join(ctx, cfg.MapName, rdb)
	if err != nil {
		return nil, fmt.Errorf("join replicated map %s: %w", cfg.MapName, err)
	}
	a.closers = append(a.closers, func(context.Context) { m.Close() })
	return rlpulse.New(m)
}

func newModel(ctx context.Context, cfg config.ModelConfig, logger telemetry.Logger) (model.Client, error) {
	switch cfg.Provider {
	case config.ProviderAnthropic:
		key := cfg.APIKey
		if key == "" {
			key = os.Getenv("ANTHROPIC_API_KEY")
		}
		if key == "" {
			return nil, errors.New("anthropic provider requires model.api_key or ANTHROPIC_API_KEY")
		}
		return anthropic.NewFromAPIKey(key, anthropic.Options{
			DefaultModel: cfg.ID,
			MaxTokens:    cfg.MaxTokens,
			Temperature:  float64(cfg.Temperature),
		})
	default:
		rt, err := bedrock.NewRuntime(ctx, cfg.Region, cfg.AccessKey, cfg.SecretKey, cfg.SessionToken)
		if err != nil {
			return nil, err
		}
		return bedrock.New(bedrock.Options{
			Runtime:     rt,
			Model:       cfg.ID,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
			Logger:      logger,
		})
	}
}
