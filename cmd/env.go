package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/profile-reconciler/internal/batch"
	"github.com/sells-group/profile-reconciler/internal/confidence"
	"github.com/sells-group/profile-reconciler/internal/config"
	"github.com/sells-group/profile-reconciler/internal/reconcile"
	"github.com/sells-group/profile-reconciler/internal/resilience"
	"github.com/sells-group/profile-reconciler/internal/retry"
	"github.com/sells-group/profile-reconciler/internal/store"
	"github.com/sells-group/profile-reconciler/internal/verify"
	"github.com/sells-group/profile-reconciler/pkg/anthropic"
)

// engineEnv holds the store and the components built on it that the
// reconcile/merge/quarantine/serve commands share.
type engineEnv struct {
	Store      store.Store
	Engine     *reconcile.Engine
	Scorer     *confidence.Scorer
	Quarantine *verify.QuarantineLog
}

// Close releases resources held by the environment.
func (e *engineEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "reconciler.db"
		}
		st, err := store.NewSQLite(dsn)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "postgres":
		var pool *store.PoolConfig
		if cfg.Store.MaxConns > 0 || cfg.Store.MinConns > 0 {
			pool = &store.PoolConfig{MaxConns: cfg.Store.MaxConns, MinConns: cfg.Store.MinConns}
		}
		st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, pool)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEngine validates the config for mode, opens and migrates the store, and
// builds the engine. Callers should defer env.Close().
func initEngine(ctx context.Context, mode string) (*engineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	env, err := buildEngine(st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return env, nil
}

func buildEngine(st store.Store) (*engineEnv, error) {
	scorer, err := loadScorer()
	if err != nil {
		return nil, err
	}

	q, err := verify.NewQuarantineLog(cfg.Quarantine.Dir)
	if err != nil {
		return nil, err
	}

	writer := batch.NewWriter(st, batch.WithPipelineVersion(cfg.Reconcile.PipelineVersion))
	eng := reconcile.New(st, verify.NewGate(verifyOptions(cfg)), scorer, writer, q,
		reconcile.WithWorkers(cfg.Reconcile.Workers),
		reconcile.WithExpiryThreshold(cfg.Reconcile.ExpiryThreshold),
		reconcile.WithFieldPolicies(cfg.Reconcile.FieldPolicies()),
	)

	zap.L().Info("engine ready",
		zap.String("store", cfg.Store.Driver),
		zap.Int("workers", cfg.Reconcile.Workers),
		zap.Int("sources", len(scorer.Tables().SourcePriority)),
		zap.Bool("ai_layer2", cfg.Verify.AILayer2),
		zap.Bool("ai_layer3", cfg.Verify.AILayer3),
	)

	return &engineEnv{Store: st, Engine: eng, Scorer: scorer, Quarantine: q}, nil
}

// loadScorer builds the scorer over the configured tables, or the defaults
// when no tables file is set.
func loadScorer() (*confidence.Scorer, error) {
	tables := confidence.DefaultTables()
	if cfg.Reconcile.TablesPath != "" {
		t, err := confidence.LoadTables(cfg.Reconcile.TablesPath)
		if err != nil {
			return nil, eris.Wrap(err, "load confidence tables")
		}
		tables = t
	}
	return confidence.NewScorer(tables), nil
}

// verifyOptions maps the verify and anthropic sections onto gate options.
// The AI verifier is only built when a layer is enabled and a key is set.
func verifyOptions(c *config.Config) verify.Options {
	rules := verify.DefaultRules()
	if c.Verify.RequiredFields != nil {
		rules.Required = c.Verify.RequiredFields
	}
	for field, kind := range c.Verify.FieldKinds {
		rules.Kinds[field] = verify.FieldKind(kind)
	}

	opts := verify.Options{
		Rules:     rules,
		Layer2:    c.Verify.AILayer2,
		Layer3:    c.Verify.AILayer3,
		AITimeout: c.Verify.AITimeout(),
	}
	if (opts.Layer2 || opts.Layer3) && c.Anthropic.Key != "" {
		opts.AI = verify.NewClaudeVerifier(anthropic.NewClient(c.Anthropic.Key), verify.ClaudeConfig{
			FastModel:         c.Anthropic.HaikuModel,
			DeepModel:         c.Anthropic.SonnetModel,
			MaxTokens:         c.Anthropic.MaxTokens,
			RequestsPerSecond: c.Anthropic.RequestsPerSecond,
			Burst:             c.Anthropic.Burst,
			Retry:             resilience.DefaultPolicy(),
		})
	}
	return opts
}

// initRunner builds the quarantine retry runner over env.
func initRunner(env *engineEnv) (*retry.Runner, error) {
	strategies := retry.DefaultStrategies()
	if cfg.Retry.StrategiesPath != "" {
		s, err := retry.LoadStrategies(cfg.Retry.StrategiesPath)
		if err != nil {
			return nil, err
		}
		strategies = s
	}

	learning, err := retry.NewLearningLog(cfg.Retry.LearningDir)
	if err != nil {
		return nil, err
	}

	sel := retry.NewSelector(strategies,
		retry.WithFallbackMethod(cfg.Retry.FallbackMethod),
		retry.WithAttemptBudget(cfg.Retry.AttemptBudget),
	)

	var enrOpts []retry.HTTPOption
	if cfg.Retry.ProducerToken != "" {
		enrOpts = append(enrOpts, retry.WithToken(cfg.Retry.ProducerToken))
	}
	enricher := retry.NewHTTPEnricher(cfg.Retry.ProducerURL, enrOpts...)

	backoff := resilience.DefaultPolicy()
	if cfg.Retry.InitialBackoffMs > 0 {
		backoff.InitialBackoff = time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond
	}
	if cfg.Retry.MaxBackoffSecs > 0 {
		backoff.MaxBackoff = time.Duration(cfg.Retry.MaxBackoffSecs) * time.Second
	}

	bc := resilience.DefaultBreakerConfig()
	if cfg.Retry.BreakerThreshold > 0 {
		bc.Threshold = cfg.Retry.BreakerThreshold
	}
	if cfg.Retry.BreakerCooldownSecs > 0 {
		bc.Cooldown = time.Duration(cfg.Retry.BreakerCooldownSecs) * time.Second
	}

	return retry.NewRunner(sel, enricher, env.Engine, env.Quarantine, learning,
		retry.WithBackoff(backoff),
		retry.WithBreakerConfig(bc),
	), nil
}
