package main

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/order-cli/internal/alias"
	"github.com/sells-group/order-cli/internal/config"
	"github.com/sells-group/order-cli/internal/extract"
	"github.com/sells-group/order-cli/internal/lock"
	"github.com/sells-group/order-cli/internal/matcher"
	"github.com/sells-group/order-cli/internal/normalize"
	"github.com/sells-group/order-cli/internal/orderstate"
	"github.com/sells-group/order-cli/internal/resilience"
	"github.com/sells-group/order-cli/internal/store"
	"github.com/sells-group/order-cli/pkg/anthropic"
)

// orderEnv holds the store and the merge engine shared by the commands.
type orderEnv struct {
	Store  store.Store
	Engine *orderstate.Engine
	redis  *redis.Client
}

// Close releases resources held by the environment.
func (oe *orderEnv) Close() {
	if oe.redis != nil {
		_ = oe.redis.Close()
	}
	if oe.Store != nil {
		_ = oe.Store.Close()
	}
}

func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	switch c.Store.Driver {
	case "sqlite":
		return store.NewSQLite(c.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: c.Store.MaxConns,
			MinConns: c.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
}

// initEnv validates the config for mode, opens and migrates the store, and
// builds the engine. The extractor is wired only when withExtractor is set.
// Callers should defer env.Close().
func initEnv(ctx context.Context, c *config.Config, mode string, withExtractor bool) (*orderEnv, error) {
	if err := c.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx, c)
	if err != nil {
		return nil, err
	}
	env := &orderEnv{Store: st}

	if err := st.Migrate(ctx); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	resolver, err := initResolver(c, st)
	if err != nil {
		env.Close()
		return nil, err
	}
	merger := orderstate.NewMerger(matcher.New(resolver, c.Matching.MinConfidence), c.Matching.MergeThreshold)

	opts := []orderstate.EngineOption{}
	if c.Lock.Backend == "redis" {
		env.redis = redis.NewClient(&redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		opts = append(opts, orderstate.WithLocker(lock.NewRedis(env.redis, lock.RedisConfig{
			TTL:  c.Lock.TTL,
			Wait: c.Lock.Wait,
		})))
		zap.L().Info("using redis conversation lock", zap.String("addr", c.Redis.Addr))
	}
	if withExtractor {
		opts = append(opts, orderstate.WithExtractor(initExtractor(c)))
	}

	env.Engine = orderstate.NewEngine(merger, st, opts...)
	return env, nil
}

func initResolver(c *config.Config, st store.Store) (*alias.Resolver, error) {
	n := normalize.Default()

	var table *alias.Table
	var err error
	if c.Matching.AliasFile != "" {
		table, err = alias.LoadTable(c.Matching.AliasFile, n)
	} else {
		table, err = alias.DefaultTable(n)
	}
	if err != nil {
		return nil, eris.Wrap(err, "load alias table")
	}

	var cache alias.Cache
	switch c.Cache.Backend {
	case "memory":
		cache = alias.NewMemoryCache()
	default:
		cache = alias.NewBreakerCache(st, resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             "mapping_cache",
			FailureThreshold: c.Cache.FailureThreshold,
			ResetTimeout:     c.Cache.ResetTimeout,
		}))
	}

	zap.L().Debug("alias table loaded", zap.Int("entries", table.Len()), zap.String("cache", c.Cache.Backend))
	return alias.NewResolver(n, table, alias.WithCache(cache), alias.WithRecordMin(c.Matching.CacheRecordMin)), nil
}

func initExtractor(c *config.Config) *extract.Extractor {
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = c.Extract.RetryAttempts
	retry.OnRetry = resilience.RetryLogger("anthropic", "extract")

	return extract.New(anthropic.NewClient(c.Anthropic.Key), extract.Config{
		Model:         c.Anthropic.Model,
		MaxTokens:     c.Anthropic.MaxTokens,
		RatePerSecond: c.Extract.RatePerSecond,
		Burst:         c.Extract.Burst,
		Retry:         retry,
	})
}
