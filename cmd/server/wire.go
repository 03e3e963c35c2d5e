package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"secshare.io/engine/config"
	"secshare.io/engine/internal/billing"
	"secshare.io/engine/internal/crypto"
	"secshare.io/engine/internal/engine"
	"secshare.io/engine/internal/store"
)

type app struct {
	engine  *engine.Engine
	closers []func() error
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

type backends struct {
	secrets store.SecretStore
	ledger  store.Ledger
	blobs   store.BlobStore
	counter billing.Counter
}

func buildApp(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*app, error) {
	a := &app{}

	b, err := openBackends(ctx, cfg, log, a)
	if err != nil {
		a.Close()
		return nil, err
	}

	key, err := cfg.MasterKey()
	if err != nil {
		a.Close()
		return nil, err
	}
	env, err := crypto.NewEnvelope(key)
	if err != nil {
		a.Close()
		return nil, err
	}

	opts, err := billingOptions(cfg.Billing)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.engine, err = engine.New(engine.Deps{
		Store:   b.secrets,
		Ledger:  b.ledger,
		Blobs:   b.blobs,
		Cipher:  env,
		Billing: billing.NewTracker(b.counter, opts...),
		Logger:  log.WithField("component", "engine"),
	}, policyFrom(cfg))
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func openBackends(ctx context.Context, cfg *config.Config, log *logrus.Logger, a *app) (backends, error) {
	retention := cfg.Secrets.TombstoneRetention

	switch cfg.Store.Type {
	case "redis":
		client, err := store.OpenRedis(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		if err != nil {
			return backends{}, fmt.Errorf("redis connection failed: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		return backends{
			secrets: store.NewRedisStore(client, retention),
			ledger:  store.NewRedisLedger(client),
			blobs:   store.NewRedisBlobStore(client, cfg.Secrets.MaxTTL+retention),
			counter: billing.NewRedisCounter(client),
		}, nil

	case "postgres":
		db, err := store.OpenPostgres(ctx, cfg.Store.Postgres.URL, cfg.Store.Postgres.MaxConns)
		if err != nil {
			return backends{}, fmt.Errorf("postgres connection failed: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		log.Warn("Billing usage is counted in process memory with the postgres store")
		return backends{
			secrets: store.NewPostgresStore(db),
			ledger:  store.NewPostgresLedger(db),
			blobs:   store.NewPostgresBlobStore(db),
			counter: billing.NewMemoryCounter(),
		}, nil

	default:
		return backends{
			secrets: store.NewMemoryStore(),
			ledger:  store.NewMemoryLedger(),
			blobs:   store.NewMemoryBlobStore(),
			counter: billing.NewMemoryCounter(),
		}, nil
	}
}

func policyFrom(cfg *config.Config) engine.Policy {
	p := engine.DefaultPolicy()
	p.DefaultMaxViews = cfg.Secrets.DefaultViews
	p.MaxViews = cfg.Secrets.MaxViews
	p.DefaultTTL = cfg.Secrets.DefaultTTL
	p.MaxTTL = cfg.Secrets.MaxTTL
	p.MaxContentBytes = cfg.Secrets.MaxContentBytes
	p.StoreTimeout = cfg.Secrets.StoreTimeout
	p.TombstoneRetention = cfg.Secrets.TombstoneRetention
	if cfg.Sweeper.BatchSize > 0 {
		p.SweepBatch = cfg.Sweeper.BatchSize
	}
	return p
}

func billingOptions(cfg config.BillingConfig) ([]billing.Option, error) {
	var opts []billing.Option

	if cfg.DefaultPlan != "" {
		p, err := billing.ParsePlan(cfg.DefaultPlan)
		if err != nil {
			return nil, fmt.Errorf("billing default plan: %w", err)
		}
		opts = append(opts, billing.WithDefaultPlan(p))
	}

	if len(cfg.Plans) > 0 {
		plans := make(map[billing.Plan]billing.Limits, len(cfg.Plans))
		for name, limits := range cfg.Plans {
			p, err := billing.ParsePlan(name)
			if err != nil {
				return nil, fmt.Errorf("billing plans: %w", err)
			}
			plans[p] = billing.Limits{
				MonthlySecrets:     limits.MonthlySecrets,
				MaxAttachmentBytes: limits.MaxAttachmentBytes,
			}
		}
		opts = append(opts, billing.WithPlans(plans))
	}

	if len(cfg.Owners) > 0 {
		owners := make(map[string]billing.Plan, len(cfg.Owners))
		for owner, name := range cfg.Owners {
			p, err := billing.ParsePlan(name)
			if err != nil {
				return nil, fmt.Errorf("billing owner %s: %w", owner, err)
			}
			owners[owner] = p
		}
		opts = append(opts, billing.WithOwnerPlans(owners))
	}

	return opts, nil
}
