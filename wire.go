package main

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"

	"github.com/alimasry/go-camp/audit"
	"github.com/alimasry/go-camp/auth"
	"github.com/alimasry/go-camp/cache"
	"github.com/alimasry/go-camp/config"
	"github.com/alimasry/go-camp/cook"
	"github.com/alimasry/go-camp/schema"
	"github.com/alimasry/go-camp/service"
	"github.com/alimasry/go-camp/store"
	"github.com/alimasry/go-camp/store/postgres"
)

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "postgres":
		return postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func openCache(ctx context.Context, cfg config.CacheConfig, log zerolog.Logger) (*cache.MemoryCache, error) {
	var backend cache.Backend
	switch cfg.Backend {
	case "memory":
		b, err := cache.NewRistrettoBackend(cfg.MaxBytes)
		if err != nil {
			return nil, err
		}
		backend = b
	case "firestore":
		client, err := firestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, fmt.Errorf("firestore client: %w", err)
		}
		backend = cache.NewFirestoreBackend(client, cfg.FirestoreCollection)
	case "none":
		backend = cache.NopBackend{}
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
	return cache.New(backend, cache.Options{Logger: log, RetryInterval: cfg.RetryInterval}), nil
}

func newCooker(name string) (cook.Cooker, error) {
	switch name {
	case "passthrough":
		return cook.Passthrough, nil
	case "associations":
		return cook.EmbedAssociations, nil
	default:
		return nil, fmt.Errorf("unknown cook processor %q", name)
	}
}

// newService wires a Service from cfg. c and notifier may be nil.
func newService(st store.Store, cfg *config.Config, c *cache.MemoryCache, notifier service.Notifier, log zerolog.Logger) (*service.Service, error) {
	validator, err := schema.NewValidator(nil)
	if cfg.Schema.Dir != "" {
		validator, err = schema.LoadDir(cfg.Schema.Dir)
	}
	if err != nil {
		return nil, err
	}
	log.Debug().Int("namespaces", validator.Namespaces()).Msg("schemas loaded")

	cooker, err := newCooker(cfg.Cook.Processor)
	if err != nil {
		return nil, err
	}
	authz, err := auth.NewEnforcer()
	if err != nil {
		return nil, err
	}

	return service.New(st, service.Options{
		Cache:     c,
		Cooker:    cooker,
		Validator: validator,
		Authz:     authz,
		Audit:     audit.NewLogger(log),
		Notifier:  notifier,
		Logger:    log,
	})
}

// bootstrapAdmin seeds the configured admin into an empty store.
func bootstrapAdmin(ctx context.Context, svc *service.Service, name string, log zerolog.Logger) error {
	if name == "" {
		return nil
	}
	u, err := svc.EnsureAdmin(ctx, name)
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	if u != nil {
		log.Info().Int64("user_id", u.ID).Str("name", u.Name).Msg("bootstrap admin created")
	}
	return nil
}
