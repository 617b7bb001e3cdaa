package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pointapp_back_end/internal/audit"
	"pointapp_back_end/internal/cache"
	"pointapp_back_end/internal/config"
	"pointapp_back_end/internal/database"
	"pointapp_back_end/internal/ecstore"
	"pointapp_back_end/internal/events"
	"pointapp_back_end/internal/middleware"
	"pointapp_back_end/internal/notify"
	"pointapp_back_end/internal/payments"
	"pointapp_back_end/internal/search"
	"pointapp_back_end/internal/storage"
	"pointapp_back_end/internal/workflow"
)

const storeCacheTTL = 5 * time.Minute

type backend struct {
	deps    workflow.Deps
	limiter middleware.Limiter
	close   func()
}

func newBackend(ctx context.Context, cfg config.Config, log *zap.Logger) (*backend, error) {
	switch cfg.StorageBackend {
	case config.BackendMemory:
		return memoryBackend(cfg, log)
	case config.BackendScylla:
		return scyllaBackend(ctx, cfg, log)
	}
	return nil, fmt.Errorf("STORAGE_BACKEND inconnu: %q", cfg.StorageBackend)
}

func isInsufficient(err error) bool { return errors.Is(err, ecstore.ErrInsufficientDeposit) }

// memoryBackend sert au développement local et aux démos : rien n'est persisté
func memoryBackend(cfg config.Config, log *zap.Logger) (*backend, error) {
	if cfg.IsProduction() {
		return nil, errors.New("le backend mémoire est interdit en production")
	}
	log.Warn("⚠️ Backend mémoire : les données seront perdues à l'arrêt")

	repo := ecstore.NewMemoryRepository()
	repo.SeedDefaults()

	card, err := cardCharger(cfg, log)
	if err != nil {
		return nil, err
	}

	return &backend{
		deps: workflow.Deps{
			Repo:        repo,
			Locker:      cache.NewMemoryLocker(),
			Idempotency: cache.NewMemoryIdempotency(),
			Receipts:    storage.NewMemoryStore(cfg.ReceiptMaxBytes),
			Index:       search.NewMemoryIndex(),
			Charger:     &payments.Router{Card: card, Deposit: repo, IsInsufficient: isInsufficient},
			Notifier:    notify.NewNotifier(mailer(cfg, log), log),
			Events:      events.NewMemoryBroker(),
			Audit:       &audit.MemoryRecorder{},
			Log:         log,
		},
		limiter: cache.NewMemoryRateLimiter(),
		close:   func() {},
	}, nil
}

func scyllaBackend(ctx context.Context, cfg config.Config, log *zap.Logger) (*backend, error) {
	conns, err := database.Connect(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	session, err := conns.Scylla.Session()
	if err != nil {
		conns.Close()
		return nil, err
	}

	repo := cache.NewStoreCache(ecstore.NewScyllaRepository(session, log), conns.Redis, storeCacheTTL, log)

	var receipts workflow.ReceiptStore
	if conns.MinIO != nil {
		store := storage.NewMinioStore(conns.MinIO, cfg.MinIO.Bucket, cfg.ReceiptMaxBytes)
		if err := store.EnsureBucket(ctx); err != nil {
			conns.Close()
			return nil, fmt.Errorf("bucket MinIO: %w", err)
		}
		receipts = store
	} else {
		if cfg.IsProduction() {
			conns.Close()
			return nil, errors.New("MINIO_ENDPOINT requis en production")
		}
		receipts = storage.NewMemoryStore(cfg.ReceiptMaxBytes)
	}

	var index workflow.Indexer
	if conns.Elastic != nil {
		es := search.NewElasticIndex(conns.Elastic, cfg.Elastic.Index, log)
		if err := es.EnsureIndex(ctx); err != nil {
			conns.Close()
			return nil, fmt.Errorf("index Elastic: %w", err)
		}
		index = es
	} else {
		index = search.NewMemoryIndex()
	}

	card, err := cardCharger(cfg, log)
	if err != nil {
		conns.Close()
		return nil, err
	}

	return &backend{
		deps: workflow.Deps{
			Repo:        repo,
			Locker:      cache.NewRedisLocker(conns.Redis),
			Idempotency: cache.NewRedisIdempotency(conns.Redis, cfg.IdempotencyTTL),
			Receipts:    receipts,
			Index:       index,
			Charger:     &payments.Router{Card: card, Deposit: repo, IsInsufficient: isInsufficient},
			Notifier:    notify.NewNotifier(mailer(cfg, log), log),
			Events:      events.NewRedisBroker(conns.Redis, log),
			Audit:       audit.NewScyllaRecorder(session, log),
			Log:         log,
		},
		limiter: cache.NewRedisRateLimiter(conns.Redis),
		close:   conns.Close,
	}, nil
}

func cardCharger(cfg config.Config, log *zap.Logger) (payments.CardCharger, error) {
	if cfg.StripeSecretKey != "" {
		log.Info("✅ Stripe initialisé")
		return payments.NewStripeCharger(cfg.StripeSecretKey), nil
	}
	if cfg.IsProduction() {
		return nil, errors.New("STRIPE_SECRET_KEY manquant")
	}
	log.Warn("⚠️ STRIPE_SECRET_KEY absent, paiements carte simulés")
	return &payments.FakeCard{}, nil
}

func mailer(cfg config.Config, log *zap.Logger) notify.Mailer {
	if cfg.SMTP.Host == "" {
		log.Warn("⚠️ SMTP_HOST absent, notifications e-mail désactivées")
		return notify.NopMailer{}
	}
	return notify.NewSMTPMailer(cfg.SMTP, log)
}
