package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"pointapp_back_end/internal/ecstore"
	"pointapp_back_end/internal/models"
)

// StoreCache enveloppe un Repository et garde les magasins dans Redis.
// Redis d'abord, puis la base, puis mise en cache.
type StoreCache struct {
	ecstore.Repository
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

func NewStoreCache(repo ecstore.Repository, client *redis.Client, ttl time.Duration, log *zap.Logger) *StoreCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &StoreCache{Repository: repo, client: client, ttl: ttl, log: log}
}

func storeKey(id string) string { return "store:" + id }

// cachedStore garde tous les champs, y compris ceux masqués dans l'API
type cachedStore struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Email               string    `json:"email"`
	StripeCustomerID    string    `json:"stripe_customer_id"`
	StripePaymentMethod string    `json:"stripe_payment_method"`
	DepositBalance      int64     `json:"deposit_balance"`
	CreatedAt           time.Time `json:"created_at"`
}

func toCached(s *models.Store) cachedStore {
	return cachedStore{
		ID:                  s.ID,
		Name:                s.Name,
		Email:               s.Email,
		StripeCustomerID:    s.StripeCustomerID,
		StripePaymentMethod: s.StripePaymentMethod,
		DepositBalance:      s.DepositBalance,
		CreatedAt:           s.CreatedAt,
	}
}

func (c cachedStore) store() *models.Store {
	return &models.Store{
		ID:                  c.ID,
		Name:                c.Name,
		Email:               c.Email,
		StripeCustomerID:    c.StripeCustomerID,
		StripePaymentMethod: c.StripePaymentMethod,
		DepositBalance:      c.DepositBalance,
		CreatedAt:           c.CreatedAt,
	}
}

func (c *StoreCache) GetStore(ctx context.Context, id string) (*models.Store, error) {
	raw, err := c.client.Get(ctx, storeKey(id)).Bytes()
	if err == nil {
		var cached cachedStore
		if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
			return cached.store(), nil
		}
	} else if !errors.Is(err, redis.Nil) {
		c.log.Warn("⚠️ Redis indisponible pour le magasin", zap.String("store_id", id), zap.Error(err))
	}

	s, err := c.Repository.GetStore(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(toCached(s)); err == nil {
		if err := c.client.Set(ctx, storeKey(id), data, c.ttl).Err(); err != nil {
			c.log.Warn("⚠️ mise en cache du magasin échouée", zap.String("store_id", id), zap.Error(err))
		}
	}
	return s, nil
}

// ConsumeDeposit invalide l'entrée : le solde vient de changer
func (c *StoreCache) ConsumeDeposit(ctx context.Context, storeID string, amount int64) (int64, error) {
	left, err := c.Repository.ConsumeDeposit(ctx, storeID, amount)
	if delErr := c.client.Del(ctx, storeKey(storeID)).Err(); delErr != nil {
		c.log.Warn("⚠️ invalidation cache magasin échouée", zap.String("store_id", storeID), zap.Error(delErr))
	}
	return left, err
}
