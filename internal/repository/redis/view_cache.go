package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/utafrali/storecart/internal/domain"
	"github.com/utafrali/storecart/internal/repository"
)

const viewKeyPrefix = "cart:view:"

// ViewCache stores formatted carts in one hash per cart, one field per
// (locale, currency). Invalidating a cart drops every context at once.
type ViewCache struct {
	client *redis.Client
	ttl    time.Duration
}

var _ repository.ViewCache = (*ViewCache)(nil)

// NewViewCache creates a Redis-backed formatted cart cache.
func NewViewCache(client *redis.Client, ttl time.Duration) *ViewCache {
	return &ViewCache{
		client: client,
		ttl:    ttl,
	}
}

func viewField(locale, currency string) string {
	return locale + ":" + currency
}

// Get returns the cached view or nil on a miss.
func (c *ViewCache) Get(ctx context.Context, cartID, locale, currency string) (*domain.FormattedCart, error) {
	data, err := c.client.HGet(ctx, viewKeyPrefix+cartID, viewField(locale, currency)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis hget cart view: %w", err)
	}

	var view domain.FormattedCart
	if err := json.Unmarshal(data, &view); err != nil {
		return nil, fmt.Errorf("unmarshal cart view: %w", err)
	}
	return &view, nil
}

// Set caches the view under the cart's current locale and currency.
func (c *ViewCache) Set(ctx context.Context, view *domain.FormattedCart) error {
	if view == nil || view.Cart == nil {
		return nil
	}
	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("marshal cart view: %w", err)
	}

	key := viewKeyPrefix + view.Cart.ID
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, viewField(view.Cart.Locale, view.Cart.Currency), data)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis hset cart view: %w", err)
	}
	return nil
}

// Invalidate drops every cached context of the cart.
func (c *ViewCache) Invalidate(ctx context.Context, cartID string) error {
	if err := c.client.Del(ctx, viewKeyPrefix+cartID).Err(); err != nil {
		return fmt.Errorf("redis del cart view: %w", err)
	}
	return nil
}
