package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/paperbet/order-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for markets and per-user position lists. Writes go to the primary
// store and invalidate the cache; reads check Redis first then fall back
// to the primary. Transactions run entirely against the primary; keys for
// entities the transaction touched are dropped after commit.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// RunInTx delegates to the primary store, recording which users and
// markets the transaction touched so their cache entries can be dropped
// once the commit succeeds. Between commit and invalidation a reader may
// see a stale cached position for at most one read.
func (s *CachedStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	tracker := &trackingTx{}
	err := s.primary.RunInTx(ctx, func(tx Tx) error {
		tracker.Tx = tx
		return fn(tracker)
	})
	if err != nil {
		return err
	}

	for _, userID := range tracker.users {
		s.rdb.Del(ctx, positionsKey(userID))
	}
	for _, marketID := range tracker.markets {
		s.rdb.Del(ctx, marketKey(marketID))
	}
	return nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.primary.CreateUser(ctx, u)
}

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) UpdateMarketPrices(ctx context.Context, id string, priceYes, priceNo decimal.Decimal, updatedAt time.Time) error {
	if err := s.primary.UpdateMarketPrices(ctx, id, priceYes, priceNo, updatedAt); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, marketKey(id))
	return nil
}

func (s *CachedStore) AddMarketVolume(ctx context.Context, id string, qty int64) error {
	if err := s.primary.AddMarketVolume(ctx, id, qty); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(id))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetMarketBySlug(ctx context.Context, slug string) (*model.Market, error) {
	// Try cache via slug→marketID mapping.
	marketID, err := s.rdb.Get(ctx, slugKey(slug)).Result()
	if err == nil {
		return s.GetMarket(ctx, marketID)
	}

	m, err := s.primary.GetMarketBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}

	// Cache both the market and the slug→ID mapping.
	s.cacheMarket(ctx, m)
	s.rdb.Set(ctx, slugKey(slug), m.ID, s.ttl)
	return m, nil
}

func (s *CachedStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(userID), data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.primary.GetUser(ctx, id)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) ListOpenOrders(ctx context.Context) ([]model.Order, error) {
	return s.primary.ListOpenOrders(ctx)
}

func (s *CachedStore) ListOrdersByUser(ctx context.Context, userID, marketID string) ([]model.Order, error) {
	return s.primary.ListOrdersByUser(ctx, userID, marketID)
}

func (s *CachedStore) ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	return s.primary.ListTradesByUser(ctx, userID)
}

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

// trackingTx records users and markets mutated through the transaction.
type trackingTx struct {
	Tx
	users   []string
	markets []string
}

func (t *trackingTx) UpdateUserBalances(ctx context.Context, id string, free, reserved decimal.Decimal) error {
	t.users = append(t.users, id)
	return t.Tx.UpdateUserBalances(ctx, id, free, reserved)
}

func (t *trackingTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	t.users = append(t.users, p.UserID)
	t.markets = append(t.markets, p.MarketID)
	return t.Tx.UpsertPosition(ctx, p)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func marketKey(id string) string      { return fmt.Sprintf("market:%s", id) }
func slugKey(slug string) string      { return fmt.Sprintf("market-slug:%s", slug) }
func positionsKey(uid string) string  { return fmt.Sprintf("positions:%s", uid) }
