package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/pool-settlement/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL or SQLite) with a Redis
// read-through cache of polls and wallet accounts. Writes go to the primary
// store and invalidate the affected keys; reads check Redis first then fall
// back to the primary. Settlement decisions are always taken inside primary
// store operations, so a stale cached poll can only cause an early rejection.
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

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreatePoll(ctx context.Context, p *model.Poll) error {
	if err := s.primary.CreatePoll(ctx, p); err != nil {
		return err
	}
	s.cache(ctx, pollKey(p.ID), p)
	return nil
}

func (s *CachedStore) TransitionPoll(ctx context.Context, id string, round int, from, to model.PollStatus) error {
	defer s.invalidate(ctx, pollKey(id))
	return s.primary.TransitionPoll(ctx, id, round, from, to)
}

func (s *CachedStore) PlaceStake(ctx context.Context, st *model.Stake, debit *model.WalletTransaction) (*model.Stake, bool, error) {
	defer s.invalidate(ctx, accountKey(debit.UserID))
	return s.primary.PlaceStake(ctx, st, debit)
}

func (s *CachedStore) CreateAccount(ctx context.Context, userID string) (*model.WalletAccount, error) {
	acc, err := s.primary.CreateAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, accountKey(userID), acc)
	return acc, nil
}

func (s *CachedStore) ApplyTransaction(ctx context.Context, tx *model.WalletTransaction) (*model.WalletTransaction, bool, error) {
	// Invalidate even on error: a failed commit acknowledgement may still
	// have committed.
	defer s.invalidate(ctx, accountKey(tx.UserID))
	return s.primary.ApplyTransaction(ctx, tx)
}

func (s *CachedStore) BeginEvent(ctx context.Context, ev *model.SettlementEvent, from []model.PollStatus) (*model.SettlementEvent, error) {
	defer s.invalidate(ctx, pollKey(ev.PollID))
	return s.primary.BeginEvent(ctx, ev, from)
}

func (s *CachedStore) FinalizePoll(ctx context.Context, f model.Finalization) error {
	defer s.invalidate(ctx, pollKey(f.PollID))
	return s.primary.FinalizePoll(ctx, f)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPoll(ctx context.Context, id string) (*model.Poll, error) {
	var p model.Poll
	if s.lookup(ctx, pollKey(id), &p) {
		return &p, nil
	}

	// Cache miss: read from primary.
	poll, err := s.primary.GetPoll(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, pollKey(id), poll)
	return poll, nil
}

func (s *CachedStore) GetAccount(ctx context.Context, userID string) (*model.WalletAccount, error) {
	var acc model.WalletAccount
	if s.lookup(ctx, accountKey(userID), &acc) {
		return &acc, nil
	}

	account, err := s.primary.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, accountKey(userID), account)
	return account, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListPolls(ctx context.Context) ([]model.Poll, error) {
	return s.primary.ListPolls(ctx)
}

func (s *CachedStore) ListStakes(ctx context.Context, pollID string) ([]model.Stake, error) {
	return s.primary.ListStakes(ctx, pollID)
}

func (s *CachedStore) UserExposure(ctx context.Context, userID string) (map[string]decimal.Decimal, error) {
	return s.primary.UserExposure(ctx, userID)
}

func (s *CachedStore) ListOddsSnapshots(ctx context.Context, pollID string) ([]model.OddsSnapshot, error) {
	return s.primary.ListOddsSnapshots(ctx, pollID)
}

func (s *CachedStore) ListTransactions(ctx context.Context, userID string) ([]model.WalletTransaction, error) {
	return s.primary.ListTransactions(ctx, userID)
}

func (s *CachedStore) GetEvent(ctx context.Context, id string) (*model.SettlementEvent, error) {
	return s.primary.GetEvent(ctx, id)
}

func (s *CachedStore) FailEvent(ctx context.Context, id, reason string) error {
	return s.primary.FailEvent(ctx, id, reason)
}

func (s *CachedStore) ReopenEvent(ctx context.Context, id string) error {
	return s.primary.ReopenEvent(ctx, id)
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, key string) {
	if err := s.rdb.Del(context.WithoutCancel(ctx), key).Err(); err != nil {
		slog.Warn("cache invalidation failed", "key", key, "error", err)
	}
}

func pollKey(id string) string     { return fmt.Sprintf("poll:%s", id) }
func accountKey(uid string) string { return fmt.Sprintf("wallet:%s", uid) }
