package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/pool-settlement/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
// A single mutex serializes all writes, so it never reports ErrConflict.
type MemoryStore struct {
	mu        sync.RWMutex
	polls     map[string]*model.Poll
	stakes    []model.Stake
	accounts  map[string]*model.WalletAccount
	txs       []model.WalletTransaction
	txIndex   map[string]int // user+key → index into txs
	events    map[string]*model.SettlementEvent
	snapshots []model.OddsSnapshot
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		polls:    make(map[string]*model.Poll),
		accounts: make(map[string]*model.WalletAccount),
		txIndex:  make(map[string]int),
		events:   make(map[string]*model.SettlementEvent),
	}
}

// --- Polls ---

func (s *MemoryStore) CreatePoll(_ context.Context, p *model.Poll) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.polls[p.ID]; ok {
		return fmt.Errorf("poll %s: %w", p.ID, model.ErrDuplicate)
	}
	s.polls[p.ID] = clonePoll(p)
	return nil
}

func (s *MemoryStore) GetPoll(_ context.Context, id string) (*model.Poll, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.polls[id]
	if !ok {
		return nil, fmt.Errorf("poll %s: %w", id, model.ErrNotFound)
	}
	return clonePoll(p), nil
}

func (s *MemoryStore) ListPolls(_ context.Context) ([]model.Poll, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	polls := make([]model.Poll, 0, len(s.polls))
	for _, p := range s.polls {
		polls = append(polls, *clonePoll(p))
	}
	sort.Slice(polls, func(i, j int) bool {
		return polls[i].CreatedAt.After(polls[j].CreatedAt)
	})
	return polls, nil
}

func (s *MemoryStore) TransitionPoll(_ context.Context, id string, round int, from, to model.PollStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.polls[id]
	if !ok {
		return fmt.Errorf("poll %s: %w", id, model.ErrNotFound)
	}
	if p.Round != round || p.Status != from {
		return fmt.Errorf("poll %s is %s at round %d, expected %s at %d: %w",
			id, p.Status, p.Round, from, round, model.ErrConflict)
	}
	p.Status = to
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Stake ledger ---

func (s *MemoryStore) PlaceStake(_ context.Context, st *model.Stake, debit *model.WalletTransaction) (*model.Stake, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.stakes {
		if existing.ID == st.ID {
			c := existing
			return &c, true, nil
		}
	}

	p, ok := s.polls[st.PollID]
	if !ok {
		return nil, false, fmt.Errorf("poll %s: %w", st.PollID, model.ErrNotFound)
	}
	if p.Status != model.PollOpen {
		return nil, false, fmt.Errorf("poll %s is %s: %w", p.ID, p.Status, model.ErrInvalidState)
	}

	if _, replayed, err := s.applyLocked(debit); err != nil {
		return nil, false, err
	} else if replayed {
		return nil, false, purgedStake(st.ID)
	}
	s.stakes = append(s.stakes, *st)
	s.snapshots = append(s.snapshots, *newSnapshot(st.PollID, s.stakesLocked(st.PollID), st.PlacedAt))

	c := *st
	return &c, false, nil
}

func (s *MemoryStore) ListStakes(_ context.Context, pollID string) ([]model.Stake, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stakesLocked(pollID), nil
}

func (s *MemoryStore) stakesLocked(pollID string) []model.Stake {
	var result []model.Stake
	for _, st := range s.stakes {
		if st.PollID == pollID {
			result = append(result, st)
		}
	}
	return result
}

func (s *MemoryStore) UserExposure(_ context.Context, userID string) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exposure := make(map[string]decimal.Decimal)
	for _, st := range s.stakes {
		if st.UserID == userID && !st.Closed {
			exposure[st.PollID] = exposure[st.PollID].Add(st.Amount)
		}
	}
	return exposure, nil
}

func (s *MemoryStore) ListOddsSnapshots(_ context.Context, pollID string) ([]model.OddsSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.OddsSnapshot
	for _, snap := range s.snapshots {
		if snap.PollID == pollID {
			result = append(result, snap)
		}
	}
	return result, nil
}

// --- Wallet ledger ---

func (s *MemoryStore) CreateAccount(_ context.Context, userID string) (*model.WalletAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[userID]; ok {
		return nil, fmt.Errorf("account %s: %w", userID, model.ErrDuplicate)
	}
	now := time.Now().UTC()
	acc := &model.WalletAccount{UserID: userID, Balance: decimal.Zero, CreatedAt: now, UpdatedAt: now}
	s.accounts[userID] = acc
	c := *acc
	return &c, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.WalletAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", userID, model.ErrNotFound)
	}
	c := *acc
	return &c, nil
}

func (s *MemoryStore) ApplyTransaction(_ context.Context, tx *model.WalletTransaction) (*model.WalletTransaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(tx)
}

// applyLocked is ApplyTransaction with s.mu already held.
func (s *MemoryStore) applyLocked(tx *model.WalletTransaction) (*model.WalletTransaction, bool, error) {
	if i, ok := s.txIndex[txKey(tx.UserID, tx.IdempotencyKey)]; ok {
		c := s.txs[i]
		return &c, true, nil
	}

	acc, ok := s.accounts[tx.UserID]
	if !ok {
		return nil, false, fmt.Errorf("account %s: %w", tx.UserID, model.ErrNotFound)
	}
	balance, err := nextBalance(acc.Balance, tx)
	if err != nil {
		return nil, false, err
	}

	acc.Balance = balance
	acc.UpdatedAt = tx.CreatedAt
	stored := *tx
	stored.BalanceAfter = balance
	s.txs = append(s.txs, stored)
	s.txIndex[txKey(tx.UserID, tx.IdempotencyKey)] = len(s.txs) - 1
	return &stored, false, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, userID string) ([]model.WalletTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WalletTransaction
	for _, tx := range s.txs {
		if tx.UserID == userID {
			result = append(result, tx)
		}
	}
	return result, nil
}

// --- Settlement events ---

func (s *MemoryStore) BeginEvent(_ context.Context, ev *model.SettlementEvent, from []model.PollStatus) (*model.SettlementEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.events[ev.ID]; ok {
		c := *existing
		return &c, nil
	}
	p, ok := s.polls[ev.PollID]
	if !ok {
		return nil, fmt.Errorf("poll %s: %w", ev.PollID, model.ErrNotFound)
	}
	if err := claimable(p, ev, from); err != nil {
		return nil, err
	}
	for _, other := range s.events {
		if other.PollID == ev.PollID && other.Status == model.EventPending {
			return nil, fmt.Errorf("poll %s has pending event %s: %w", ev.PollID, other.ID, model.ErrConflict)
		}
	}
	if p.Status == model.PollOpen {
		p.Status = model.PollClosed
		p.UpdatedAt = ev.TriggeredAt
	}

	stored := *ev
	s.events[ev.ID] = &stored
	c := stored
	return &c, nil
}

func (s *MemoryStore) GetEvent(_ context.Context, id string) (*model.SettlementEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("settlement event %s: %w", id, model.ErrNotFound)
	}
	c := *ev
	return &c, nil
}

func (s *MemoryStore) FailEvent(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[id]
	if !ok {
		return fmt.Errorf("settlement event %s: %w", id, model.ErrNotFound)
	}
	if ev.Status == model.EventCompleted {
		return fmt.Errorf("settlement event %s already completed: %w", id, model.ErrInvalidState)
	}
	ev.Status = model.EventFailed
	ev.FailureReason = reason
	return nil
}

func (s *MemoryStore) ReopenEvent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[id]
	if !ok {
		return fmt.Errorf("settlement event %s: %w", id, model.ErrNotFound)
	}
	if ev.Status != model.EventFailed {
		return fmt.Errorf("settlement event %s is %s: %w", id, ev.Status, model.ErrInvalidState)
	}
	ev.Status = model.EventPending
	ev.FailureReason = ""
	return nil
}

func (s *MemoryStore) FinalizePoll(_ context.Context, f model.Finalization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.polls[f.PollID]
	if !ok {
		return fmt.Errorf("poll %s: %w", f.PollID, model.ErrNotFound)
	}
	ev, ok := s.events[f.EventID]
	if !ok {
		return fmt.Errorf("settlement event %s: %w", f.EventID, model.ErrNotFound)
	}
	if err := finalizable(f.EventID, ev.Status); err != nil {
		return err
	}
	if p.Round != f.Round {
		return fmt.Errorf("poll %s moved to round %d, expected %d: %w", p.ID, p.Round, f.Round, model.ErrConflict)
	}

	switch {
	case f.PurgeStakes:
		kept := s.stakes[:0]
		for _, st := range s.stakes {
			if st.PollID != f.PollID {
				kept = append(kept, st)
			}
		}
		s.stakes = kept
		snaps := s.snapshots[:0]
		for _, snap := range s.snapshots {
			if snap.PollID != f.PollID {
				snaps = append(snaps, snap)
			}
		}
		s.snapshots = snaps
	case f.CloseStakes:
		for i := range s.stakes {
			if s.stakes[i].PollID == f.PollID {
				s.stakes[i].Closed = true
			}
		}
	}

	p.Status = f.Status
	p.WinningOption = nil
	if f.WinningOption != nil {
		w := *f.WinningOption
		p.WinningOption = &w
	}
	if f.NextRound {
		p.Round++
	}
	p.UpdatedAt = f.CompletedAt

	completed := f.CompletedAt
	ev.Status = model.EventCompleted
	ev.Result = f.Result
	ev.CompletedAt = &completed
	return nil
}
