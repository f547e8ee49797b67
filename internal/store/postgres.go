package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/pool-settlement/internal/model"
)

// PostgresSchema creates the tables used by PostgresStore.
// All monetary values are stored as NUMERIC for exact decimal precision.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS polls (
	id             TEXT PRIMARY KEY,
	title          TEXT NOT NULL,
	status         TEXT NOT NULL,
	winning_option TEXT,
	round          INTEGER NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS poll_options (
	id       TEXT PRIMARY KEY,
	poll_id  TEXT NOT NULL REFERENCES polls(id),
	label    TEXT NOT NULL,
	position INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS stakes (
	id        TEXT PRIMARY KEY,
	poll_id   TEXT NOT NULL REFERENCES polls(id),
	user_id   TEXT NOT NULL,
	option_id TEXT NOT NULL REFERENCES poll_options(id),
	ledger    TEXT NOT NULL,
	amount    NUMERIC(20,2) NOT NULL CHECK (amount > 0),
	closed    BOOLEAN NOT NULL DEFAULT FALSE,
	placed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS stakes_poll_idx ON stakes (poll_id);
CREATE INDEX IF NOT EXISTS stakes_open_user_idx ON stakes (user_id) WHERE NOT closed;

CREATE TABLE IF NOT EXISTS wallet_accounts (
	user_id    TEXT PRIMARY KEY,
	balance    NUMERIC(20,2) NOT NULL CHECK (balance >= 0),
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS wallet_transactions (
	seq             BIGSERIAL,
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL REFERENCES wallet_accounts(user_id),
	amount          NUMERIC(20,2) NOT NULL,
	kind            TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT NOT NULL,
	balance_after   NUMERIC(20,2) NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	UNIQUE (user_id, idempotency_key)
);

CREATE TABLE IF NOT EXISTS settlement_events (
	id             TEXT PRIMARY KEY,
	poll_id        TEXT NOT NULL REFERENCES polls(id),
	round          INTEGER NOT NULL,
	kind           TEXT NOT NULL,
	winning_option TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	result_users   INTEGER NOT NULL DEFAULT 0,
	result_total   NUMERIC(20,2) NOT NULL DEFAULT 0,
	failure_reason TEXT NOT NULL DEFAULT '',
	triggered_at   TIMESTAMPTZ NOT NULL,
	completed_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS settlement_events_pending_idx ON settlement_events (poll_id) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS odds_snapshots (
	seq      BIGSERIAL,
	id       TEXT PRIMARY KEY,
	poll_id  TEXT NOT NULL REFERENCES polls(id),
	totals   JSONB NOT NULL,
	total    NUMERIC(20,2) NOT NULL,
	taken_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS odds_snapshots_poll_idx ON odds_snapshots (poll_id);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Rows that a write depends on are locked with FOR UPDATE NOWAIT, so
// contention surfaces as model.ErrConflict instead of blocking.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates missing tables and indexes.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, PostgresSchema)
	return pgErr("ensure schema", err)
}

// pgErr translates driver errors into the model error taxonomy.
func pgErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, model.ErrNotFound)
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		switch pe.Code {
		case "55P03", "40001", "40P01": // lock_not_available, serialization_failure, deadlock_detected
			return fmt.Errorf("%s: %w: %s", op, model.ErrConflict, pe.Message)
		case "23505": // unique_violation
			return fmt.Errorf("%s: %w: %s", op, model.ErrDuplicate, pe.ConstraintName)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, model.ErrStoreFailure, err)
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return pgErr("begin", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return pgErr("commit", tx.Commit(ctx))
}

// pgxRows is the subset of pgx.Rows the scan helpers need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

// --- Polls ---

func (s *PostgresStore) CreatePoll(ctx context.Context, p *model.Poll) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO polls (id, title, status, winning_option, round, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			p.ID, p.Title, p.Status, p.WinningOption, p.Round, p.CreatedAt, p.UpdatedAt)
		if err != nil {
			return pgErr("create poll "+p.ID, err)
		}
		for i, o := range p.Options {
			if _, err := tx.Exec(ctx,
				`INSERT INTO poll_options (id, poll_id, label, position) VALUES ($1, $2, $3, $4)`,
				o.ID, p.ID, o.Label, i); err != nil {
				return pgErr("create option "+o.ID, err)
			}
		}
		return nil
	})
}

const selectPoll = `SELECT id, title, status, winning_option, round, created_at, updated_at FROM polls`

func scanPoll(row pgx.Row) (*model.Poll, error) {
	var p model.Poll
	if err := row.Scan(&p.ID, &p.Title, &p.Status, &p.WinningOption, &p.Round, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetPoll(ctx context.Context, id string) (*model.Poll, error) {
	p, err := scanPoll(s.pool.QueryRow(ctx, selectPoll+` WHERE id = $1`, id))
	if err != nil {
		return nil, pgErr("get poll "+id, err)
	}
	options, err := s.options(ctx, `WHERE poll_id = $1`, id)
	if err != nil {
		return nil, err
	}
	p.Options = options[id]
	return p, nil
}

func (s *PostgresStore) ListPolls(ctx context.Context) ([]model.Poll, error) {
	rows, err := s.pool.Query(ctx, selectPoll+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, pgErr("list polls", err)
	}
	defer rows.Close()

	var polls []model.Poll
	for rows.Next() {
		p, err := scanPoll(rows)
		if err != nil {
			return nil, pgErr("list polls", err)
		}
		polls = append(polls, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, pgErr("list polls", err)
	}

	options, err := s.options(ctx, "")
	if err != nil {
		return nil, err
	}
	for i := range polls {
		polls[i].Options = options[polls[i].ID]
	}
	return polls, nil
}

// options returns poll options grouped by poll id.
func (s *PostgresStore) options(ctx context.Context, where string, args ...any) (map[string][]model.Option, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, poll_id, label FROM poll_options `+where+` ORDER BY poll_id, position`, args...)
	if err != nil {
		return nil, pgErr("list options", err)
	}
	defer rows.Close()

	options := make(map[string][]model.Option)
	for rows.Next() {
		var o model.Option
		if err := rows.Scan(&o.ID, &o.PollID, &o.Label); err != nil {
			return nil, pgErr("list options", err)
		}
		options[o.PollID] = append(options[o.PollID], o)
	}
	return options, pgErr("list options", rows.Err())
}

func (s *PostgresStore) TransitionPoll(ctx context.Context, id string, round int, from, to model.PollStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE polls SET status = $4, updated_at = now()
		 WHERE id = $1 AND round = $2 AND status = $3`,
		id, round, from, to)
	if err != nil {
		return pgErr("transition poll "+id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetPoll(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("poll %s is no longer %s at round %d: %w", id, from, round, model.ErrConflict)
	}
	return nil
}

// --- Stake ledger ---

const selectStake = `SELECT id, poll_id, user_id, option_id, ledger, amount::TEXT, closed, placed_at FROM stakes`

func (s *PostgresStore) PlaceStake(ctx context.Context, st *model.Stake, debit *model.WalletTransaction) (*model.Stake, bool, error) {
	var (
		stored   *model.Stake
		replayed bool
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		existing, err := scanStakes(queryRows(ctx, tx, selectStake+` WHERE id = $1`, st.ID))
		if err != nil {
			return pgErr("get stake "+st.ID, err)
		}
		if len(existing) > 0 {
			stored, replayed = &existing[0], true
			return nil
		}

		var status model.PollStatus
		if err := tx.QueryRow(ctx,
			`SELECT status FROM polls WHERE id = $1 FOR SHARE NOWAIT`, st.PollID).Scan(&status); err != nil {
			return pgErr("lock poll "+st.PollID, err)
		}
		if status != model.PollOpen {
			return fmt.Errorf("poll %s is %s: %w", st.PollID, status, model.ErrInvalidState)
		}

		if _, debited, err := applyTx(ctx, tx, debit); err != nil {
			return err
		} else if debited {
			return purgedStake(st.ID)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO stakes (id, poll_id, user_id, option_id, ledger, amount, closed, placed_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, FALSE, $7)`,
			st.ID, st.PollID, st.UserID, st.OptionID, st.Ledger, st.Amount.String(), st.PlacedAt); err != nil {
			return pgErr("insert stake "+st.ID, err)
		}

		stakes, err := scanStakes(queryRows(ctx, tx, selectStake+` WHERE poll_id = $1`, st.PollID))
		if err != nil {
			return pgErr("list stakes", err)
		}
		c := *st
		stored = &c
		return insertSnapshot(ctx, tx, newSnapshot(st.PollID, stakes, st.PlacedAt))
	})
	if errors.Is(err, model.ErrDuplicate) {
		// A concurrent request with the same stake id won the insert.
		existing, lerr := scanStakes(queryRows(ctx, s.pool, selectStake+` WHERE id = $1`, st.ID))
		if lerr == nil && len(existing) > 0 {
			return &existing[0], true, nil
		}
	}
	if err != nil {
		return nil, false, err
	}
	return stored, replayed, nil
}

func insertSnapshot(ctx context.Context, tx pgx.Tx, snap *model.OddsSnapshot) error {
	totals, err := json.Marshal(snap.Totals)
	if err != nil {
		return fmt.Errorf("encode odds snapshot: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO odds_snapshots (id, poll_id, totals, total, taken_at)
		 VALUES ($1, $2, $3::JSONB, $4::NUMERIC, $5)`,
		snap.ID, snap.PollID, string(totals), snap.Total.String(), snap.TakenAt)
	return pgErr("insert odds snapshot", err)
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// queryRows runs a query and defers the error to the scan helpers.
func queryRows(ctx context.Context, q querier, sql string, args ...any) pgxRowsResult {
	rows, err := q.Query(ctx, sql, args...)
	return pgxRowsResult{rows: rows, err: err}
}

type pgxRowsResult struct {
	rows pgx.Rows
	err  error
}

func scanStakes(r pgxRowsResult) ([]model.Stake, error) {
	if r.err != nil {
		return nil, r.err
	}
	defer r.rows.Close()
	return scanStakeRows(r.rows)
}

func scanStakeRows(rows pgxRows) ([]model.Stake, error) {
	var stakes []model.Stake
	for rows.Next() {
		var st model.Stake
		var amountS string
		if err := rows.Scan(&st.ID, &st.PollID, &st.UserID, &st.OptionID, &st.Ledger,
			&amountS, &st.Closed, &st.PlacedAt); err != nil {
			return nil, err
		}
		st.Amount, _ = decimal.NewFromString(amountS)
		stakes = append(stakes, st)
	}
	return stakes, rows.Err()
}

func (s *PostgresStore) ListStakes(ctx context.Context, pollID string) ([]model.Stake, error) {
	stakes, err := scanStakes(queryRows(ctx, s.pool, selectStake+` WHERE poll_id = $1 ORDER BY placed_at, id`, pollID))
	if err != nil {
		return nil, pgErr("list stakes "+pollID, err)
	}
	return stakes, nil
}

func (s *PostgresStore) UserExposure(ctx context.Context, userID string) (map[string]decimal.Decimal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT poll_id, COALESCE(SUM(amount), 0)::TEXT
		 FROM stakes WHERE user_id = $1 AND NOT closed
		 GROUP BY poll_id`, userID)
	if err != nil {
		return nil, pgErr("user exposure", err)
	}
	defer rows.Close()

	exposure := make(map[string]decimal.Decimal)
	for rows.Next() {
		var pollID, sumS string
		if err := rows.Scan(&pollID, &sumS); err != nil {
			return nil, pgErr("user exposure", err)
		}
		exposure[pollID], _ = decimal.NewFromString(sumS)
	}
	return exposure, pgErr("user exposure", rows.Err())
}

func (s *PostgresStore) ListOddsSnapshots(ctx context.Context, pollID string) ([]model.OddsSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, poll_id, totals::TEXT, total::TEXT, taken_at
		 FROM odds_snapshots WHERE poll_id = $1 ORDER BY seq`, pollID)
	if err != nil {
		return nil, pgErr("list odds snapshots", err)
	}
	defer rows.Close()

	var snaps []model.OddsSnapshot
	for rows.Next() {
		var snap model.OddsSnapshot
		var totalsS, totalS string
		if err := rows.Scan(&snap.ID, &snap.PollID, &totalsS, &totalS, &snap.TakenAt); err != nil {
			return nil, pgErr("list odds snapshots", err)
		}
		if err := json.Unmarshal([]byte(totalsS), &snap.Totals); err != nil {
			return nil, fmt.Errorf("decode odds snapshot %s: %w", snap.ID, err)
		}
		snap.Total, _ = decimal.NewFromString(totalS)
		snaps = append(snaps, snap)
	}
	return snaps, pgErr("list odds snapshots", rows.Err())
}

// --- Wallet ledger ---

func (s *PostgresStore) CreateAccount(ctx context.Context, userID string) (*model.WalletAccount, error) {
	var acc model.WalletAccount
	var balS string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO wallet_accounts (user_id, balance, created_at, updated_at)
		 VALUES ($1, 0, now(), now())
		 RETURNING user_id, balance::TEXT, created_at, updated_at`, userID).
		Scan(&acc.UserID, &balS, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		return nil, pgErr("create account "+userID, err)
	}
	acc.Balance, _ = decimal.NewFromString(balS)
	return &acc, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.WalletAccount, error) {
	var acc model.WalletAccount
	var balS string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, balance::TEXT, created_at, updated_at
		 FROM wallet_accounts WHERE user_id = $1`, userID).
		Scan(&acc.UserID, &balS, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		return nil, pgErr("get account "+userID, err)
	}
	acc.Balance, _ = decimal.NewFromString(balS)
	return &acc, nil
}

func (s *PostgresStore) ApplyTransaction(ctx context.Context, wt *model.WalletTransaction) (*model.WalletTransaction, bool, error) {
	var (
		stored   *model.WalletTransaction
		replayed bool
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		stored, replayed, err = applyTx(ctx, tx, wt)
		return err
	})
	if errors.Is(err, model.ErrDuplicate) {
		// Lost the race on the idempotency index: the other writer committed.
		existing, lerr := scanTxRow(s.pool.QueryRow(ctx, selectTx+` WHERE user_id = $1 AND idempotency_key = $2`,
			wt.UserID, wt.IdempotencyKey))
		if lerr == nil {
			return existing, true, nil
		}
	}
	if err != nil {
		return nil, false, err
	}
	return stored, replayed, nil
}

const selectTx = `SELECT id, user_id, amount::TEXT, kind, description, idempotency_key, balance_after::TEXT, created_at
	FROM wallet_transactions`

func scanTxRow(row pgx.Row) (*model.WalletTransaction, error) {
	var wt model.WalletTransaction
	var amountS, balS string
	if err := row.Scan(&wt.ID, &wt.UserID, &amountS, &wt.Kind, &wt.Description,
		&wt.IdempotencyKey, &balS, &wt.CreatedAt); err != nil {
		return nil, err
	}
	wt.Amount, _ = decimal.NewFromString(amountS)
	wt.BalanceAfter, _ = decimal.NewFromString(balS)
	return &wt, nil
}

// applyTx appends wt and moves the balance inside tx, locking the account row.
func applyTx(ctx context.Context, tx pgx.Tx, wt *model.WalletTransaction) (*model.WalletTransaction, bool, error) {
	existing, err := scanTxRow(tx.QueryRow(ctx, selectTx+` WHERE user_id = $1 AND idempotency_key = $2`,
		wt.UserID, wt.IdempotencyKey))
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, pgErr("find transaction", err)
	}

	var balS string
	if err := tx.QueryRow(ctx,
		`SELECT balance::TEXT FROM wallet_accounts WHERE user_id = $1 FOR UPDATE NOWAIT`, wt.UserID).
		Scan(&balS); err != nil {
		return nil, false, pgErr("lock account "+wt.UserID, err)
	}
	balance, _ := decimal.NewFromString(balS)
	next, err := nextBalance(balance, wt)
	if err != nil {
		return nil, false, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE wallet_accounts SET balance = $2::NUMERIC, updated_at = $3 WHERE user_id = $1`,
		wt.UserID, next.String(), wt.CreatedAt); err != nil {
		return nil, false, pgErr("update balance "+wt.UserID, err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO wallet_transactions (id, user_id, amount, kind, description, idempotency_key, balance_after, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7::NUMERIC, $8)`,
		wt.ID, wt.UserID, wt.Amount.String(), wt.Kind, wt.Description, wt.IdempotencyKey,
		next.String(), wt.CreatedAt); err != nil {
		return nil, false, pgErr("insert transaction "+wt.ID, err)
	}

	stored := *wt
	stored.BalanceAfter = next
	return &stored, false, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string) ([]model.WalletTransaction, error) {
	rows, err := s.pool.Query(ctx, selectTx+` WHERE user_id = $1 ORDER BY seq`, userID)
	if err != nil {
		return nil, pgErr("list transactions", err)
	}
	defer rows.Close()

	var txs []model.WalletTransaction
	for rows.Next() {
		wt, err := scanTxRow(rows)
		if err != nil {
			return nil, pgErr("list transactions", err)
		}
		txs = append(txs, *wt)
	}
	return txs, pgErr("list transactions", rows.Err())
}

// --- Settlement events ---

const selectEvent = `SELECT id, poll_id, round, kind, winning_option, status,
	result_users, result_total::TEXT, failure_reason, triggered_at, completed_at
	FROM settlement_events`

func scanEvent(row pgx.Row) (*model.SettlementEvent, error) {
	var ev model.SettlementEvent
	var totalS string
	if err := row.Scan(&ev.ID, &ev.PollID, &ev.Round, &ev.Kind, &ev.WinningOption, &ev.Status,
		&ev.Result.Users, &totalS, &ev.FailureReason, &ev.TriggeredAt, &ev.CompletedAt); err != nil {
		return nil, err
	}
	ev.Result.Total, _ = decimal.NewFromString(totalS)
	return &ev, nil
}

func (s *PostgresStore) BeginEvent(ctx context.Context, ev *model.SettlementEvent, from []model.PollStatus) (*model.SettlementEvent, error) {
	var stored *model.SettlementEvent
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		existing, err := scanEvent(tx.QueryRow(ctx, selectEvent+` WHERE id = $1`, ev.ID))
		if err == nil {
			stored = existing
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return pgErr("get event "+ev.ID, err)
		}

		p := model.Poll{ID: ev.PollID}
		if err := tx.QueryRow(ctx,
			`SELECT status, round FROM polls WHERE id = $1 FOR UPDATE NOWAIT`, ev.PollID).
			Scan(&p.Status, &p.Round); err != nil {
			return pgErr("lock poll "+ev.PollID, err)
		}
		if err := claimable(&p, ev, from); err != nil {
			return err
		}

		var pending string
		err = tx.QueryRow(ctx,
			`SELECT id FROM settlement_events WHERE poll_id = $1 AND status = 'pending' LIMIT 1`, ev.PollID).
			Scan(&pending)
		if err == nil {
			return fmt.Errorf("poll %s has pending event %s: %w", ev.PollID, pending, model.ErrConflict)
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return pgErr("find pending event", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO settlement_events (id, poll_id, round, kind, winning_option, status, triggered_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			ev.ID, ev.PollID, ev.Round, ev.Kind, ev.WinningOption, model.EventPending, ev.TriggeredAt); err != nil {
			return pgErr("insert event "+ev.ID, err)
		}
		if p.Status == model.PollOpen {
			if _, err := tx.Exec(ctx,
				`UPDATE polls SET status = $2, updated_at = $3 WHERE id = $1`,
				ev.PollID, model.PollClosed, ev.TriggeredAt); err != nil {
				return pgErr("close poll "+ev.PollID, err)
			}
		}
		c := *ev
		c.Status = model.EventPending
		stored = &c
		return nil
	})
	if errors.Is(err, model.ErrDuplicate) {
		return s.GetEvent(ctx, ev.ID)
	}
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*model.SettlementEvent, error) {
	ev, err := scanEvent(s.pool.QueryRow(ctx, selectEvent+` WHERE id = $1`, id))
	if err != nil {
		return nil, pgErr("get settlement event "+id, err)
	}
	return ev, nil
}

func (s *PostgresStore) FailEvent(ctx context.Context, id, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE settlement_events SET status = $2, failure_reason = $3
		 WHERE id = $1 AND status <> $4`,
		id, model.EventFailed, reason, model.EventCompleted)
	if err != nil {
		return pgErr("fail event "+id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetEvent(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("settlement event %s already completed: %w", id, model.ErrInvalidState)
	}
	return nil
}

func (s *PostgresStore) ReopenEvent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE settlement_events SET status = $2, failure_reason = ''
		 WHERE id = $1 AND status = $3`,
		id, model.EventPending, model.EventFailed)
	if err != nil {
		return pgErr("reopen event "+id, err)
	}
	if tag.RowsAffected() == 0 {
		ev, err := s.GetEvent(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("settlement event %s is %s: %w", id, ev.Status, model.ErrInvalidState)
	}
	return nil
}

func (s *PostgresStore) FinalizePoll(ctx context.Context, f model.Finalization) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var round int
		if err := tx.QueryRow(ctx,
			`SELECT round FROM polls WHERE id = $1 FOR UPDATE NOWAIT`, f.PollID).Scan(&round); err != nil {
			return pgErr("lock poll "+f.PollID, err)
		}
		var status model.EventStatus
		if err := tx.QueryRow(ctx,
			`SELECT status FROM settlement_events WHERE id = $1 FOR UPDATE`, f.EventID).Scan(&status); err != nil {
			return pgErr("lock event "+f.EventID, err)
		}
		if err := finalizable(f.EventID, status); err != nil {
			return err
		}
		if round != f.Round {
			return fmt.Errorf("poll %s moved to round %d, expected %d: %w", f.PollID, round, f.Round, model.ErrConflict)
		}

		switch {
		case f.PurgeStakes:
			if _, err := tx.Exec(ctx, `DELETE FROM stakes WHERE poll_id = $1`, f.PollID); err != nil {
				return pgErr("purge stakes", err)
			}
			if _, err := tx.Exec(ctx, `DELETE FROM odds_snapshots WHERE poll_id = $1`, f.PollID); err != nil {
				return pgErr("purge odds snapshots", err)
			}
		case f.CloseStakes:
			if _, err := tx.Exec(ctx, `UPDATE stakes SET closed = TRUE WHERE poll_id = $1`, f.PollID); err != nil {
				return pgErr("close stakes", err)
			}
		}

		next := round
		if f.NextRound {
			next++
		}
		if _, err := tx.Exec(ctx,
			`UPDATE polls SET status = $2, winning_option = $3, round = $4, updated_at = $5 WHERE id = $1`,
			f.PollID, f.Status, f.WinningOption, next, f.CompletedAt); err != nil {
			return pgErr("finalize poll "+f.PollID, err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE settlement_events
			 SET status = $2, result_users = $3, result_total = $4::NUMERIC, completed_at = $5
			 WHERE id = $1`,
			f.EventID, model.EventCompleted, f.Result.Users, f.Result.Total.String(), f.CompletedAt); err != nil {
			return pgErr("complete event "+f.EventID, err)
		}
		return nil
	})
}
