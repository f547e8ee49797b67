package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/atmx/pool-settlement/internal/model"
)

// sqliteSchema mirrors PostgresSchema. Amounts are TEXT decimals and times
// are RFC 3339 TEXT, so values round-trip exactly.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS polls (
    id             TEXT PRIMARY KEY,
    title          TEXT    NOT NULL,
    status         TEXT    NOT NULL,
    winning_option TEXT,
    round          INTEGER NOT NULL DEFAULT 0,
    created_at     TEXT    NOT NULL,
    updated_at     TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS poll_options (
    id       TEXT PRIMARY KEY,
    poll_id  TEXT    NOT NULL REFERENCES polls(id),
    label    TEXT    NOT NULL,
    position INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS stakes (
    seq       INTEGER PRIMARY KEY AUTOINCREMENT,
    id        TEXT    NOT NULL UNIQUE,
    poll_id   TEXT    NOT NULL REFERENCES polls(id),
    user_id   TEXT    NOT NULL,
    option_id TEXT    NOT NULL,
    ledger    TEXT    NOT NULL,
    amount    TEXT    NOT NULL,
    closed    INTEGER NOT NULL DEFAULT 0,
    placed_at TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS wallet_accounts (
    user_id    TEXT PRIMARY KEY,
    balance    TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS wallet_transactions (
    seq             INTEGER PRIMARY KEY AUTOINCREMENT,
    id              TEXT NOT NULL UNIQUE,
    user_id         TEXT NOT NULL REFERENCES wallet_accounts(user_id),
    amount          TEXT NOT NULL,
    kind            TEXT NOT NULL,
    description     TEXT NOT NULL DEFAULT '',
    idempotency_key TEXT NOT NULL,
    balance_after   TEXT NOT NULL,
    created_at      TEXT NOT NULL,
    UNIQUE (user_id, idempotency_key)
);

CREATE TABLE IF NOT EXISTS settlement_events (
    id             TEXT PRIMARY KEY,
    poll_id        TEXT    NOT NULL REFERENCES polls(id),
    round          INTEGER NOT NULL,
    kind           TEXT    NOT NULL,
    winning_option TEXT    NOT NULL DEFAULT '',
    status         TEXT    NOT NULL,
    result_users   INTEGER NOT NULL DEFAULT 0,
    result_total   TEXT    NOT NULL DEFAULT '0',
    failure_reason TEXT    NOT NULL DEFAULT '',
    triggered_at   TEXT    NOT NULL,
    completed_at   TEXT
);

CREATE TABLE IF NOT EXISTS odds_snapshots (
    seq      INTEGER PRIMARY KEY AUTOINCREMENT,
    id       TEXT NOT NULL UNIQUE,
    poll_id  TEXT NOT NULL REFERENCES polls(id),
    totals   TEXT NOT NULL,
    total    TEXT NOT NULL,
    taken_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_stakes_poll  ON stakes(poll_id);
CREATE INDEX IF NOT EXISTS idx_stakes_user  ON stakes(user_id, closed);
CREATE INDEX IF NOT EXISTS idx_events_poll  ON settlement_events(poll_id, status);
CREATE INDEX IF NOT EXISTS idx_odds_poll    ON odds_snapshots(poll_id);
`

// SQLiteStore implements Store on an embedded SQLite database (pure Go, no
// CGo). A single connection serializes every transaction.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema. Use ":memory:" for a throwaway database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store.NewSQLiteStore: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store.NewSQLiteStore: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// liteErr translates driver errors into the model error taxonomy.
func liteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, model.ErrNotFound)
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%s: %w: %v", op, model.ErrDuplicate, err)
		}
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%s: %w: %v", op, model.ErrConflict, err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, model.ErrStoreFailure, err)
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return liteErr("begin", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return liteErr("commit", tx.Commit())
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

// --- Polls ---

func (s *SQLiteStore) CreatePoll(ctx context.Context, p *model.Poll) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO polls (id, title, status, winning_option, round, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Title, string(p.Status), p.WinningOption, p.Round, ts(p.CreatedAt), ts(p.UpdatedAt)); err != nil {
			return liteErr("create poll "+p.ID, err)
		}
		for i, o := range p.Options {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO poll_options (id, poll_id, label, position) VALUES (?, ?, ?, ?)`,
				o.ID, p.ID, o.Label, i); err != nil {
				return liteErr("create option "+o.ID, err)
			}
		}
		return nil
	})
}

const liteSelectPoll = `SELECT id, title, status, winning_option, round, created_at, updated_at FROM polls`

func scanLitePoll(row rowScanner) (*model.Poll, error) {
	var p model.Poll
	var status, created, updated string
	var winning sql.NullString
	if err := row.Scan(&p.ID, &p.Title, &status, &winning, &p.Round, &created, &updated); err != nil {
		return nil, err
	}
	p.Status = model.PollStatus(status)
	if winning.Valid {
		w := winning.String
		p.WinningOption = &w
	}
	p.CreatedAt, p.UpdatedAt = parseTS(created), parseTS(updated)
	return &p, nil
}

func (s *SQLiteStore) GetPoll(ctx context.Context, id string) (*model.Poll, error) {
	p, err := scanLitePoll(s.db.QueryRowContext(ctx, liteSelectPoll+` WHERE id = ?`, id))
	if err != nil {
		return nil, liteErr("get poll "+id, err)
	}
	options, err := s.options(ctx, `WHERE poll_id = ?`, id)
	if err != nil {
		return nil, err
	}
	p.Options = options[id]
	return p, nil
}

func (s *SQLiteStore) ListPolls(ctx context.Context) ([]model.Poll, error) {
	rows, err := s.db.QueryContext(ctx, liteSelectPoll+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, liteErr("list polls", err)
	}
	var polls []model.Poll
	for rows.Next() {
		p, err := scanLitePoll(rows)
		if err != nil {
			rows.Close()
			return nil, liteErr("list polls", err)
		}
		polls = append(polls, *p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, liteErr("list polls", err)
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

func (s *SQLiteStore) options(ctx context.Context, where string, args ...any) (map[string][]model.Option, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, poll_id, label FROM poll_options `+where+` ORDER BY poll_id, position`, args...)
	if err != nil {
		return nil, liteErr("list options", err)
	}
	defer rows.Close()

	options := make(map[string][]model.Option)
	for rows.Next() {
		var o model.Option
		if err := rows.Scan(&o.ID, &o.PollID, &o.Label); err != nil {
			return nil, liteErr("list options", err)
		}
		options[o.PollID] = append(options[o.PollID], o)
	}
	return options, liteErr("list options", rows.Err())
}

func (s *SQLiteStore) TransitionPoll(ctx context.Context, id string, round int, from, to model.PollStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE polls SET status = ?, updated_at = ? WHERE id = ? AND round = ? AND status = ?`,
		string(to), ts(time.Now()), id, round, string(from))
	if err != nil {
		return liteErr("transition poll "+id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetPoll(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("poll %s is no longer %s at round %d: %w", id, from, round, model.ErrConflict)
	}
	return nil
}

// --- Stake ledger ---

const liteSelectStake = `SELECT id, poll_id, user_id, option_id, ledger, amount, closed, placed_at FROM stakes`

func liteStakes(ctx context.Context, q dbtx, where string, args ...any) ([]model.Stake, error) {
	rows, err := q.QueryContext(ctx, liteSelectStake+` `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stakes []model.Stake
	for rows.Next() {
		var st model.Stake
		var ledger, amount, placed string
		if err := rows.Scan(&st.ID, &st.PollID, &st.UserID, &st.OptionID, &ledger, &amount, &st.Closed, &placed); err != nil {
			return nil, err
		}
		st.Ledger = model.StakeLedger(ledger)
		st.Amount, _ = decimal.NewFromString(amount)
		st.PlacedAt = parseTS(placed)
		stakes = append(stakes, st)
	}
	return stakes, rows.Err()
}

func (s *SQLiteStore) PlaceStake(ctx context.Context, st *model.Stake, debit *model.WalletTransaction) (*model.Stake, bool, error) {
	var (
		stored   *model.Stake
		replayed bool
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := liteStakes(ctx, tx, `WHERE id = ?`, st.ID)
		if err != nil {
			return liteErr("get stake "+st.ID, err)
		}
		if len(existing) > 0 {
			stored, replayed = &existing[0], true
			return nil
		}

		var status string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM polls WHERE id = ?`, st.PollID).Scan(&status); err != nil {
			return liteErr("get poll "+st.PollID, err)
		}
		if model.PollStatus(status) != model.PollOpen {
			return fmt.Errorf("poll %s is %s: %w", st.PollID, status, model.ErrInvalidState)
		}

		if _, debited, err := liteApply(ctx, tx, debit); err != nil {
			return err
		} else if debited {
			return purgedStake(st.ID)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO stakes (id, poll_id, user_id, option_id, ledger, amount, closed, placed_at)
			 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
			st.ID, st.PollID, st.UserID, st.OptionID, string(st.Ledger), st.Amount.String(), ts(st.PlacedAt)); err != nil {
			return liteErr("insert stake "+st.ID, err)
		}

		stakes, err := liteStakes(ctx, tx, `WHERE poll_id = ?`, st.PollID)
		if err != nil {
			return liteErr("list stakes", err)
		}
		snap := newSnapshot(st.PollID, stakes, st.PlacedAt)
		totals, err := json.Marshal(snap.Totals)
		if err != nil {
			return fmt.Errorf("encode odds snapshot: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO odds_snapshots (id, poll_id, totals, total, taken_at) VALUES (?, ?, ?, ?, ?)`,
			snap.ID, snap.PollID, string(totals), snap.Total.String(), ts(snap.TakenAt)); err != nil {
			return liteErr("insert odds snapshot", err)
		}

		c := *st
		stored = &c
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return stored, replayed, nil
}

func (s *SQLiteStore) ListStakes(ctx context.Context, pollID string) ([]model.Stake, error) {
	stakes, err := liteStakes(ctx, s.db, `WHERE poll_id = ? ORDER BY seq`, pollID)
	if err != nil {
		return nil, liteErr("list stakes "+pollID, err)
	}
	return stakes, nil
}

func (s *SQLiteStore) UserExposure(ctx context.Context, userID string) (map[string]decimal.Decimal, error) {
	// Amounts are TEXT, so they are summed as decimals here rather than in SQL.
	rows, err := s.db.QueryContext(ctx,
		`SELECT poll_id, amount FROM stakes WHERE user_id = ? AND closed = 0`, userID)
	if err != nil {
		return nil, liteErr("user exposure", err)
	}
	defer rows.Close()

	exposure := make(map[string]decimal.Decimal)
	for rows.Next() {
		var pollID, amount string
		if err := rows.Scan(&pollID, &amount); err != nil {
			return nil, liteErr("user exposure", err)
		}
		a, _ := decimal.NewFromString(amount)
		exposure[pollID] = exposure[pollID].Add(a)
	}
	return exposure, liteErr("user exposure", rows.Err())
}

func (s *SQLiteStore) ListOddsSnapshots(ctx context.Context, pollID string) ([]model.OddsSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, poll_id, totals, total, taken_at FROM odds_snapshots WHERE poll_id = ? ORDER BY seq`, pollID)
	if err != nil {
		return nil, liteErr("list odds snapshots", err)
	}
	defer rows.Close()

	var snaps []model.OddsSnapshot
	for rows.Next() {
		var snap model.OddsSnapshot
		var totals, total, taken string
		if err := rows.Scan(&snap.ID, &snap.PollID, &totals, &total, &taken); err != nil {
			return nil, liteErr("list odds snapshots", err)
		}
		if err := json.Unmarshal([]byte(totals), &snap.Totals); err != nil {
			return nil, fmt.Errorf("decode odds snapshot %s: %w", snap.ID, err)
		}
		snap.Total, _ = decimal.NewFromString(total)
		snap.TakenAt = parseTS(taken)
		snaps = append(snaps, snap)
	}
	return snaps, liteErr("list odds snapshots", rows.Err())
}

// --- Wallet ledger ---

func (s *SQLiteStore) CreateAccount(ctx context.Context, userID string) (*model.WalletAccount, error) {
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO wallet_accounts (user_id, balance, created_at, updated_at) VALUES (?, '0', ?, ?)`,
		userID, ts(now), ts(now)); err != nil {
		return nil, liteErr("create account "+userID, err)
	}
	return &model.WalletAccount{UserID: userID, Balance: decimal.Zero, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *SQLiteStore) GetAccount(ctx context.Context, userID string) (*model.WalletAccount, error) {
	var acc model.WalletAccount
	var bal, created, updated string
	if err := s.db.QueryRowContext(ctx,
		`SELECT user_id, balance, created_at, updated_at FROM wallet_accounts WHERE user_id = ?`, userID).
		Scan(&acc.UserID, &bal, &created, &updated); err != nil {
		return nil, liteErr("get account "+userID, err)
	}
	acc.Balance, _ = decimal.NewFromString(bal)
	acc.CreatedAt, acc.UpdatedAt = parseTS(created), parseTS(updated)
	return &acc, nil
}

func (s *SQLiteStore) ApplyTransaction(ctx context.Context, wt *model.WalletTransaction) (*model.WalletTransaction, bool, error) {
	var (
		stored   *model.WalletTransaction
		replayed bool
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		stored, replayed, err = liteApply(ctx, tx, wt)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return stored, replayed, nil
}

const liteSelectTx = `SELECT id, user_id, amount, kind, description, idempotency_key, balance_after, created_at
	FROM wallet_transactions`

func scanLiteTx(row rowScanner) (*model.WalletTransaction, error) {
	var wt model.WalletTransaction
	var kind, amount, bal, created string
	if err := row.Scan(&wt.ID, &wt.UserID, &amount, &kind, &wt.Description, &wt.IdempotencyKey, &bal, &created); err != nil {
		return nil, err
	}
	wt.Kind = model.TransactionKind(kind)
	wt.Amount, _ = decimal.NewFromString(amount)
	wt.BalanceAfter, _ = decimal.NewFromString(bal)
	wt.CreatedAt = parseTS(created)
	return &wt, nil
}

func liteApply(ctx context.Context, tx *sql.Tx, wt *model.WalletTransaction) (*model.WalletTransaction, bool, error) {
	existing, err := scanLiteTx(tx.QueryRowContext(ctx,
		liteSelectTx+` WHERE user_id = ? AND idempotency_key = ?`, wt.UserID, wt.IdempotencyKey))
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, liteErr("find transaction", err)
	}

	var bal string
	if err := tx.QueryRowContext(ctx,
		`SELECT balance FROM wallet_accounts WHERE user_id = ?`, wt.UserID).Scan(&bal); err != nil {
		return nil, false, liteErr("get account "+wt.UserID, err)
	}
	balance, _ := decimal.NewFromString(bal)
	next, err := nextBalance(balance, wt)
	if err != nil {
		return nil, false, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE wallet_accounts SET balance = ?, updated_at = ? WHERE user_id = ?`,
		next.String(), ts(wt.CreatedAt), wt.UserID); err != nil {
		return nil, false, liteErr("update balance "+wt.UserID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO wallet_transactions (id, user_id, amount, kind, description, idempotency_key, balance_after, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		wt.ID, wt.UserID, wt.Amount.String(), string(wt.Kind), wt.Description, wt.IdempotencyKey,
		next.String(), ts(wt.CreatedAt)); err != nil {
		return nil, false, liteErr("insert transaction "+wt.ID, err)
	}

	stored := *wt
	stored.BalanceAfter = next
	return &stored, false, nil
}

func (s *SQLiteStore) ListTransactions(ctx context.Context, userID string) ([]model.WalletTransaction, error) {
	rows, err := s.db.QueryContext(ctx, liteSelectTx+` WHERE user_id = ? ORDER BY seq`, userID)
	if err != nil {
		return nil, liteErr("list transactions", err)
	}
	defer rows.Close()

	var txs []model.WalletTransaction
	for rows.Next() {
		wt, err := scanLiteTx(rows)
		if err != nil {
			return nil, liteErr("list transactions", err)
		}
		txs = append(txs, *wt)
	}
	return txs, liteErr("list transactions", rows.Err())
}

// --- Settlement events ---

const liteSelectEvent = `SELECT id, poll_id, round, kind, winning_option, status,
	result_users, result_total, failure_reason, triggered_at, completed_at
	FROM settlement_events`

func scanLiteEvent(row rowScanner) (*model.SettlementEvent, error) {
	var ev model.SettlementEvent
	var kind, status, total, triggered string
	var completed sql.NullString
	if err := row.Scan(&ev.ID, &ev.PollID, &ev.Round, &kind, &ev.WinningOption, &status,
		&ev.Result.Users, &total, &ev.FailureReason, &triggered, &completed); err != nil {
		return nil, err
	}
	ev.Kind = model.EventKind(kind)
	ev.Status = model.EventStatus(status)
	ev.Result.Total, _ = decimal.NewFromString(total)
	ev.TriggeredAt = parseTS(triggered)
	if completed.Valid {
		t := parseTS(completed.String)
		ev.CompletedAt = &t
	}
	return &ev, nil
}

func (s *SQLiteStore) BeginEvent(ctx context.Context, ev *model.SettlementEvent, from []model.PollStatus) (*model.SettlementEvent, error) {
	var stored *model.SettlementEvent
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := scanLiteEvent(tx.QueryRowContext(ctx, liteSelectEvent+` WHERE id = ?`, ev.ID))
		if err == nil {
			stored = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return liteErr("get event "+ev.ID, err)
		}

		p := model.Poll{ID: ev.PollID}
		var status string
		if err := tx.QueryRowContext(ctx,
			`SELECT status, round FROM polls WHERE id = ?`, ev.PollID).Scan(&status, &p.Round); err != nil {
			return liteErr("get poll "+ev.PollID, err)
		}
		p.Status = model.PollStatus(status)
		if err := claimable(&p, ev, from); err != nil {
			return err
		}

		var pending string
		err = tx.QueryRowContext(ctx,
			`SELECT id FROM settlement_events WHERE poll_id = ? AND status = ? LIMIT 1`,
			ev.PollID, string(model.EventPending)).Scan(&pending)
		if err == nil {
			return fmt.Errorf("poll %s has pending event %s: %w", ev.PollID, pending, model.ErrConflict)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return liteErr("find pending event", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO settlement_events (id, poll_id, round, kind, winning_option, status, triggered_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			ev.ID, ev.PollID, ev.Round, string(ev.Kind), ev.WinningOption, string(model.EventPending),
			ts(ev.TriggeredAt)); err != nil {
			return liteErr("insert event "+ev.ID, err)
		}
		if p.Status == model.PollOpen {
			if _, err := tx.ExecContext(ctx,
				`UPDATE polls SET status = ?, updated_at = ? WHERE id = ?`,
				string(model.PollClosed), ts(ev.TriggeredAt), ev.PollID); err != nil {
				return liteErr("close poll "+ev.PollID, err)
			}
		}
		c := *ev
		c.Status = model.EventPending
		stored = &c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *SQLiteStore) GetEvent(ctx context.Context, id string) (*model.SettlementEvent, error) {
	ev, err := scanLiteEvent(s.db.QueryRowContext(ctx, liteSelectEvent+` WHERE id = ?`, id))
	if err != nil {
		return nil, liteErr("get settlement event "+id, err)
	}
	return ev, nil
}

func (s *SQLiteStore) FailEvent(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE settlement_events SET status = ?, failure_reason = ? WHERE id = ? AND status <> ?`,
		string(model.EventFailed), reason, id, string(model.EventCompleted))
	if err != nil {
		return liteErr("fail event "+id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetEvent(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("settlement event %s already completed: %w", id, model.ErrInvalidState)
	}
	return nil
}

func (s *SQLiteStore) ReopenEvent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE settlement_events SET status = ?, failure_reason = '' WHERE id = ? AND status = ?`,
		string(model.EventPending), id, string(model.EventFailed))
	if err != nil {
		return liteErr("reopen event "+id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		ev, err := s.GetEvent(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("settlement event %s is %s: %w", id, ev.Status, model.ErrInvalidState)
	}
	return nil
}

func (s *SQLiteStore) FinalizePoll(ctx context.Context, f model.Finalization) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var round int
		if err := tx.QueryRowContext(ctx, `SELECT round FROM polls WHERE id = ?`, f.PollID).Scan(&round); err != nil {
			return liteErr("get poll "+f.PollID, err)
		}
		var status string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM settlement_events WHERE id = ?`, f.EventID).Scan(&status); err != nil {
			return liteErr("get event "+f.EventID, err)
		}
		if err := finalizable(f.EventID, model.EventStatus(status)); err != nil {
			return err
		}
		if round != f.Round {
			return fmt.Errorf("poll %s moved to round %d, expected %d: %w", f.PollID, round, f.Round, model.ErrConflict)
		}

		switch {
		case f.PurgeStakes:
			if _, err := tx.ExecContext(ctx, `DELETE FROM stakes WHERE poll_id = ?`, f.PollID); err != nil {
				return liteErr("purge stakes", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM odds_snapshots WHERE poll_id = ?`, f.PollID); err != nil {
				return liteErr("purge odds snapshots", err)
			}
		case f.CloseStakes:
			if _, err := tx.ExecContext(ctx, `UPDATE stakes SET closed = 1 WHERE poll_id = ?`, f.PollID); err != nil {
				return liteErr("close stakes", err)
			}
		}

		next := round
		if f.NextRound {
			next++
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE polls SET status = ?, winning_option = ?, round = ?, updated_at = ? WHERE id = ?`,
			string(f.Status), f.WinningOption, next, ts(f.CompletedAt), f.PollID); err != nil {
			return liteErr("finalize poll "+f.PollID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE settlement_events SET status = ?, result_users = ?, result_total = ?, completed_at = ? WHERE id = ?`,
			string(model.EventCompleted), f.Result.Users, f.Result.Total.String(), ts(f.CompletedAt), f.EventID); err != nil {
			return liteErr("complete event "+f.EventID, err)
		}
		return nil
	})
}
