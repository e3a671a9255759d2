package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/punchamoorthee/newmeclass/internal/domain"
	"github.com/punchamoorthee/newmeclass/internal/service"
)

var _ service.Store = (*Postgres)(nil)

// Schema is applied by Migrate. Every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS questions (
	id          TEXT PRIMARY KEY,
	text        TEXT NOT NULL,
	category    TEXT NOT NULL,
	is_free     BOOLEAN NOT NULL,
	sort_order  INT NOT NULL,
	options     JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS wallets (
	user_id     TEXT PRIMARY KEY,
	balance     BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS wallet_transactions (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	type        TEXT NOT NULL,
	amount      BIGINT NOT NULL,
	status      TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	order_id    TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS wallet_transactions_user_idx ON wallet_transactions (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS wallet_transactions_order_idx ON wallet_transactions (order_id);

CREATE TABLE IF NOT EXISTS payment_intents (
	order_id     TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	gross_amount BIGINT NOT NULL,
	qris_url     TEXT NOT NULL DEFAULT '',
	merchant     TEXT NOT NULL DEFAULT '',
	purpose      TEXT NOT NULL,
	status       TEXT NOT NULL,
	demo         BOOLEAN NOT NULL DEFAULT false,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS payment_intents_pending_idx ON payment_intents (status) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key             TEXT PRIMARY KEY,
	request_hash    TEXT NOT NULL,
	status          TEXT NOT NULL,
	response_status INT,
	response_body   JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS test_sessions (
	user_id       TEXT PRIMARY KEY,
	id            TEXT NOT NULL,
	test_type     TEXT NOT NULL,
	question_ids  JSONB NOT NULL,
	current_index INT NOT NULL,
	answers       JSONB NOT NULL,
	state         TEXT NOT NULL,
	version       BIGINT NOT NULL,
	started_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS test_results (
	id              TEXT PRIMARY KEY,
	session_id      TEXT,
	user_id         TEXT NOT NULL,
	test_type       TEXT NOT NULL,
	total_score     INT NOT NULL,
	category_scores JSONB NOT NULL,
	answered_count  INT NOT NULL,
	total_questions INT NOT NULL,
	answers         JSONB NOT NULL,
	completed_at    TIMESTAMPTZ NOT NULL
);
ALTER TABLE test_results ADD COLUMN IF NOT EXISTS session_id TEXT;
CREATE INDEX IF NOT EXISTS test_results_user_idx ON test_results (user_id, completed_at DESC);
`

const (
	maxTxAttempts = 10
	txBackoffBase = 5 * time.Millisecond
	txBackoffMax  = 250 * time.Millisecond
)

type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{db: pool}, nil
}

func (p *Postgres) Close() {
	p.db.Close()
}

func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// inTx runs fn in a transaction, retrying serialization failures.
func (p *Postgres) inTx(ctx context.Context, iso pgx.TxIsoLevel, fn func(pgx.Tx) error) error {
	return retrySerialization(ctx, func() error { return p.runTx(ctx, iso, fn) })
}

// retrySerialization reruns op while it fails with 40001, up to
// maxTxAttempts, sleeping a jittered exponential backoff in between.
func retrySerialization(ctx context.Context, op func() error) error {
	for attempt := 1; ; attempt++ {
		err := op()
		if attempt >= maxTxAttempts || pgCode(err) != "40001" {
			return err
		}
		t := time.NewTimer(txBackoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}

func txBackoff(attempt int) time.Duration {
	d := txBackoffBase << (attempt - 1)
	if d <= 0 || d > txBackoffMax {
		d = txBackoffMax
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2+1)))
}

func (p *Postgres) runTx(ctx context.Context, iso pgx.TxIsoLevel, fn func(pgx.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: iso})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Questions

const questionCols = "id, text, category, is_free, sort_order, options"

func scanQuestion(row rowScanner) (domain.Question, error) {
	var (
		q    domain.Question
		opts []byte
	)
	if err := row.Scan(&q.ID, &q.Text, &q.Category, &q.IsFree, &q.Order, &opts); err != nil {
		return domain.Question{}, err
	}
	if err := json.Unmarshal(opts, &q.Options); err != nil {
		return domain.Question{}, fmt.Errorf("question %s options: %w", q.ID, err)
	}
	return q, nil
}

func collectQuestions(rows pgx.Rows) ([]domain.Question, error) {
	defer rows.Close()
	var out []domain.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (p *Postgres) ListQuestions(ctx context.Context, f service.QuestionFilter) ([]domain.Question, error) {
	var cat string
	if f.Category != "" {
		cat = string(f.Category.Normalize())
	}
	rows, err := p.db.Query(ctx,
		"SELECT "+questionCols+` FROM questions
		 WHERE ($1::text = '' OR is_free = ($1::text = 'free'))
		   AND ($2::text = '' OR category = $2::text)
		 ORDER BY sort_order, id`,
		string(f.TestType), cat)
	if err != nil {
		return nil, err
	}
	return collectQuestions(rows)
}

func (p *Postgres) QuestionsByID(ctx context.Context, ids []string) ([]domain.Question, error) {
	rows, err := p.db.Query(ctx, "SELECT "+questionCols+" FROM questions WHERE id = ANY($1)", ids)
	if err != nil {
		return nil, err
	}
	qs, err := collectQuestions(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.Question, len(qs))
	for _, q := range qs {
		byID[q.ID] = q
	}
	out := make([]domain.Question, 0, len(ids))
	for _, id := range ids {
		if q, ok := byID[id]; ok {
			out = append(out, q)
		}
	}
	return out, nil
}

func (p *Postgres) ReplaceQuestions(ctx context.Context, qs []domain.Question) error {
	return p.inTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "DELETE FROM questions"); err != nil {
			return fmt.Errorf("clear questions: %w", err)
		}
		batch := &pgx.Batch{}
		for _, q := range qs {
			opts, err := json.Marshal(q.Options)
			if err != nil {
				return err
			}
			batch.Queue("INSERT INTO questions ("+questionCols+") VALUES ($1, $2, $3, $4, $5, $6)",
				q.ID, q.Text, string(q.Category.Normalize()), q.IsFree, q.Order, opts)
		}
		br := tx.SendBatch(ctx, batch)
		for range qs {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("insert question: %w", err)
			}
		}
		return br.Close()
	})
}

func (p *Postgres) Categories(ctx context.Context) ([]domain.Category, error) {
	rows, err := p.db.Query(ctx, "SELECT DISTINCT category FROM questions ORDER BY category")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Category
	for rows.Next() {
		var c domain.Category
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Wallets

func (p *Postgres) GetWallet(ctx context.Context, userID string) (domain.Wallet, error) {
	w := domain.Wallet{UserID: userID}
	err := p.db.QueryRow(ctx, "SELECT balance, updated_at FROM wallets WHERE user_id = $1", userID).
		Scan(&w.Balance, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Wallet{}, domain.ErrWalletNotFound
	}
	if err != nil {
		return domain.Wallet{}, err
	}
	return w, nil
}

const txCols = "id, user_id, type, amount, status, description, COALESCE(order_id, ''), created_at"

func (p *Postgres) ListTransactions(ctx context.Context, userID string) ([]domain.WalletTransaction, error) {
	rows, err := p.db.Query(ctx,
		"SELECT "+txCols+" FROM wallet_transactions WHERE user_id = $1 ORDER BY created_at DESC, id",
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.WalletTransaction
	for rows.Next() {
		var t domain.WalletTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.Status, &t.Description, &t.OrderID, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func insertTx(ctx context.Context, tx pgx.Tx, t domain.WalletTransaction) error {
	var orderID *string
	if t.OrderID != "" {
		orderID = &t.OrderID
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO wallet_transactions (id, user_id, type, amount, status, description, order_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.UserID, string(t.Type), t.Amount, string(t.Status), t.Description, orderID, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert wallet transaction: %w", err)
	}
	return nil
}

// Debit takes the amount under a row lock on the wallet. With an
// idempotency key the key is reserved first, so a concurrent request with
// the same key fails with domain.ErrIdempotencyConflict instead of
// debiting twice.
func (p *Postgres) Debit(ctx context.Context, req service.DebitParams) (service.DebitResult, error) {
	var res service.DebitResult
	err := p.inTx(ctx, pgx.RepeatableRead, func(tx pgx.Tx) error {
		if req.IdempotencyKey != "" {
			var (
				storedHash string
				storedBody []byte
			)
			err := tx.QueryRow(ctx,
				"SELECT request_hash, response_body FROM idempotency_keys WHERE key = $1",
				req.IdempotencyKey,
			).Scan(&storedHash, &storedBody)
			switch {
			case err == nil:
				if storedHash != req.RequestHash {
					return domain.ErrIdempotencyMismatch
				}
				if storedBody == nil {
					return domain.ErrIdempotencyConflict
				}
				if err := json.Unmarshal(storedBody, &res); err != nil {
					return fmt.Errorf("decode stored debit: %w", err)
				}
				res.Replayed = true
				return nil
			case !errors.Is(err, pgx.ErrNoRows):
				return fmt.Errorf("idempotency query failed: %w", err)
			}

			_, err = tx.Exec(ctx,
				"INSERT INTO idempotency_keys (key, request_hash, status) VALUES ($1, $2, 'in_progress')",
				req.IdempotencyKey, req.RequestHash)
			if err != nil {
				if pgCode(err) == "23505" {
					return domain.ErrIdempotencyConflict
				}
				return fmt.Errorf("key reservation failed: %w", err)
			}
		}

		var balance int64
		err := tx.QueryRow(ctx, "SELECT balance FROM wallets WHERE user_id = $1 FOR UPDATE", req.UserID).Scan(&balance)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("lock acquisition failed: %w", err)
		}
		if balance < req.Amount {
			return &domain.ShortfallError{Balance: balance, Price: req.Amount, Shortfall: req.Amount - balance}
		}

		var now time.Time
		err = tx.QueryRow(ctx,
			"UPDATE wallets SET balance = balance - $1, updated_at = now() WHERE user_id = $2 RETURNING balance, updated_at",
			req.Amount, req.UserID,
		).Scan(&res.NewBalance, &now)
		if err != nil {
			return fmt.Errorf("update balance: %w", err)
		}

		res.Transaction = domain.WalletTransaction{
			ID:          uuid.NewString(),
			UserID:      req.UserID,
			Type:        domain.TxDebit,
			Amount:      -req.Amount,
			Status:      domain.TxSuccess,
			Description: req.Description,
			CreatedAt:   now,
		}
		if err := insertTx(ctx, tx, res.Transaction); err != nil {
			return err
		}

		if req.GrantTestAccess {
			_, err = tx.Exec(ctx,
				`INSERT INTO payment_intents (order_id, user_id, gross_amount, purpose, status, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				"WALLET-"+res.Transaction.ID, req.UserID, req.Amount,
				string(domain.PurposeTestAccess), string(domain.PaymentSettlement), now)
			if err != nil {
				return fmt.Errorf("grant test access: %w", err)
			}
		}

		if req.IdempotencyKey != "" {
			body, err := json.Marshal(res)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx,
				"UPDATE idempotency_keys SET status = 'completed', response_status = $1, response_body = $2 WHERE key = $3",
				http.StatusOK, body, req.IdempotencyKey)
			if err != nil {
				return fmt.Errorf("idempotency update failed: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return service.DebitResult{}, err
	}
	return res, nil
}

func creditWallet(ctx context.Context, tx pgx.Tx, userID string, amount int64) (int64, error) {
	var balance int64
	err := tx.QueryRow(ctx,
		`INSERT INTO wallets (user_id, balance) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET balance = wallets.balance + EXCLUDED.balance, updated_at = now()
		 RETURNING balance`,
		userID, amount,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("credit wallet: %w", err)
	}
	return balance, nil
}

func (p *Postgres) Credit(ctx context.Context, t domain.WalletTransaction) (int64, error) {
	if t.Amount <= 0 {
		return 0, domain.ErrInvalidAmount
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	var balance int64
	err := p.inTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		var err error
		if balance, err = creditWallet(ctx, tx, t.UserID, t.Amount); err != nil {
			return err
		}
		return insertTx(ctx, tx, t)
	})
	return balance, err
}

func (p *Postgres) Idempotency(ctx context.Context, key string) (domain.IdempotencyRecord, bool, error) {
	rec := domain.IdempotencyRecord{Key: key}
	err := p.db.QueryRow(ctx,
		"SELECT request_hash, response_status, response_body FROM idempotency_keys WHERE key = $1 AND status = 'completed'",
		key,
	).Scan(&rec.RequestHash, &rec.ResponseStatus, &rec.ResponseBody)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return domain.IdempotencyRecord{}, false, err
	}
	return rec, true, nil
}

// Payments

const intentCols = "order_id, user_id, gross_amount, qris_url, merchant, purpose, status, demo, created_at, expires_at"

func scanIntent(row rowScanner) (domain.PaymentIntent, error) {
	var (
		i       domain.PaymentIntent
		expires *time.Time
	)
	err := row.Scan(&i.OrderID, &i.UserID, &i.GrossAmount, &i.QRISURL, &i.Merchant,
		&i.Purpose, &i.Status, &i.Demo, &i.CreatedAt, &expires)
	if err != nil {
		return domain.PaymentIntent{}, err
	}
	if expires != nil {
		i.ExpiresAt = *expires
	}
	return i, nil
}

func (p *Postgres) SaveIntent(ctx context.Context, intent domain.PaymentIntent) error {
	if intent.Status == "" {
		intent.Status = domain.PaymentPending
	}
	var expires *time.Time
	if !intent.ExpiresAt.IsZero() {
		expires = &intent.ExpiresAt
	}
	return p.inTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			"INSERT INTO payment_intents ("+intentCols+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)",
			intent.OrderID, intent.UserID, intent.GrossAmount, intent.QRISURL, intent.Merchant,
			string(intent.Purpose), string(intent.Status), intent.Demo, intent.CreatedAt, expires)
		if err != nil {
			return fmt.Errorf("insert intent: %w", err)
		}
		if intent.Purpose != domain.PurposeTopup {
			return nil
		}
		return insertTx(ctx, tx, domain.WalletTransaction{
			ID:          uuid.NewString(),
			UserID:      intent.UserID,
			Type:        domain.TxTopup,
			Amount:      intent.GrossAmount,
			Status:      domain.TxPending,
			Description: "QRIS top-up",
			OrderID:     intent.OrderID,
			CreatedAt:   intent.CreatedAt,
		})
	})
}

func (p *Postgres) GetIntent(ctx context.Context, orderID string) (domain.PaymentIntent, error) {
	i, err := scanIntent(p.db.QueryRow(ctx, "SELECT "+intentCols+" FROM payment_intents WHERE order_id = $1", orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PaymentIntent{}, domain.ErrIntentNotFound
	}
	return i, err
}

// ResolveIntent relies on the conditional update: of any number of
// concurrent callers only the one whose UPDATE matches a pending row
// applies side effects.
func (p *Postgres) ResolveIntent(ctx context.Context, orderID string, status domain.PaymentStatus) (domain.PaymentIntent, bool, error) {
	var (
		intent  domain.PaymentIntent
		applied bool
	)
	err := p.inTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		applied = false
		var err error
		intent, err = scanIntent(tx.QueryRow(ctx,
			"UPDATE payment_intents SET status = $2 WHERE order_id = $1 AND status = 'pending' RETURNING "+intentCols,
			orderID, string(status)))
		if errors.Is(err, pgx.ErrNoRows) {
			intent, err = scanIntent(tx.QueryRow(ctx, "SELECT "+intentCols+" FROM payment_intents WHERE order_id = $1", orderID))
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrIntentNotFound
			}
			return err
		}
		if err != nil {
			return fmt.Errorf("resolve intent: %w", err)
		}
		applied = true

		if intent.Purpose != domain.PurposeTopup {
			return nil
		}
		txStatus := domain.TxFailed
		if status.Settled() {
			txStatus = domain.TxSuccess
		}
		var amount int64
		err = tx.QueryRow(ctx,
			"UPDATE wallet_transactions SET status = $2 WHERE order_id = $1 AND status = 'pending' RETURNING amount",
			orderID, string(txStatus),
		).Scan(&amount)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("no pending transaction for order %s", orderID)
		}
		if err != nil {
			return fmt.Errorf("update transaction: %w", err)
		}
		if status.Settled() {
			_, err = creditWallet(ctx, tx, intent.UserID, amount)
		}
		return err
	})
	if err != nil {
		return domain.PaymentIntent{}, false, err
	}
	return intent, applied, nil
}

func (p *Postgres) PendingIntents(ctx context.Context) ([]domain.PaymentIntent, error) {
	rows, err := p.db.Query(ctx, "SELECT "+intentCols+" FROM payment_intents WHERE status = 'pending' ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.PaymentIntent
	for rows.Next() {
		i, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func (p *Postgres) UserPaymentStatus(ctx context.Context, userID string) (domain.UserPaymentStatus, error) {
	var approved, pending *bool
	err := p.db.QueryRow(ctx,
		`SELECT bool_or(status IN ('settlement', 'capture')), bool_or(status = 'pending')
		 FROM payment_intents WHERE user_id = $1 AND purpose = $2`,
		userID, string(domain.PurposeTestAccess),
	).Scan(&approved, &pending)
	if err != nil {
		return "", err
	}
	switch {
	case approved != nil && *approved:
		return domain.UserPaymentApproved, nil
	case pending != nil && *pending:
		return domain.UserPaymentPending, nil
	}
	return domain.UserPaymentNone, nil
}

// Sessions

const sessionCols = "id, user_id, test_type, question_ids, current_index, answers, state, version, started_at, updated_at"

func (p *Postgres) GetSession(ctx context.Context, userID string) (domain.SessionRecord, error) {
	var (
		rec          domain.SessionRecord
		ids, answers []byte
	)
	err := p.db.QueryRow(ctx, "SELECT "+sessionCols+" FROM test_sessions WHERE user_id = $1", userID).
		Scan(&rec.ID, &rec.UserID, &rec.TestType, &ids, &rec.CurrentIndex, &answers, &rec.State, &rec.Version, &rec.StartedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SessionRecord{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.SessionRecord{}, err
	}
	if err := json.Unmarshal(ids, &rec.QuestionIDs); err != nil {
		return domain.SessionRecord{}, fmt.Errorf("session question ids: %w", err)
	}
	if err := json.Unmarshal(answers, &rec.Answers); err != nil {
		return domain.SessionRecord{}, fmt.Errorf("session answers: %w", err)
	}
	return rec, nil
}

func marshalSession(rec domain.SessionRecord) (ids, answers []byte, err error) {
	if rec.QuestionIDs == nil {
		rec.QuestionIDs = []string{}
	}
	if rec.Answers == nil {
		rec.Answers = []domain.AnswerEntry{}
	}
	if ids, err = json.Marshal(rec.QuestionIDs); err != nil {
		return nil, nil, err
	}
	answers, err = json.Marshal(rec.Answers)
	return ids, answers, err
}

// CreateSession replaces a finished session but never an in-progress one.
func (p *Postgres) CreateSession(ctx context.Context, rec domain.SessionRecord) error {
	ids, answers, err := marshalSession(rec)
	if err != nil {
		return err
	}
	tag, err := p.db.Exec(ctx,
		`INSERT INTO test_sessions (`+sessionCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (user_id) DO UPDATE SET
			id = EXCLUDED.id, test_type = EXCLUDED.test_type, question_ids = EXCLUDED.question_ids,
			current_index = EXCLUDED.current_index, answers = EXCLUDED.answers, state = EXCLUDED.state,
			version = EXCLUDED.version, started_at = EXCLUDED.started_at, updated_at = EXCLUDED.updated_at
		 WHERE test_sessions.state <> 'in_progress'`,
		rec.ID, rec.UserID, string(rec.TestType), ids, rec.CurrentIndex, answers,
		string(rec.State), rec.Version, rec.StartedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSessionAlreadyActive
	}
	return nil
}

type execQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func updateSession(ctx context.Context, q execQuerier, rec domain.SessionRecord) (int64, error) {
	ids, answers, err := marshalSession(rec)
	if err != nil {
		return 0, err
	}
	var version int64
	err = q.QueryRow(ctx,
		`UPDATE test_sessions
		 SET question_ids = $3, current_index = $4, answers = $5, state = $6, updated_at = $7, version = version + 1
		 WHERE user_id = $1 AND id = $2 AND version = $8
		 RETURNING version`,
		rec.UserID, rec.ID, ids, rec.CurrentIndex, answers, string(rec.State), rec.UpdatedAt, rec.Version,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := q.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM test_sessions WHERE user_id = $1)", rec.UserID).Scan(&exists); err != nil {
			return 0, err
		}
		if !exists {
			return 0, domain.ErrSessionNotFound
		}
		return 0, domain.ErrSessionConflict
	}
	if err != nil {
		return 0, fmt.Errorf("update session: %w", err)
	}
	return version, nil
}

func (p *Postgres) UpdateSession(ctx context.Context, rec domain.SessionRecord) (int64, error) {
	return updateSession(ctx, p.db, rec)
}

func (p *Postgres) CompleteSession(ctx context.Context, rec domain.SessionRecord, res domain.TestResult) error {
	return p.inTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		if _, err := updateSession(ctx, tx, rec); err != nil {
			return err
		}
		return insertResult(ctx, tx, res)
	})
}

func (p *Postgres) DeleteSession(ctx context.Context, userID string) error {
	tag, err := p.db.Exec(ctx, "DELETE FROM test_sessions WHERE user_id = $1", userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// Results

const resultCols = "id, session_id, user_id, test_type, total_score, category_scores, answered_count, total_questions, answers, completed_at"

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertResult(ctx context.Context, e execer, res domain.TestResult) error {
	cats, err := json.Marshal(res.CategoryScores)
	if err != nil {
		return err
	}
	answers := res.Answers
	if answers == nil {
		answers = []domain.AnswerEntry{}
	}
	ans, err := json.Marshal(answers)
	if err != nil {
		return err
	}
	var sessionID *string
	if res.SessionID != "" {
		sessionID = &res.SessionID
	}
	_, err = e.Exec(ctx,
		"INSERT INTO test_results ("+resultCols+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)",
		res.ID, sessionID, res.UserID, string(res.TestType), res.TotalScore, cats,
		res.AnsweredCount, res.TotalQuestions, ans, res.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

func scanResult(row rowScanner) (domain.TestResult, error) {
	var (
		res           domain.TestResult
		sessionID     *string
		cats, answers []byte
	)
	err := row.Scan(&res.ID, &sessionID, &res.UserID, &res.TestType, &res.TotalScore, &cats,
		&res.AnsweredCount, &res.TotalQuestions, &answers, &res.CompletedAt)
	if err != nil {
		return domain.TestResult{}, err
	}
	if sessionID != nil {
		res.SessionID = *sessionID
	}
	if err := json.Unmarshal(cats, &res.CategoryScores); err != nil {
		return domain.TestResult{}, fmt.Errorf("result %s scores: %w", res.ID, err)
	}
	if err := json.Unmarshal(answers, &res.Answers); err != nil {
		return domain.TestResult{}, fmt.Errorf("result %s answers: %w", res.ID, err)
	}
	return res, nil
}

func (p *Postgres) SaveResult(ctx context.Context, res domain.TestResult) error {
	return insertResult(ctx, p.db, res)
}

func (p *Postgres) GetResult(ctx context.Context, id string) (domain.TestResult, error) {
	res, err := scanResult(p.db.QueryRow(ctx, "SELECT "+resultCols+" FROM test_results WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TestResult{}, domain.ErrResultNotFound
	}
	return res, err
}

func (p *Postgres) ListResults(ctx context.Context, userID string) ([]domain.TestResult, error) {
	rows, err := p.db.Query(ctx,
		"SELECT "+resultCols+" FROM test_results WHERE user_id = $1 ORDER BY completed_at DESC, id DESC",
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.TestResult
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (p *Postgres) HasCompleted(ctx context.Context, userID string, t domain.TestType) (bool, error) {
	var done bool
	err := p.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM test_results WHERE user_id = $1 AND test_type = $2 AND session_id IS NOT NULL)",
		userID, string(t),
	).Scan(&done)
	return done, err
}

// CopyWallets bulk-loads opening balances, used by the seeder.
func (p *Postgres) CopyWallets(ctx context.Context, wallets []domain.Wallet) (int64, error) {
	rows := make([][]any, len(wallets))
	for i, w := range wallets {
		rows[i] = []any{w.UserID, w.Balance}
	}
	return p.db.CopyFrom(ctx, pgx.Identifier{"wallets"}, []string{"user_id", "balance"}, pgx.CopyFromRows(rows))
}
