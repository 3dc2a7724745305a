package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the only writer of account balances and ledger rows. Every
// balance mutation goes through Tx.Append inside a database transaction.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Balance(ctx context.Context, userID uuid.UUID) (int64, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error)
	GetByRequestID(ctx context.Context, requestID string) (*Transaction, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Transaction, int64, error)
	ListStaleReserved(ctx context.Context, before time.Time, limit int) ([]Transaction, error)
}

// Tx exposes the ledger primitives that must share one database transaction.
type Tx interface {
	// Append atomically applies Delta to the user's balance and inserts the
	// ledger row with the post-mutation balance snapshot. Returns
	// ErrNegativeBalance when the delta would drive the balance below zero;
	// in that case nothing is written.
	Append(ctx context.Context, p AppendParams) (*Transaction, error)
	// Get loads a transaction and locks it for the rest of the database
	// transaction, serializing concurrent settle/refund attempts.
	Get(ctx context.Context, id uuid.UUID) (*Transaction, error)
	GetByRequestID(ctx context.Context, requestID string) (*Transaction, error)
	// Finalize performs the single RESERVED -> terminal transition.
	Finalize(ctx context.Context, id uuid.UUID, p FinalizeParams) error
	Balance(ctx context.Context, userID uuid.UUID) (int64, error)
	// BalanceForUpdate reads the balance under the account row lock, so it
	// cannot move before a following Append in the same transaction.
	BalanceForUpdate(ctx context.Context, userID uuid.UUID) (int64, error)
	AccountUnlimited(ctx context.Context, userID uuid.UUID) (bool, error)
}

type postgresStore struct {
	pool *pgxpool.Pool
}

// NewStore creates the PostgreSQL-backed ledger store.
func NewStore(pool *pgxpool.Pool) Store {
	return &postgresStore{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *postgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning ledger transaction: %w", err)
	}
	defer pgtx.Rollback(ctx)

	if err := fn(&postgresTx{q: pgtx}); err != nil {
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("committing ledger transaction: %w", err)
	}
	return nil
}

func (s *postgresStore) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	return balance(ctx, s.pool, userID)
}

func (s *postgresStore) GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	return getTransaction(ctx, s.pool, id, false)
}

func (s *postgresStore) GetByRequestID(ctx context.Context, requestID string) (*Transaction, error) {
	return getByRequestID(ctx, s.pool, requestID)
}

func (s *postgresStore) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Transaction, int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM ledger_transactions WHERE user_id = $1`, userID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting ledger transactions: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+txColumns+`
		 FROM ledger_transactions
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing ledger transactions: %w", err)
	}
	defer rows.Close()

	txns, err := scanTransactions(rows)
	if err != nil {
		return nil, 0, err
	}
	return txns, total, nil
}

func (s *postgresStore) ListStaleReserved(ctx context.Context, before time.Time, limit int) ([]Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+txColumns+`
		 FROM ledger_transactions
		 WHERE type = 'SPEND' AND status = 'RESERVED' AND created_at < $1
		 ORDER BY created_at
		 LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("listing stale reservations: %w", err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

type postgresTx struct {
	q querier
}

func (t *postgresTx) Append(ctx context.Context, p AppendParams) (*Transaction, error) {
	// Ensure the account row exists; accounts are created lazily.
	_, err := t.q.Exec(ctx,
		`INSERT INTO accounts (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, p.UserID)
	if err != nil {
		return nil, fmt.Errorf("ensuring account: %w", err)
	}

	// Guarded read-modify-write. The UPDATE takes a row lock on the
	// account, serializing all appends for this user until commit. A delta
	// that would go negative matches no row and writes nothing.
	var balanceAfter int64
	err = t.q.QueryRow(ctx,
		`UPDATE accounts
		 SET credits_balance = credits_balance + $2, updated_at = NOW()
		 WHERE user_id = $1 AND credits_balance + $2 >= 0
		 RETURNING credits_balance`, p.UserID, p.Delta).Scan(&balanceAfter)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNegativeBalance
		}
		return nil, fmt.Errorf("updating account balance: %w", err)
	}

	txn := &Transaction{
		ID:                   uuid.New(),
		UserID:               p.UserID,
		Delta:                p.Delta,
		BalanceAfter:         balanceAfter,
		Type:                 p.Type,
		Status:               p.Status,
		Feature:              p.Feature,
		Provider:             nullableString(p.Provider),
		Model:                nullableString(p.Model),
		RequestID:            nullableString(p.RequestID),
		RelatedTransactionID: p.RelatedTransactionID,
	}
	if p.Usage != nil {
		txn.PromptTokens = nullableInt32(p.Usage.PromptTokens)
		txn.CompletionTokens = nullableInt32(p.Usage.CompletionTokens)
		txn.TotalTokens = nullableInt32(p.Usage.TotalTokens)
	}

	metadata, err := marshalMetadata(p.Metadata)
	if err != nil {
		return nil, err
	}
	txn.Metadata = metadata

	// clock_timestamp() instead of NOW(): NOW() is fixed at transaction
	// start, which can invert created_at order relative to the balance
	// chain when two transactions serialize on the account row lock.
	err = t.q.QueryRow(ctx,
		`INSERT INTO ledger_transactions
		   (id, user_id, delta, balance_after, type, status, feature,
		    provider, model, prompt_tokens, completion_tokens, total_tokens,
		    request_id, related_transaction_id, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, clock_timestamp())
		 RETURNING created_at`,
		txn.ID, txn.UserID, txn.Delta, txn.BalanceAfter, txn.Type, txn.Status, txn.Feature,
		txn.Provider, txn.Model, txn.PromptTokens, txn.CompletionTokens, txn.TotalTokens,
		txn.RequestID, txn.RelatedTransactionID, txn.Metadata).Scan(&txn.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting ledger transaction: %w", err)
	}

	return txn, nil
}

func (t *postgresTx) Get(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	return getTransaction(ctx, t.q, id, true)
}

func (t *postgresTx) GetByRequestID(ctx context.Context, requestID string) (*Transaction, error) {
	return getByRequestID(ctx, t.q, requestID)
}

func (t *postgresTx) Finalize(ctx context.Context, id uuid.UUID, p FinalizeParams) error {
	var metadata []byte
	if p.Metadata != nil {
		var err error
		metadata, err = marshalMetadata(p.Metadata)
		if err != nil {
			return err
		}
	}

	var promptTokens, completionTokens, totalTokens *int32
	if p.Usage != nil {
		promptTokens = nullableInt32(p.Usage.PromptTokens)
		completionTokens = nullableInt32(p.Usage.CompletionTokens)
		totalTokens = nullableInt32(p.Usage.TotalTokens)
	}

	tag, err := t.q.Exec(ctx,
		`UPDATE ledger_transactions
		 SET status = $2,
		     settled_at = COALESCE($3, settled_at),
		     metadata = COALESCE($4, metadata),
		     provider = COALESCE($5, provider),
		     model = COALESCE($6, model),
		     prompt_tokens = COALESCE($7, prompt_tokens),
		     completion_tokens = COALESCE($8, completion_tokens),
		     total_tokens = COALESCE($9, total_tokens)
		 WHERE id = $1 AND status = 'RESERVED'`,
		id, p.Status, p.SettledAt, metadata,
		nullableString(p.Provider), nullableString(p.Model),
		promptTokens, completionTokens, totalTokens)
	if err != nil {
		return fmt.Errorf("finalizing reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrReservationNotFound
	}
	return nil
}

func (t *postgresTx) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	return balance(ctx, t.q, userID)
}

func (t *postgresTx) BalanceForUpdate(ctx context.Context, userID uuid.UUID) (int64, error) {
	var bal int64
	err := t.q.QueryRow(ctx,
		`SELECT credits_balance FROM accounts WHERE user_id = $1 FOR UPDATE`, userID).Scan(&bal)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("locking account balance: %w", err)
	}
	return bal, nil
}

func (t *postgresTx) AccountUnlimited(ctx context.Context, userID uuid.UUID) (bool, error) {
	var unlimited bool
	err := t.q.QueryRow(ctx,
		`SELECT unlimited FROM accounts WHERE user_id = $1`, userID).Scan(&unlimited)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("querying account flags: %w", err)
	}
	return unlimited, nil
}

// IsRequestIDConflict reports whether err is the unique violation raised
// when two concurrent reserves race on the same request id.
func IsRequestIDConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "ledger_transactions_request_id_key"
}

const txColumns = `id, user_id, delta, balance_after, type, status, feature,
	provider, model, prompt_tokens, completion_tokens, total_tokens,
	request_id, related_transaction_id, metadata, created_at, settled_at`

func balance(ctx context.Context, q querier, userID uuid.UUID) (int64, error) {
	var bal int64
	err := q.QueryRow(ctx,
		`SELECT credits_balance FROM accounts WHERE user_id = $1`, userID).Scan(&bal)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Accounts are created lazily; an unknown user has balance 0.
			return 0, nil
		}
		return 0, fmt.Errorf("querying account balance: %w", err)
	}
	return bal, nil
}

func getByRequestID(ctx context.Context, q querier, requestID string) (*Transaction, error) {
	row := q.QueryRow(ctx,
		`SELECT `+txColumns+` FROM ledger_transactions WHERE request_id = $1`, requestID)
	txn, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying transaction by request id: %w", err)
	}
	return txn, nil
}

func getTransaction(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (*Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM ledger_transactions WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	txn, err := scanTransaction(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReservationNotFound
		}
		return nil, fmt.Errorf("querying ledger transaction: %w", err)
	}
	return txn, nil
}

func scanTransaction(row pgx.Row) (*Transaction, error) {
	txn := &Transaction{}
	err := row.Scan(
		&txn.ID, &txn.UserID, &txn.Delta, &txn.BalanceAfter, &txn.Type, &txn.Status, &txn.Feature,
		&txn.Provider, &txn.Model, &txn.PromptTokens, &txn.CompletionTokens, &txn.TotalTokens,
		&txn.RequestID, &txn.RelatedTransactionID, &txn.Metadata, &txn.CreatedAt, &txn.SettledAt)
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func scanTransactions(rows pgx.Rows) ([]Transaction, error) {
	var txns []Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning ledger transaction: %w", err)
		}
		txns = append(txns, *txn)
	}
	return txns, rows.Err()
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte(`{}`), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling transaction metadata: %w", err)
	}
	return data, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableInt32(v int32) *int32 {
	if v == 0 {
		return nil
	}
	return &v
}
