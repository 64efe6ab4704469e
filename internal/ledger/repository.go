package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/renderloom/backend/internal/models"
)

const pgUniqueViolation = "23505"

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

const entryColumns = `id, user_id, category, direction, amount, balance_after, source, reason,
	job_id, payment_id, invoice_id, meta, idempotency_key, created_by, created_at`

// InsertEntry appends a ledger entry and mutates the matching balance in one
// transaction. A replayed idempotency key returns the original entry without
// any balance change, even when two writers race on the same key: the loser's
// unique-violation rolls back its balance mutation and the winner's entry is
// re-read and returned.
func (r *Repository) InsertEntry(ctx context.Context, e *models.LedgerEntry) (*models.LedgerEntry, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if existing, err := r.entryByKey(ctx, tx, e.IdempotencyKey); err == nil {
		return existing, true, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	balanceAfter, err := r.applyBalance(ctx, tx, e)
	if err != nil {
		return nil, false, err
	}
	e.BalanceAfter = balanceAfter

	err = tx.QueryRow(ctx, `
		INSERT INTO credits_ledger (id, user_id, category, direction, amount, balance_after,
			source, reason, job_id, payment_id, invoice_id, meta, idempotency_key, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at
	`, e.ID, e.UserID, e.Category, e.Direction, e.Amount, e.BalanceAfter,
		e.Source, e.Reason, e.JobID, e.PaymentID, e.InvoiceID, e.Meta, e.IdempotencyKey, e.CreatedBy,
	).Scan(&e.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			// Lost an idempotency race. The rollback undoes our balance
			// mutation; return whatever the winner wrote.
			_ = tx.Rollback(ctx)
			return r.entryByKeyPool(ctx, e.IdempotencyKey)
		}
		return nil, false, fmt.Errorf("insert ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit ledger tx: %w", err)
	}
	return e, false, nil
}

// applyBalance mutates the (user, category) balance row inside tx and returns
// the post-mutation amount. Debits that would go negative return
// ErrInsufficientBalance and leave the row untouched.
func (r *Repository) applyBalance(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) (int64, error) {
	if e.Direction == models.DirectionCredit {
		var after int64
		err := tx.QueryRow(ctx, `
			INSERT INTO balances (user_id, category, amount)
			VALUES ($1, $2, $3)
			ON CONFLICT (user_id, category)
			DO UPDATE SET amount = balances.amount + EXCLUDED.amount, updated_at = now()
			RETURNING amount
		`, e.UserID, e.Category, e.Amount).Scan(&after)
		if err != nil {
			return 0, fmt.Errorf("credit balance: %w", err)
		}
		return after, nil
	}

	// Debit: the conditional UPDATE is the hard negative-balance guard.
	var after int64
	err := tx.QueryRow(ctx, `
		UPDATE balances
		SET amount = amount - $1, updated_at = now()
		WHERE user_id = $2 AND category = $3 AND amount >= $1
		RETURNING amount
	`, e.Amount, e.UserID, e.Category).Scan(&after)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrInsufficientBalance
	}
	if err != nil {
		return 0, fmt.Errorf("debit balance: %w", err)
	}
	return after, nil
}

func (r *Repository) entryByKey(ctx context.Context, tx pgx.Tx, key string) (*models.LedgerEntry, error) {
	row := tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM credits_ledger WHERE idempotency_key = $1`, key)
	return scanEntry(row)
}

// entryByKeyPool re-reads an entry outside the (rolled back) transaction. A
// present key without a readable entry is the ledger-corrupt class.
func (r *Repository) entryByKeyPool(ctx context.Context, key string) (*models.LedgerEntry, bool, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM credits_ledger WHERE idempotency_key = $1`, key)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("%w: key %s", ErrCorrupt, key)
	}
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

func (r *Repository) GetBalances(ctx context.Context, userID string) (map[string]int64, error) {
	out := map[string]int64{models.CategoryImage: 0, models.CategoryVideo: 0}
	rows, err := r.pool.Query(ctx, `SELECT category, amount FROM balances WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("get balances: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var category string
		var amount int64
		if err := rows.Scan(&category, &amount); err != nil {
			return nil, err
		}
		out[category] = amount
	}
	return out, rows.Err()
}

// SeedOpeningEntries writes one opening credit entry per non-zero balance for
// users that have a balance but no ledger history, so summing the ledger
// reconstructs the balance even for pre-ledger users. Idempotent: guarded by
// an existence check and the opening idempotency key.
func (r *Repository) SeedOpeningEntries(ctx context.Context, userID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var hasEntries bool
	err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM credits_ledger WHERE user_id = $1)`, userID).Scan(&hasEntries)
	if err != nil {
		return err
	}
	if hasEntries {
		return nil
	}

	rows, err := tx.Query(ctx, `SELECT category, amount FROM balances WHERE user_id = $1 AND amount > 0`, userID)
	if err != nil {
		return err
	}
	type opening struct {
		category string
		amount   int64
	}
	var openings []opening
	for rows.Next() {
		var o opening
		if err := rows.Scan(&o.category, &o.amount); err != nil {
			rows.Close()
			return err
		}
		openings = append(openings, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, o := range openings {
		_, err := tx.Exec(ctx, `
			INSERT INTO credits_ledger (id, user_id, category, direction, amount, balance_after,
				source, reason, idempotency_key, created_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (idempotency_key) DO NOTHING
		`, uuid.New(), userID, o.category, models.DirectionCredit, o.amount, o.amount,
			models.SourceAdminAdjustment, "opening balance backfill",
			fmt.Sprintf("opening:%s:%s", o.category, userID), "system")
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// pageCursor is the opaque keyset cursor for QueryEntries.
type pageCursor struct {
	T  time.Time `json:"t"`
	ID uuid.UUID `json:"id"`
}

func encodeCursor(c pageCursor) string {
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeCursor(s string) (pageCursor, error) {
	var c pageCursor
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, err
	}
	return c, nil
}

func (r *Repository) QueryEntries(ctx context.Context, q Query) ([]*models.LedgerEntry, string, error) {
	sql := `SELECT ` + entryColumns + ` FROM credits_ledger WHERE 1=1`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		sql += fmt.Sprintf(clause, len(args))
	}

	if q.UserID != "" {
		add(" AND user_id = $%d", q.UserID)
	}
	if q.Category != "" {
		add(" AND category = $%d", q.Category)
	}
	if q.Direction != "" {
		add(" AND direction = $%d", q.Direction)
	}
	if q.Source != "" {
		add(" AND source = $%d", q.Source)
	}
	if q.JobID != nil {
		add(" AND job_id = $%d", *q.JobID)
	}
	if q.PaymentID != "" {
		add(" AND payment_id = $%d", q.PaymentID)
	}
	if q.From != nil {
		add(" AND created_at >= $%d", *q.From)
	}
	if q.To != nil {
		add(" AND created_at <= $%d", *q.To)
	}
	if q.Cursor != "" {
		cur, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("%w: bad cursor", ErrInvalidArgument)
		}
		args = append(args, cur.T, cur.ID)
		sql += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}

	args = append(args, q.Limit+1)
	sql += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, "", fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var entries []*models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, "", err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(entries) > q.Limit {
		entries = entries[:q.Limit]
		last := entries[len(entries)-1]
		next = encodeCursor(pageCursor{T: last.CreatedAt, ID: last.ID})
	}
	return entries, next, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := row.Scan(&e.ID, &e.UserID, &e.Category, &e.Direction, &e.Amount, &e.BalanceAfter,
		&e.Source, &e.Reason, &e.JobID, &e.PaymentID, &e.InvoiceID, &e.Meta,
		&e.IdempotencyKey, &e.CreatedBy, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
