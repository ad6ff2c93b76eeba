package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/amirphl/bridge-trader/internal/db/conf"
	"github.com/amirphl/bridge-trader/internal/exchange"
	"github.com/amirphl/bridge-trader/internal/journal"
	"github.com/amirphl/bridge-trader/internal/settlement"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

// executeWithTransaction executes a function with proper transaction management
// If a transaction exists in context, it uses that. Otherwise, it creates a new one.
func (p *Default) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if tx := GetTransaction(ctx); tx != nil {
		return fn(tx)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if fnErr := fn(tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}

	return nil
}

// queryWithTransaction executes a query using transaction from context if available
func (p *Default) queryWithTransaction(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return p.db.QueryContext(ctx, query, args...)
}

// queryRowWithTransaction is the single-row variant of queryWithTransaction
func (p *Default) queryRowWithTransaction(ctx context.Context, query string, args ...any) *sql.Row {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryRowContext(ctx, query, args...)
	}
	return p.db.QueryRowContext(ctx, query, args...)
}

type Default struct {
	db *sql.DB
}

func New(c conf.Config) (*Default, error) {
	if c.DB == nil {
		return nil, errors.New("db: nil connection")
	}
	return &Default{db: c.DB}, nil
}

func (p *Default) GetDB() *sql.DB {
	return p.db
}

// WithinTx runs fn with a transaction in its context. Nested calls join the outer transaction.
func (p *Default) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		return fn(WithTransaction(ctx, tx))
	})
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

const redirectColumns = `id, status, local_order_id, remote_order_id, task_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRedirect(row rowScanner) (settlement.Redirect, error) {
	var r settlement.Redirect
	var status string
	if err := row.Scan(&r.ID, &status, &r.LocalOrderID, &r.RemoteOrderID, &r.TaskID, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return settlement.Redirect{}, err
	}
	st, err := settlement.ParseStatus(status)
	if err != nil {
		return settlement.Redirect{}, err
	}
	r.Status = st
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

// CreateRedirect inserts a redirect. A second redirect for the same local order fails with
// ErrDuplicateSettlement.
func (p *Default) CreateRedirect(ctx context.Context, r settlement.Redirect) (settlement.Redirect, error) {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	if r.Status == "" {
		r.Status = settlement.StatusInit
	}

	err := p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			INSERT INTO redirects (status, local_order_id, remote_order_id, task_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			string(r.Status), r.LocalOrderID, r.RemoteOrderID, r.TaskID, r.CreatedAt, r.UpdatedAt).Scan(&r.ID)
	})
	if err != nil {
		if isUniqueViolation(err) {
			return settlement.Redirect{}, fmt.Errorf("%w: local order %d", ErrDuplicateSettlement, r.LocalOrderID)
		}
		return settlement.Redirect{}, fmt.Errorf("failed to create redirect for local order %d: %w", r.LocalOrderID, err)
	}
	return r, nil
}

func (p *Default) GetRedirect(ctx context.Context, id int64) (settlement.Redirect, error) {
	r, err := scanRedirect(p.queryRowWithTransaction(ctx,
		`SELECT `+redirectColumns+` FROM redirects WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.Redirect{}, fmt.Errorf("%w: %d", settlement.ErrRedirectNotFound, id)
	}
	if err != nil {
		return settlement.Redirect{}, fmt.Errorf("failed to get redirect %d: %w", id, err)
	}
	return r, nil
}

func (p *Default) GetRedirectByLocalOrder(ctx context.Context, localOrderID int64) (settlement.Redirect, error) {
	r, err := scanRedirect(p.queryRowWithTransaction(ctx,
		`SELECT `+redirectColumns+` FROM redirects WHERE local_order_id=$1`, localOrderID))
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.Redirect{}, fmt.Errorf("%w: local order %d", settlement.ErrRedirectNotFound, localOrderID)
	}
	if err != nil {
		return settlement.Redirect{}, fmt.Errorf("failed to get redirect for local order %d: %w", localOrderID, err)
	}
	return r, nil
}

// LockRedirect selects the redirect FOR UPDATE inside the context's transaction.
func (p *Default) LockRedirect(ctx context.Context, id int64) (settlement.Redirect, error) {
	tx := GetTransaction(ctx)
	if tx == nil {
		return settlement.Redirect{}, settlement.ErrNoTransaction
	}
	r, err := scanRedirect(tx.QueryRowContext(ctx,
		`SELECT `+redirectColumns+` FROM redirects WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.Redirect{}, fmt.Errorf("%w: %d", settlement.ErrRedirectNotFound, id)
	}
	if err != nil {
		return settlement.Redirect{}, fmt.Errorf("failed to lock redirect %d: %w", id, err)
	}
	return r, nil
}

func (p *Default) UpdateRedirect(ctx context.Context, r settlement.Redirect) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE redirects SET status=$1, remote_order_id=$2, task_id=$3, updated_at=$4
			WHERE id=$5`,
			string(r.Status), r.RemoteOrderID, r.TaskID, r.UpdatedAt, r.ID)
		if err != nil {
			return fmt.Errorf("failed to update redirect %d: %w", r.ID, err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return fmt.Errorf("%w: %d", settlement.ErrRedirectNotFound, r.ID)
		}
		return nil
	})
}

// ListRedirects returns redirects in any of statuses, oldest first. No status means all.
func (p *Default) ListRedirects(ctx context.Context, statuses ...settlement.Status) ([]settlement.Redirect, error) {
	query := `SELECT ` + redirectColumns + ` FROM redirects`
	var args []any
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, s := range statuses {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args = append(args, string(s))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY id ASC`

	rows, err := p.queryWithTransaction(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query redirects: %w", err)
	}
	defer rows.Close()

	var redirects []settlement.Redirect
	for rows.Next() {
		r, err := scanRedirect(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan redirect: %w", err)
		}
		redirects = append(redirects, r)
	}
	return redirects, rows.Err()
}

func (p *Default) SaveTransmission(ctx context.Context, t settlement.Transmission) (settlement.Transmission, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	err := p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			INSERT INTO transmissions (redirect_id, currency, amount, system, address, withdrawal_id, idempotency_key, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id`,
			t.RedirectID, t.Currency, t.Amount, string(t.System), t.Address, t.WithdrawalID, t.IdempotencyKey, t.CreatedAt).Scan(&t.ID)
	})
	if err != nil {
		return settlement.Transmission{}, fmt.Errorf("failed to save transmission for redirect %d: %w", t.RedirectID, err)
	}
	return t, nil
}

func (p *Default) GetTransmissions(ctx context.Context, redirectID int64) ([]settlement.Transmission, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT id, redirect_id, currency, amount, system, address, withdrawal_id, idempotency_key, created_at
		FROM transmissions WHERE redirect_id=$1 ORDER BY id ASC`, redirectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transmissions: %w", err)
	}
	defer rows.Close()

	var out []settlement.Transmission
	for rows.Next() {
		var t settlement.Transmission
		var system string
		if err := rows.Scan(&t.ID, &t.RedirectID, &t.Currency, &t.Amount, &system, &t.Address,
			&t.WithdrawalID, &t.IdempotencyKey, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transmission: %w", err)
		}
		t.System = exchange.System(system)
		t.CreatedAt = t.CreatedAt.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Default) LogEvent(ctx context.Context, event journal.Event) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		data, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO events (time, type, description, data) VALUES ($1,$2,$3,$4)`,
			event.Time, event.Type, event.Description, data)
		if err != nil {
			return fmt.Errorf("failed to log event: %w", err)
		}
		return nil
	})
}

func (p *Default) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT time, type, description, data FROM events WHERE type=$1 AND time >= $2 AND time <= $3 ORDER BY time ASC, id ASC`, eventType, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []journal.Event
	for rows.Next() {
		var e journal.Event
		var data []byte
		if err := rows.Scan(&e.Time, &e.Type, &e.Description, &data); err != nil {
			return nil, err
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
			}
		}
		e.Time = e.Time.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}
