package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/xela07ax/vots-relay/internal/domain"
)

const txColumns = `id, from_agent, to_agent, amount, service_reference, memo, status, settlement_ref, failure_kind, failure_reason, attempts, created_at, finalized_at`

func (s *Store) CreateTransaction(ctx context.Context, t *domain.Transaction) error {
	query := `INSERT INTO transactions (` + txColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := s.db.ExecContext(ctx, s.q(query),
		t.ID, t.FromAgent, t.ToAgent, t.Amount, t.ServiceReference, t.Memo,
		string(t.Status), t.SettlementRef, string(t.FailureKind), t.FailureReason, t.Attempts,
		t.CreatedAt, nullTime(t.FinalizedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Duplicatef("transaction %s already exists", t.ID)
		}
		return fmt.Errorf("%s: failed to insert transaction: %w", s.dialect, err)
	}
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE id = $1`

	t, err := scanTx(s.db.QueryRowContext(ctx, s.q(query), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFoundf("transaction %s not found", id)
		}
		return nil, fmt.Errorf("%s: failed to get transaction: %w", s.dialect, err)
	}
	return t, nil
}

// FinalizeTransaction пишет терминальное состояние только поверх pending и в той же
// SQL-транзакции обновляет счетчики репутации участников.
func (s *Store) FinalizeTransaction(ctx context.Context, t *domain.Transaction) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: failed to begin finalize: %w", s.dialect, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := `UPDATE transactions
	          SET status = $1, settlement_ref = $2, failure_kind = $3, failure_reason = $4, attempts = $5, finalized_at = $6
	          WHERE id = $7 AND status = 'pending'`

	res, err := tx.ExecContext(ctx, s.q(query),
		string(t.Status), t.SettlementRef, string(t.FailureKind), t.FailureReason, t.Attempts, nullTime(t.FinalizedAt),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("%s: failed to finalize transaction: %w", s.dialect, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var one int
		err = tx.QueryRowContext(ctx, s.q(`SELECT 1 FROM transactions WHERE id = $1`), t.ID).Scan(&one)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return domain.NotFoundf("transaction %s not found", t.ID)
		case err != nil:
			return fmt.Errorf("%s: failed to get transaction: %w", s.dialect, err)
		}
		return domain.ErrAlreadyFinal
	}

	at := time.Now().UTC()
	if t.FinalizedAt != nil {
		at = *t.FinalizedAt
	}
	for _, o := range t.Outcomes() {
		if err := s.recordOutcome(ctx, tx, o, at); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: failed to commit finalize: %w", s.dialect, err)
	}
	return nil
}

// ListTransactions — от новых к старым.
func (s *Store) ListTransactions(ctx context.Context, agentID string, d domain.Direction) iter.Seq2[domain.Transaction, error] {
	return func(yield func(domain.Transaction, error) bool) {
		var cond string
		args := []any{agentID}
		switch d {
		case domain.DirectionSent:
			cond = "from_agent = $1"
		case domain.DirectionReceived:
			cond = "to_agent = $1"
		default:
			cond = "(from_agent = $1 OR to_agent = $2)"
			args = append(args, agentID)
		}

		query := `SELECT ` + txColumns + ` FROM transactions WHERE ` + cond + ` ORDER BY seq DESC`
		rows, err := s.db.QueryContext(ctx, s.q(query), args...)
		if err != nil {
			yield(domain.Transaction{}, fmt.Errorf("%s: failed to query transactions: %w", s.dialect, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			t, err := scanTx(rows)
			if err != nil {
				yield(domain.Transaction{}, fmt.Errorf("%s: failed to scan transaction: %w", s.dialect, err))
				return
			}
			if !yield(*t, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.Transaction{}, fmt.Errorf("%s: transactions cursor: %w", s.dialect, err))
		}
	}
}

// ListStalePending — pending, созданные раньше before. Порог сравнивается в Go:
// SQLite хранит время строкой, и сравнение в SQL зависело бы от формата.
func (s *Store) ListStalePending(ctx context.Context, before time.Time) ([]domain.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE status = 'pending' ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to query pending transactions: %w", s.dialect, err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to scan transaction: %w", s.dialect, err)
		}
		if t.CreatedAt.Before(before) {
			out = append(out, *t)
		}
	}
	return out, rows.Err()
}

func scanTx(row scannable) (*domain.Transaction, error) {
	var (
		t         domain.Transaction
		status    string
		kind      string
		finalized sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.FromAgent, &t.ToAgent, &t.Amount, &t.ServiceReference, &t.Memo,
		&status, &t.SettlementRef, &kind, &t.FailureReason, &t.Attempts,
		&t.CreatedAt, &finalized,
	)
	if err != nil {
		return nil, err
	}
	t.Status = domain.TxStatus(status)
	t.FailureKind = domain.Kind(kind)
	if finalized.Valid {
		at := finalized.Time
		t.FinalizedAt = &at
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
