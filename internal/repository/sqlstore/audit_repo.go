package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/xela07ax/vots-relay/internal/audit"
)

// Количество колонок в settlement_attempts
const attemptFields = 9

// WriteBatch — пакетная вставка попыток одним INSERT.
func (s *Store) WriteBatch(ctx context.Context, batch []audit.Attempt) error {
	if len(batch) == 0 {
		return nil
	}

	var sb strings.Builder
	vals := make([]any, 0, len(batch)*attemptFields)
	for i, a := range batch {
		p := i * attemptFields
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9)

		vals = append(vals,
			a.ID, a.TransactionID, a.TraceID, a.Number, a.Rail,
			a.Outcome, a.Error, a.DurationMs, a.Timestamp,
		)
	}

	query := "INSERT INTO settlement_attempts (id, transaction_id, trace_id, attempt, rail, outcome, error, duration_ms, attempted_at) VALUES " + sb.String()
	if _, err := s.db.ExecContext(ctx, s.q(query), vals...); err != nil {
		return fmt.Errorf("%s: failed to write attempts: %w", s.dialect, err)
	}
	return nil
}

// Attempts — журнал попыток транзакции в порядке номера.
func (s *Store) Attempts(ctx context.Context, txID string) ([]audit.Attempt, error) {
	query := `SELECT id, transaction_id, trace_id, attempt, rail, outcome, error, duration_ms, attempted_at
	          FROM settlement_attempts WHERE transaction_id = $1 ORDER BY attempt`

	rows, err := s.db.QueryContext(ctx, s.q(query), txID)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to query attempts: %w", s.dialect, err)
	}
	defer rows.Close()

	out := make([]audit.Attempt, 0)
	for rows.Next() {
		var a audit.Attempt
		if err := rows.Scan(&a.ID, &a.TransactionID, &a.TraceID, &a.Number, &a.Rail, &a.Outcome, &a.Error, &a.DurationMs, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("%s: failed to scan attempt: %w", s.dialect, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
