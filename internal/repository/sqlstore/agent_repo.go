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

const agentColumns = `id, display_name, payment_address, capabilities, reputation, successes, failures, active, version, created_at, updated_at`

func (s *Store) CreateAgent(ctx context.Context, a *domain.Agent) error {
	query := `INSERT INTO agents (` + agentColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.db.ExecContext(ctx, s.q(query),
		a.ID, a.DisplayName, a.PaymentAddress, encodeSet(a.Capabilities),
		a.Reputation, a.Successes, a.Failures, a.Active, a.Version,
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Duplicatef("payment address %s is already registered", a.PaymentAddress)
		}
		return fmt.Errorf("%s: failed to insert agent: %w", s.dialect, err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id = $1`

	a, err := scanAgent(s.db.QueryRowContext(ctx, s.q(query), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFoundf("agent %s not found", id)
		}
		return nil, fmt.Errorf("%s: failed to get agent: %w", s.dialect, err)
	}
	return a, nil
}

// ListAgents — каждый проход итератора заново выполняет запрос.
func (s *Store) ListAgents(ctx context.Context, f domain.AgentFilter) iter.Seq2[domain.Agent, error] {
	return func(yield func(domain.Agent, error) bool) {
		var w where
		if f.ActiveOnly {
			w.add("active = $%d", true)
		}
		if f.Capability != "" {
			w.add("capabilities"+setContains, f.Capability)
		}
		order := " ORDER BY seq"
		if f.RankByReputation {
			order = " ORDER BY reputation DESC, seq"
		}

		rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+agentColumns+` FROM agents`+w.String()+order), w.args...)
		if err != nil {
			yield(domain.Agent{}, fmt.Errorf("%s: failed to query agents: %w", s.dialect, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			a, err := scanAgent(rows)
			if err != nil {
				yield(domain.Agent{}, fmt.Errorf("%s: failed to scan agent: %w", s.dialect, err))
				return
			}
			// LIKE считает '_' шаблоном — перепроверяем точное совпадение
			if !f.Match(a) {
				continue
			}
			if !yield(*a, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.Agent{}, fmt.Errorf("%s: agents cursor: %w", s.dialect, err))
		}
	}
}

// UpdateAgentReputation — CAS по version.
func (s *Store) UpdateAgentReputation(ctx context.Context, a *domain.Agent, expectedVersion int64) error {
	query := `UPDATE agents
	          SET successes = $1, failures = $2, reputation = $3, updated_at = $4, version = $5
	          WHERE id = $6 AND version = $7`

	res, err := s.db.ExecContext(ctx, s.q(query),
		a.Successes, a.Failures, a.Reputation, a.UpdatedAt, expectedVersion+1,
		a.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("%s: failed to update reputation: %w", s.dialect, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrVersionConflict
	}
	return nil
}

// recordOutcome учитывает исход в счетчиках агента внутри транзакции финализации.
// В Postgres строка блокируется до коммита; SQLite сериализует писателей сам.
func (s *Store) recordOutcome(ctx context.Context, tx *sql.Tx, o domain.AgentOutcome, now time.Time) error {
	query := `SELECT successes, failures FROM agents WHERE id = $1`
	if s.dialect == Postgres {
		query += ` FOR UPDATE`
	}

	a := &domain.Agent{ID: o.AgentID}
	if err := tx.QueryRowContext(ctx, s.q(query), o.AgentID).Scan(&a.Successes, &a.Failures); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.NotFoundf("agent %s not found", o.AgentID)
		}
		return fmt.Errorf("%s: failed to read agent counters: %w", s.dialect, err)
	}
	a.Record(o.Outcome, now)

	update := `UPDATE agents
	           SET successes = $1, failures = $2, reputation = $3, updated_at = $4, version = version + 1
	           WHERE id = $5`
	if _, err := tx.ExecContext(ctx, s.q(update), a.Successes, a.Failures, a.Reputation, a.UpdatedAt, a.ID); err != nil {
		return fmt.Errorf("%s: failed to update reputation: %w", s.dialect, err)
	}
	return nil
}

// SetAgentActive — Kill-switch агента. Агенты не удаляются.
func (s *Store) SetAgentActive(ctx context.Context, id string, active bool, now time.Time) error {
	query := `UPDATE agents SET active = $1, updated_at = $2, version = version + 1 WHERE id = $3`

	res, err := s.db.ExecContext(ctx, s.q(query), active, now, id)
	if err != nil {
		return fmt.Errorf("%s: failed to update agent status: %w", s.dialect, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("agent %s not found", id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanAgent(row scannable) (*domain.Agent, error) {
	var (
		a    domain.Agent
		caps string
	)
	err := row.Scan(
		&a.ID, &a.DisplayName, &a.PaymentAddress, &caps,
		&a.Reputation, &a.Successes, &a.Failures, &a.Active, &a.Version,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Capabilities = decodeSet(caps)
	return &a, nil
}
