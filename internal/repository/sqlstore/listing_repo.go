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

const listingColumns = `id, agent_id, price, description, capabilities_required, active, created_at, withdrawn_at`

func (s *Store) CreateListing(ctx context.Context, l *domain.ServiceListing) error {
	query := `INSERT INTO service_listings (` + listingColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.db.ExecContext(ctx, s.q(query),
		l.ID, l.AgentID, l.Price, l.Description, encodeSet(l.CapabilitiesRequired),
		l.Active, l.CreatedAt, nullTime(l.WithdrawnAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Duplicatef("service %s already exists", l.ID)
		}
		return fmt.Errorf("%s: failed to insert listing: %w", s.dialect, err)
	}
	return nil
}

func (s *Store) GetListing(ctx context.Context, id string) (*domain.ServiceListing, error) {
	query := `SELECT ` + listingColumns + ` FROM service_listings WHERE id = $1`

	l, err := scanListing(s.db.QueryRowContext(ctx, s.q(query), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFoundf("service %s not found", id)
		}
		return nil, fmt.Errorf("%s: failed to get listing: %w", s.dialect, err)
	}
	return l, nil
}

// WithdrawListing снимает только активную услугу.
func (s *Store) WithdrawListing(ctx context.Context, id string, now time.Time) error {
	query := `UPDATE service_listings SET active = $1, withdrawn_at = $2 WHERE id = $3 AND active = $4`

	res, err := s.db.ExecContext(ctx, s.q(query), false, now, id, true)
	if err != nil {
		return fmt.Errorf("%s: failed to withdraw listing: %w", s.dialect, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("service %s not found", id)
	}
	return nil
}

func (s *Store) FindListings(ctx context.Context, f domain.ServiceFilter) iter.Seq2[domain.ServiceListing, error] {
	return func(yield func(domain.ServiceListing, error) bool) {
		var w where
		w.add("active = $%d", true)
		if f.MaxPrice > 0 {
			w.add("price <= $%d", f.MaxPrice)
		}
		if f.Capability != "" {
			w.add("capabilities_required"+setContains, f.Capability)
		}
		order := " ORDER BY seq"
		if f.CheapestFirst() {
			order = " ORDER BY price, seq"
		}

		rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+listingColumns+` FROM service_listings`+w.String()+order), w.args...)
		if err != nil {
			yield(domain.ServiceListing{}, fmt.Errorf("%s: failed to query listings: %w", s.dialect, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			l, err := scanListing(rows)
			if err != nil {
				yield(domain.ServiceListing{}, fmt.Errorf("%s: failed to scan listing: %w", s.dialect, err))
				return
			}
			if !f.Match(l) {
				continue
			}
			if !yield(*l, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.ServiceListing{}, fmt.Errorf("%s: listings cursor: %w", s.dialect, err))
		}
	}
}

func scanListing(row scannable) (*domain.ServiceListing, error) {
	var (
		l         domain.ServiceListing
		caps      string
		withdrawn sql.NullTime
	)
	err := row.Scan(&l.ID, &l.AgentID, &l.Price, &l.Description, &caps, &l.Active, &l.CreatedAt, &withdrawn)
	if err != nil {
		return nil, err
	}
	l.CapabilitiesRequired = decodeSet(caps)
	if withdrawn.Valid {
		at := withdrawn.Time
		l.WithdrawnAt = &at
	}
	return &l, nil
}
