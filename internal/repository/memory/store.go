// Package memory — хранилище в памяти процесса (driver: memory) для dev и тестов.
// Семантика совпадает с SQL-хранилищем: уникальный адрес, CAS по version,
// условная финализация транзакции.
package memory

import (
	"cmp"
	"context"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/xela07ax/vots-relay/internal/audit"
	"github.com/xela07ax/vots-relay/internal/domain"
)

type Store struct {
	mu sync.RWMutex

	agents     map[string]*domain.Agent
	agentOrder []string
	byAddress  map[string]string
	txs        map[string]*domain.Transaction
	txOrder    []string
	listings   map[string]*domain.ServiceListing
	listOrder  []string
	attempts   []audit.Attempt
}

func NewStore() *Store {
	return &Store{
		agents:    make(map[string]*domain.Agent),
		byAddress: make(map[string]string),
		txs:       make(map[string]*domain.Transaction),
		listings:  make(map[string]*domain.ServiceListing),
	}
}

// --- Agents ---

func (s *Store) CreateAgent(_ context.Context, a *domain.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byAddress[a.PaymentAddress]; ok {
		return domain.Duplicatef("payment address %s is already registered", a.PaymentAddress)
	}
	if _, ok := s.agents[a.ID]; ok {
		return domain.Duplicatef("agent %s already exists", a.ID)
	}
	s.agents[a.ID] = cloneAgent(a)
	s.agentOrder = append(s.agentOrder, a.ID)
	s.byAddress[a.PaymentAddress] = a.ID
	return nil
}

func (s *Store) GetAgent(_ context.Context, id string) (*domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[id]
	if !ok {
		return nil, domain.NotFoundf("agent %s not found", id)
	}
	return cloneAgent(a), nil
}

// ListAgents — снимок под блокировкой на каждый проход итератора.
func (s *Store) ListAgents(_ context.Context, f domain.AgentFilter) iter.Seq2[domain.Agent, error] {
	return func(yield func(domain.Agent, error) bool) {
		s.mu.RLock()
		out := make([]domain.Agent, 0, len(s.agentOrder))
		for _, id := range s.agentOrder {
			if a := s.agents[id]; f.Match(a) {
				out = append(out, *cloneAgent(a))
			}
		}
		s.mu.RUnlock()

		if f.RankByReputation {
			// Стабильная сортировка сохраняет порядок вставки при равной репутации
			slices.SortStableFunc(out, func(a, b domain.Agent) int {
				return cmp.Compare(b.Reputation, a.Reputation)
			})
		}
		for _, a := range out {
			if !yield(a, nil) {
				return
			}
		}
	}
}

// UpdateAgentReputation записывает счетчики, если version не изменилась.
func (s *Store) UpdateAgentReputation(_ context.Context, a *domain.Agent, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.agents[a.ID]
	if !ok {
		return domain.NotFoundf("agent %s not found", a.ID)
	}
	if cur.Version != expectedVersion {
		return domain.ErrVersionConflict
	}
	cur.Successes = a.Successes
	cur.Failures = a.Failures
	cur.Reputation = a.Reputation
	cur.UpdatedAt = a.UpdatedAt
	cur.Version = expectedVersion + 1
	return nil
}

func (s *Store) SetAgentActive(_ context.Context, id string, active bool, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return domain.NotFoundf("agent %s not found", id)
	}
	a.Active = active
	a.UpdatedAt = now
	a.Version++
	return nil
}

// --- Transactions ---

func (s *Store) CreateTransaction(_ context.Context, t *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.txs[t.ID]; ok {
		return domain.Duplicatef("transaction %s already exists", t.ID)
	}
	s.txs[t.ID] = cloneTx(t)
	s.txOrder = append(s.txOrder, t.ID)
	return nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.txs[id]
	if !ok {
		return nil, domain.NotFoundf("transaction %s not found", id)
	}
	return cloneTx(t), nil
}

// FinalizeTransaction — единственный переход pending -> settled|failed.
// Репутация участников меняется под той же блокировкой: либо все, либо ничего.
func (s *Store) FinalizeTransaction(_ context.Context, t *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.txs[t.ID]
	if !ok {
		return domain.NotFoundf("transaction %s not found", t.ID)
	}
	if cur.Status != domain.TxPending {
		return domain.ErrAlreadyFinal
	}

	outcomes := t.Outcomes()
	for _, o := range outcomes {
		if _, ok := s.agents[o.AgentID]; !ok {
			return domain.NotFoundf("agent %s not found", o.AgentID)
		}
	}
	at := time.Now().UTC()
	if t.FinalizedAt != nil {
		at = *t.FinalizedAt
	}
	for _, o := range outcomes {
		a := s.agents[o.AgentID]
		a.Record(o.Outcome, at)
		a.Version++
	}
	s.txs[t.ID] = cloneTx(t)
	return nil
}

// ListTransactions — от новых к старым.
func (s *Store) ListTransactions(_ context.Context, agentID string, d domain.Direction) iter.Seq2[domain.Transaction, error] {
	return func(yield func(domain.Transaction, error) bool) {
		s.mu.RLock()
		var out []domain.Transaction
		for i := len(s.txOrder) - 1; i >= 0; i-- {
			if t := s.txs[s.txOrder[i]]; t.Involves(agentID, d) {
				out = append(out, *cloneTx(t))
			}
		}
		s.mu.RUnlock()

		for _, t := range out {
			if !yield(t, nil) {
				return
			}
		}
	}
}

func (s *Store) ListStalePending(_ context.Context, before time.Time) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Transaction
	for _, id := range s.txOrder {
		if t := s.txs[id]; t.Status == domain.TxPending && t.CreatedAt.Before(before) {
			out = append(out, *cloneTx(t))
		}
	}
	return out, nil
}

// --- Listings ---

func (s *Store) CreateListing(_ context.Context, l *domain.ServiceListing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.listings[l.ID]; ok {
		return domain.Duplicatef("listing %s already exists", l.ID)
	}
	s.listings[l.ID] = cloneListing(l)
	s.listOrder = append(s.listOrder, l.ID)
	return nil
}

func (s *Store) GetListing(_ context.Context, id string) (*domain.ServiceListing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.listings[id]
	if !ok {
		return nil, domain.NotFoundf("service %s not found", id)
	}
	return cloneListing(l), nil
}

// WithdrawListing снимает активную услугу; повторный вызов — NotFound.
func (s *Store) WithdrawListing(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[id]
	if !ok || !l.Active {
		return domain.NotFoundf("service %s not found", id)
	}
	l.Active = false
	l.WithdrawnAt = &now
	return nil
}

func (s *Store) FindListings(_ context.Context, f domain.ServiceFilter) iter.Seq2[domain.ServiceListing, error] {
	return func(yield func(domain.ServiceListing, error) bool) {
		s.mu.RLock()
		var out []domain.ServiceListing
		for _, id := range s.listOrder {
			if l := s.listings[id]; f.Match(l) {
				out = append(out, *cloneListing(l))
			}
		}
		s.mu.RUnlock()

		if f.CheapestFirst() {
			slices.SortStableFunc(out, func(a, b domain.ServiceListing) int {
				return cmp.Compare(a.Price, b.Price)
			})
		}
		for _, l := range out {
			if !yield(l, nil) {
				return
			}
		}
	}
}

// --- Audit ---

func (s *Store) WriteBatch(_ context.Context, batch []audit.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, batch...)
	return nil
}

// Attempts — журнал попыток расчета конкретной транзакции.
func (s *Store) Attempts(_ context.Context, txID string) ([]audit.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]audit.Attempt, 0)
	for _, a := range s.attempts {
		if a.TransactionID == txID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func cloneAgent(a *domain.Agent) *domain.Agent {
	c := *a
	c.Capabilities = slices.Clone(a.Capabilities)
	return &c
}

func cloneTx(t *domain.Transaction) *domain.Transaction {
	c := *t
	if t.FinalizedAt != nil {
		at := *t.FinalizedAt
		c.FinalizedAt = &at
	}
	return &c
}

func cloneListing(l *domain.ServiceListing) *domain.ServiceListing {
	c := *l
	c.CapabilitiesRequired = slices.Clone(l.CapabilitiesRequired)
	if l.WithdrawnAt != nil {
		at := *l.WithdrawnAt
		c.WithdrawnAt = &at
	}
	return &c
}
