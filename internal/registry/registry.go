// Package registry — реестр агентов: идентичность, платежный адрес,
// возможности и репутация.
package registry

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math/rand/v2"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/vots-relay/internal/domain"
	"github.com/xela07ax/vots-relay/internal/events"
)

type AgentRepository interface {
	CreateAgent(ctx context.Context, a *domain.Agent) error
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	ListAgents(ctx context.Context, f domain.AgentFilter) iter.Seq2[domain.Agent, error]
	UpdateAgentReputation(ctx context.Context, a *domain.Agent, expectedVersion int64) error
	SetAgentActive(ctx context.Context, id string, active bool, now time.Time) error
}

// Предел повторов CAS: конфликт означает, что счетчики обновил кто-то другой
const casAttempts = 10

type Registry struct {
	repo   AgentRepository
	events events.Publisher
	logger *zap.Logger
	now    func() time.Time
}

func New(repo AgentRepository, pub events.Publisher, logger *zap.Logger) *Registry {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Registry{
		repo:   repo,
		events: pub,
		logger: logger.Named("registry"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *Registry) Register(ctx context.Context, displayName, paymentAddress string, capabilities []string) (*domain.Agent, error) {
	a, err := domain.NewAgent(uuid.NewString(), displayName, paymentAddress, capabilities, r.now())
	if err != nil {
		return nil, err
	}
	if err := r.repo.CreateAgent(ctx, a); err != nil {
		return nil, err
	}

	r.logger.Info("agent registered",
		zap.String("agent_id", a.ID),
		zap.String("payment_address", a.PaymentAddress),
		zap.Strings("capabilities", a.Capabilities),
	)
	return a, nil
}

func (r *Registry) Get(ctx context.Context, agentID string) (*domain.Agent, error) {
	return r.repo.GetAgent(ctx, agentID)
}

// List возвращает ленивую последовательность: каждый range заново читает хранилище.
func (r *Registry) List(ctx context.Context, f domain.AgentFilter) iter.Seq2[domain.Agent, error] {
	if f.Capability != "" {
		c, err := domain.NormalizeCapability(f.Capability)
		if err != nil {
			return func(yield func(domain.Agent, error) bool) { yield(domain.Agent{}, err) }
		}
		f.Capability = c
	}
	return r.repo.ListAgents(ctx, f)
}

// UpdateReputation учитывает исход расчета вне платежа (CAS по version).
// Платежи пишут репутацию в FinalizeTransaction, атомарно с терминальным статусом.
func (r *Registry) UpdateReputation(ctx context.Context, agentID string, outcome domain.Outcome) (*domain.Agent, error) {
	if outcome != domain.OutcomeSuccess && outcome != domain.OutcomeFailure {
		return nil, domain.Validationf("unknown outcome %d", outcome)
	}

	var updated *domain.Agent
	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(casAttempts),
		// Короткая пауза с джиттером, чтобы конкуренты разошлись
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			return time.Millisecond + rand.N(5*time.Millisecond)
		}),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, domain.ErrVersionConflict) }),
	).Do(func() error {
		a, err := r.repo.GetAgent(ctx, agentID)
		if err != nil {
			return err
		}
		expected := a.Version
		a.Record(outcome, r.now())
		if err := r.repo.UpdateAgentReputation(ctx, a, expected); err != nil {
			return err
		}
		a.Version = expected + 1
		updated = a
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return nil, fmt.Errorf("reputation of %s: gave up after %d attempts: %w", agentID, casAttempts, err)
		}
		return nil, err
	}
	return updated, nil
}

// SetActive — деактивация/реактивация. Агент никогда не удаляется.
func (r *Registry) SetActive(ctx context.Context, agentID string, active bool) (*domain.Agent, error) {
	if err := r.repo.SetAgentActive(ctx, agentID, active, r.now()); err != nil {
		return nil, err
	}
	a, err := r.repo.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	r.logger.Info("agent status changed", zap.String("agent_id", agentID), zap.Bool("active", active))
	r.events.AgentStatusChanged(ctx, agentID, active)
	return a, nil
}
