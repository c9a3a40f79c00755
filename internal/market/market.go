// Package market — витрина услуг агентов. Покупка — это обычный платеж релея
// со ссылкой на услугу.
package market

import (
	"context"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/vots-relay/internal/domain"
)

type ListingRepository interface {
	CreateListing(ctx context.Context, l *domain.ServiceListing) error
	GetListing(ctx context.Context, id string) (*domain.ServiceListing, error)
	WithdrawListing(ctx context.Context, id string, now time.Time) error
	FindListings(ctx context.Context, f domain.ServiceFilter) iter.Seq2[domain.ServiceListing, error]
}

type AgentDirectory interface {
	Get(ctx context.Context, agentID string) (*domain.Agent, error)
}

type Payments interface {
	SendPayment(ctx context.Context, req domain.PaymentRequest) (*domain.Transaction, error)
}

type Market struct {
	repo     ListingRepository
	agents   AgentDirectory
	payments Payments
	logger   *zap.Logger
	now      func() time.Time
}

func New(repo ListingRepository, agents AgentDirectory, payments Payments, logger *zap.Logger) *Market {
	return &Market{
		repo:     repo,
		agents:   agents,
		payments: payments,
		logger:   logger.Named("market"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ListService публикует услугу. Неизвестный или неактивный агент — NotFound.
func (m *Market) ListService(ctx context.Context, agentID string, price int64, description string, capabilitiesRequired []string) (*domain.ServiceListing, error) {
	a, err := m.agents.Get(ctx, strings.TrimSpace(agentID))
	if err != nil {
		return nil, err
	}
	if !a.Active {
		return nil, domain.NotFoundf("agent %s not found", agentID)
	}

	l, err := domain.NewServiceListing(uuid.NewString(), a.ID, price, description, capabilitiesRequired, m.now())
	if err != nil {
		return nil, err
	}
	if err := m.repo.CreateListing(ctx, l); err != nil {
		return nil, err
	}

	m.logger.Info("service listed",
		zap.String("service_id", l.ID),
		zap.String("agent_id", l.AgentID),
		zap.Int64("price", l.Price),
	)
	return l, nil
}

// WithdrawService снимает услугу с витрины. Снимать может только владелец.
func (m *Market) WithdrawService(ctx context.Context, serviceID, requestingAgentID string) error {
	l, err := m.GetService(ctx, serviceID)
	if err != nil {
		return err
	}
	if l.AgentID != strings.TrimSpace(requestingAgentID) {
		m.logger.Warn("withdraw denied",
			zap.String("service_id", serviceID),
			zap.String("requester", requestingAgentID),
		)
		return domain.Authorizationf("agent %q does not own service %s", requestingAgentID, serviceID)
	}

	if err := m.repo.WithdrawListing(ctx, serviceID, m.now()); err != nil {
		return err
	}
	m.logger.Info("service withdrawn", zap.String("service_id", serviceID))
	return nil
}

// FindServices — только активные; по возрастанию цены, если задан MaxPrice.
func (m *Market) FindServices(ctx context.Context, f domain.ServiceFilter) iter.Seq2[domain.ServiceListing, error] {
	c, err := domain.NormalizeCapability(f.Capability)
	if err == nil && f.MaxPrice < 0 {
		err = domain.Validationf("max_price must not be negative")
	}
	if err != nil {
		return func(yield func(domain.ServiceListing, error) bool) { yield(domain.ServiceListing{}, err) }
	}
	f.Capability = c
	return m.repo.FindListings(ctx, f)
}

// GetService возвращает активную услугу; снятая считается отсутствующей.
func (m *Market) GetService(ctx context.Context, serviceID string) (*domain.ServiceListing, error) {
	l, err := m.repo.GetListing(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if !l.Active {
		return nil, domain.NotFoundf("service %s not found", serviceID)
	}
	return l, nil
}

// Purchase — платеж владельцу услуги на ее цену со ссылкой на услугу.
func (m *Market) Purchase(ctx context.Context, buyerID, serviceID, memo string) (*domain.Transaction, error) {
	l, err := m.GetService(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	return m.payments.SendPayment(ctx, domain.PaymentRequest{
		From:             buyerID,
		To:               l.AgentID,
		Amount:           l.Price,
		ServiceReference: l.ID,
		Memo:             memo,
	})
}
