// Package events публикует изменения состояния в Redis Pub/Sub для внешних
// потребителей (MCP-сервер, дашборды). Доставка best-effort: ошибка публикации
// логируется и не влияет на исход операции.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/vots-relay/internal/domain"
	"github.com/xela07ax/vots-relay/internal/infra"
)

type Publisher interface {
	PaymentFinalized(ctx context.Context, tx domain.Transaction)
	AgentStatusChanged(ctx context.Context, agentID string, active bool)
}

// PaymentEvent — сообщение в канале vots:payments:events.
type PaymentEvent struct {
	Type        string             `json:"type"`
	Transaction domain.Transaction `json:"transaction"`
	At          time.Time          `json:"at"`
}

// AgentStatusEvent — сообщение в канале vots:agents:status-signal.
type AgentStatusEvent struct {
	AgentID string    `json:"agent_id"`
	Active  bool      `json:"active"`
	At      time.Time `json:"at"`
}

type RedisPublisher struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewRedisPublisher(rdb *redis.Client, logger *zap.Logger) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, logger: logger.With(zap.String("mod", "events"))}
}

func (p *RedisPublisher) PaymentFinalized(ctx context.Context, tx domain.Transaction) {
	p.publish(ctx, infra.RedisChanPaymentEvents, PaymentEvent{
		Type:        "payment." + string(tx.Status),
		Transaction: tx,
		At:          time.Now().UTC(),
	})
}

func (p *RedisPublisher) AgentStatusChanged(ctx context.Context, agentID string, active bool) {
	p.publish(ctx, infra.RedisChanAgentStatus, AgentStatusEvent{
		AgentID: agentID,
		Active:  active,
		At:      time.Now().UTC(),
	})
}

func (p *RedisPublisher) publish(ctx context.Context, channel string, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("failed to encode event", zap.String("channel", channel), zap.Error(err))
		return
	}
	if err := p.rdb.Publish(ctx, channel, body).Err(); err != nil {
		p.logger.Warn("failed to publish event", zap.String("channel", channel), zap.Error(err))
	}
}

// Nop — когда Redis не настроен.
type Nop struct{}

func (Nop) PaymentFinalized(context.Context, domain.Transaction) {}
func (Nop) AgentStatusChanged(context.Context, string, bool)     {}
