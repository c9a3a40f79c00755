package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/vots-relay/internal/domain"
	"github.com/xela07ax/vots-relay/internal/infra"
)

func TestRedisPublisher(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	sub := rdb.Subscribe(ctx, infra.RedisChanPaymentEvents, infra.RedisChanAgentStatus)
	defer sub.Close()
	_, err := sub.Receive(ctx) // подтверждение подписки
	require.NoError(t, err)
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	p := NewRedisPublisher(rdb, zap.NewNop())
	p.PaymentFinalized(ctx, domain.Transaction{ID: "tx-1", Status: domain.TxSettled, Amount: 5})
	p.AgentStatusChanged(ctx, "agent-1", false)

	ch := sub.Channel()
	select {
	case msg := <-ch:
		assert.Equal(t, infra.RedisChanPaymentEvents, msg.Channel)
		var ev PaymentEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
		assert.Equal(t, "payment.settled", ev.Type)
		assert.Equal(t, "tx-1", ev.Transaction.ID)
	case <-time.After(time.Second):
		t.Fatal("payment event not delivered")
	}
	select {
	case msg := <-ch:
		var ev AgentStatusEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
		assert.Equal(t, "agent-1", ev.AgentID)
		assert.False(t, ev.Active)
	case <-time.After(time.Second):
		t.Fatal("status event not delivered")
	}
}

func TestRedisPublisher_RedisDownIsSwallowed(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	mr.Close()

	p := NewRedisPublisher(rdb, zap.NewNop())
	assert.NotPanics(t, func() {
		p.PaymentFinalized(context.Background(), domain.Transaction{ID: "tx"})
	})
}
