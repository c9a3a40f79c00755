package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/vots-relay/internal/infra"
	"github.com/xela07ax/vots-relay/internal/infra/redislock"
)

// errTxLocked — транзакцию уже ведет другой владелец (запрос или sweeper).
var errTxLocked = errors.New("transaction is locked")

// TxLocks — блокировка транзакции на время от создания до терминального состояния.
// Внутри процесса — множество занятых ID, между процессами — аренда в Redis (если есть).
type TxLocks struct {
	mu     sync.Mutex
	held   map[string]struct{}
	lease  *redislock.Locker
	logger *zap.Logger
}

func NewTxLocks(lease *redislock.Locker, logger *zap.Logger) *TxLocks {
	return &TxLocks{
		held:   make(map[string]struct{}),
		lease:  lease,
		logger: logger,
	}
}

// TryAcquire не ждет: занятая транзакция — errTxLocked.
// Сбой Redis не блокирует платежи: остается локальная блокировка и условная запись
// терминального статуса в хранилище.
func (l *TxLocks) TryAcquire(ctx context.Context, txID string) (release func(), err error) {
	l.mu.Lock()
	if _, busy := l.held[txID]; busy {
		l.mu.Unlock()
		return nil, errTxLocked
	}
	l.held[txID] = struct{}{}
	l.mu.Unlock()

	unlockLocal := func() {
		l.mu.Lock()
		delete(l.held, txID)
		l.mu.Unlock()
	}

	if l.lease == nil {
		return unlockLocal, nil
	}

	lease, err := l.lease.Acquire(ctx, infra.TxLeaseKey(txID))
	switch {
	case errors.Is(err, redislock.ErrNotAcquired):
		unlockLocal()
		return nil, errTxLocked
	case err != nil:
		l.logger.Warn("tx lease unavailable, continuing with local lock", zap.String("tx_id", txID), zap.Error(err))
		return unlockLocal, nil
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := lease.Release(ctx); err != nil {
			l.logger.Warn("failed to release tx lease", zap.String("tx_id", txID), zap.Error(err))
		}
		unlockLocal()
	}, nil
}
