package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/vots-relay/internal/domain"
)

const abandonedReason = "abandoned"

// Sweeper закрывает транзакции, застрявшие в pending (например, процесс упал
// посреди расчета). Порог stale_after больше окна расчета, поэтому живой
// SendPayment сюда не попадает, а его блокировка все равно проверяется.
type Sweeper struct {
	relay      *Relay
	interval   time.Duration
	staleAfter time.Duration
	logger     *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSweeper(r *Relay, interval, staleAfter time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		relay:      r,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     r.logger.With(zap.String("mod", "sweeper")),
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.worker(ctx)
}

func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) worker(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep failed", zap.Error(err))
			} else if n > 0 {
				s.logger.Info("stale transactions failed", zap.Int("count", n))
			}
		}
	}
}

// Sweep — один проход. Возвращает число закрытых транзакций.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	r := s.relay
	stale, err := r.txs.ListStalePending(ctx, r.now().Add(-s.staleAfter))
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, t := range stale {
		ok, err := s.abandon(ctx, t.ID)
		if err != nil {
			s.logger.Warn("failed to sweep transaction", zap.String("tx_id", t.ID), zap.Error(err))
			continue
		}
		if ok {
			swept++
		}
	}
	return swept, nil
}

func (s *Sweeper) abandon(ctx context.Context, txID string) (bool, error) {
	r := s.relay
	release, err := r.locks.TryAcquire(ctx, txID)
	if errors.Is(err, errTxLocked) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer release()

	// Перечитываем под блокировкой: владелец мог успеть финализировать
	tx, err := r.txs.GetTransaction(ctx, txID)
	if err != nil {
		return false, err
	}
	if err := tx.Fail(domain.KindSettlementTransient, abandonedReason, tx.Attempts, r.now()); err != nil {
		return false, nil
	}
	if err := r.txs.FinalizeTransaction(ctx, tx); err != nil {
		if errors.Is(err, domain.ErrAlreadyFinal) {
			return false, nil
		}
		return false, err
	}

	s.logger.Warn("transaction abandoned", zap.String("tx_id", tx.ID), zap.Time("created_at", tx.CreatedAt))
	r.metrics.SweptTotal.Inc()
	r.afterFinalize(ctx, tx)
	return true, nil
}
