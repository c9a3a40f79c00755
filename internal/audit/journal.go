// Package audit — журнал попыток расчета.
//
// Запись из горячего пути неблокирующая: событие кладется в буферизованный канал,
// воркер пишет пачками по размеру или по таймеру. При переполнении событие
// не теряется бесследно, а уходит в лог. Stop вычитывает буфер до конца.
package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Storage определяет, куда физически сохраняются попытки
type Storage interface {
	WriteBatch(ctx context.Context, batch []Attempt) error
}

// Recorder — то, что нужно релею.
type Recorder interface {
	Record(a Attempt)
}

type Config struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

type Journal struct {
	ch     chan Attempt
	repo   Storage
	cfg    Config
	logger *zap.Logger
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewJournal(repo Storage, cfg Config, logger *zap.Logger) *Journal {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	return &Journal{
		ch:     make(chan Attempt, cfg.BufferSize),
		repo:   repo,
		cfg:    cfg,
		logger: logger.With(zap.String("mod", "audit")),
	}
}

func (j *Journal) Start() {
	j.wg.Add(1)
	go j.worker()
}

// Stop закрывает вход и ждет финального flush.
func (j *Journal) Stop() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	close(j.ch)
	j.mu.Unlock()

	j.logger.Info("stopping journal: flushing buffer...")
	j.wg.Wait()
	j.logger.Info("journal stopped gracefully")
}

func (j *Journal) Record(a Attempt) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.logger.Warn("attempt dropped: journal is stopping", zap.String("tx_id", a.TransactionID))
		return
	}

	select {
	case j.ch <- a:
	default:
		// Backpressure: не тормозим расчет, но оставляем след в логе
		j.logger.Error("audit_buffer_overflow",
			zap.String("tx_id", a.TransactionID),
			zap.Int("attempt", a.Number),
			zap.String("outcome", a.Outcome),
			zap.String("error", a.Error),
		)
	}
}

// Len — текущая глубина очереди (для метрик).
func (j *Journal) Len() int {
	return len(j.ch)
}

func (j *Journal) worker() {
	defer j.wg.Done()

	batch := make([]Attempt, 0, j.cfg.BatchSize)
	ticker := time.NewTicker(j.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: контекст запроса к этому моменту уже завершен
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := j.repo.WriteBatch(ctx, batch); err != nil {
			j.logger.Error("audit flush failed", zap.Int("size", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case a, ok := <-j.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, a)
			if len(batch) >= j.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
