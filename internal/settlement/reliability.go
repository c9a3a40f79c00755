package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/xela07ax/vots-relay/internal/infra"
)

// maxAttempts — первая попытка и один синхронный повтор.
const maxAttempts = 2

// Attempt — одна попытка расчета, уходит в аудит.
type Attempt struct {
	Number   int
	Err      error
	Duration time.Duration
}

// Result — итог работы обертки.
type Result struct {
	Receipt  Receipt
	Attempts []Attempt
}

type ReliabilityConfig struct {
	Name           string
	AttemptTimeout time.Duration
	RetryDelay     time.Duration
	RateLimit      float64 // запросов в секунду, 0 — без лимита
	RateBurst      int

	CBMaxRequests uint32
	CBInterval    time.Duration
	CBTimeout     time.Duration
	CBMaxFailures uint32

	// OnStateChange — для метрик состояния предохранителя
	OnStateChange func(name string, from, to gobreaker.State)
}

// Reliable: Rate Limiter -> Circuit Breaker -> Retry -> Timeout -> Backend.
type Reliable struct {
	next    Backend
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	cfg     ReliabilityConfig
}

func NewReliable(next Backend, cfg ReliabilityConfig) *Reliable {
	if cfg.Name == "" {
		cfg.Name = "settlement-rail"
	}
	if cfg.CBMaxFailures == 0 {
		cfg.CBMaxFailures = 5
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.CBMaxRequests,
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > cfg.CBMaxFailures
		},
		// Отказ рельса по существу (нет средств) — не повод размыкать цепь
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: cfg.OnStateChange,
	})

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	return &Reliable{
		next:    next,
		cb:      cb,
		limiter: rate.NewLimiter(limit, burst),
		cfg:     cfg,
	}
}

// Settle реализует Backend, отбрасывая детали попыток.
func (r *Reliable) Settle(ctx context.Context, t Transfer) (Receipt, error) {
	res, err := r.Execute(ctx, t)
	return res.Receipt, err
}

// Execute выполняет расчет: не более двух попыток, повтор только для транзиентных ошибок.
// Каждая попытка ограничена AttemptTimeout; истечение таймаута считается транзиентным.
// Повтор опирается на идемпотентность рельса по t.ID; рельс, который не может
// ее обеспечить, возвращает неизвестный исход как фатальную ошибку.
func (r *Reliable) Execute(ctx context.Context, t Transfer) (Result, error) {
	var (
		mu  sync.Mutex
		res Result
	)

	if err := ctx.Err(); err != nil {
		return res, Transient(fmt.Errorf("settlement not submitted: %w", err))
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return res, fmt.Errorf("%w: %v", ErrRateLimited, err)
	}

	_, err := r.cb.Execute(func() (interface{}, error) {
		retrier := retry.New(
			retry.Context(ctx),
			retry.Attempts(maxAttempts),
			retry.LastErrorOnly(true),
			retry.RetryIf(IsTransient),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return min(tErr.RetryAfter, infra.MaxThrottleWait)
				}
				return r.cfg.RetryDelay
			}),
		)

		return nil, retrier.Do(func() error {
			start := time.Now()
			receipt, callErr := r.attempt(ctx, t)

			mu.Lock()
			defer mu.Unlock()
			res.Attempts = append(res.Attempts, Attempt{
				Number:   len(res.Attempts) + 1,
				Err:      callErr,
				Duration: time.Since(start),
			})
			if callErr == nil {
				res.Receipt = receipt
			}
			return callErr
		})
	})

	return res, err
}

func (r *Reliable) attempt(ctx context.Context, t Transfer) (Receipt, error) {
	if r.cfg.AttemptTimeout <= 0 {
		return r.next.Settle(ctx, t)
	}

	tCtx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
	defer cancel()

	receipt, err := r.next.Settle(tCtx, t)
	if err != nil && errors.Is(tCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil &&
		!IsTransient(err) && !errors.Is(err, ErrRejected) {
		// Рельс не уложился в таймаут попытки
		err = Transient(fmt.Errorf("attempt timed out after %s: %w", r.cfg.AttemptTimeout, err))
	}
	return receipt, err
}

// State — текущее состояние предохранителя.
func (r *Reliable) State() gobreaker.State {
	return r.cb.State()
}
