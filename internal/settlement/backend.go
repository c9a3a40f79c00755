// Package settlement содержит рельсы расчетов (on-chain и off-chain) и обертку
// надежности вокруг них. Релей видит только Backend и не знает, какой рельс выбран.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// Receipt — подтверждение рельса.
type Receipt struct {
	Rail      string `json:"rail"`
	Reference string `json:"reference"` // tx hash, id записи ledger и т.п.
}

// Transfer — один перевод. ID — ключ идемпотентности: рельс обязан провести
// перевод с данным ID не больше одного раза, сколько бы раз его ни прислали.
type Transfer struct {
	ID     string
	From   string
	To     string
	Amount int64
}

// Backend — единственная внешняя возможность: settle(from, to, amount).
type Backend interface {
	Settle(ctx context.Context, t Transfer) (Receipt, error)
}

// BackendFunc позволяет использовать функцию как Backend.
type BackendFunc func(ctx context.Context, t Transfer) (Receipt, error)

func (f BackendFunc) Settle(ctx context.Context, t Transfer) (Receipt, error) {
	return f(ctx, t)
}

// TransientError — транспортный сбой, допускающий повтор.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient помечает ошибку как повторяемую.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// ThrottleError — рельс попросил подождать (например, Retry-After).
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// ErrRejected — рельс отказал окончательно (нет средств, неверный адрес и т.п.).
var ErrRejected = errors.New("settlement rejected")

// Rejected — фатальная, не повторяемая ошибка.
func Rejected(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRejected, fmt.Sprintf(format, args...))
}

// IsTransient — можно ли повторить попытку. Всё, что явно не помечено, считается фатальным.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var tErr *TransientError
	var thErr *ThrottleError
	switch {
	case errors.As(err, &tErr), errors.As(err, &thErr):
		return true
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return true
	case errors.Is(err, ErrRateLimited):
		return true
	}
	return false
}

// ErrRateLimited — не дождались токена лимитера.
var ErrRateLimited = errors.New("settlement rate limit exceeded")

