package settlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/xela07ax/vots-relay/internal/infra"
)

// Атомарный перевод между счетами: проверка баланса, два HINCRBY и запись в журнал.
// Повтор с тем же tx_id (ARGV[4]) возвращает seq первого проведения и деньги не двигает.
var transferScript = redis.NewScript(`
local applied = redis.call('HGET', KEYS[3], ARGV[4])
if applied then
  return tonumber(applied)
end
local balance = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
local amount = tonumber(ARGV[3])
if balance < amount then
  return redis.error_reply('INSUFFICIENT_FUNDS')
end
redis.call('HINCRBY', KEYS[1], ARGV[1], -amount)
redis.call('HINCRBY', KEYS[1], ARGV[2], amount)
local seq = redis.call('INCR', KEYS[2] .. ':seq')
redis.call('RPUSH', KEYS[2], seq .. '|' .. ARGV[1] .. '|' .. ARGV[2] .. '|' .. ARGV[3])
redis.call('HSET', KEYS[3], ARGV[4], seq)
return seq
`)

// Ledger — off-chain рельс (стейблкоин-счета) поверх Redis.
type Ledger struct {
	rdb *redis.Client
}

func NewLedger(rdb *redis.Client) *Ledger {
	return &Ledger{rdb: rdb}
}

func (l *Ledger) Settle(ctx context.Context, t Transfer) (Receipt, error) {
	if t.ID == "" {
		return Receipt{}, Rejected("ledger transfer requires a transaction id")
	}
	keys := []string{infra.RedisKeyLedgerBalances, infra.RedisKeyLedgerJournal, infra.RedisKeyLedgerApplied}
	seq, err := transferScript.Run(ctx, l.rdb, keys, t.From, t.To, t.Amount, t.ID).Int64()
	if err != nil {
		if strings.Contains(err.Error(), "INSUFFICIENT_FUNDS") {
			return Receipt{}, Rejected("insufficient funds on %s", t.From)
		}
		// Сетевой сбой или потерянный ответ: повтор с тем же ID не проведет перевод дважды
		return Receipt{}, Transient(fmt.Errorf("ledger transfer: %w", err))
	}
	return Receipt{Rail: "ledger", Reference: "ledger-" + strconv.FormatInt(seq, 10)}, nil
}

// Deposit пополняет счет (операторская операция, в API релея не выставлена).
func (l *Ledger) Deposit(ctx context.Context, account string, amount int64) error {
	if amount <= 0 {
		return errors.New("deposit amount must be positive")
	}
	return l.rdb.HIncrBy(ctx, infra.RedisKeyLedgerBalances, account, amount).Err()
}

func (l *Ledger) Balance(ctx context.Context, account string) (int64, error) {
	v, err := l.rdb.HGet(ctx, infra.RedisKeyLedgerBalances, account).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}
