package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "vots"
)

// Каналы Pub/Sub (события)
const (
	RedisChanPaymentEvents = RedisNamespace + ":payments:events"
	RedisChanAgentStatus   = RedisNamespace + ":agents:status-signal"
)

// Ключи off-chain ledger
const (
	RedisKeyLedgerBalances = RedisNamespace + ":ledger:balances"
	RedisKeyLedgerJournal  = RedisNamespace + ":ledger:journal"
	// tx_id -> seq уже проведенных переводов
	RedisKeyLedgerApplied  = RedisNamespace + ":ledger:applied"
)

// TxLeaseKey — аренда транзакции на время расчета (relay и sweeper).
func TxLeaseKey(txID string) string {
	return fmt.Sprintf("%s:lock:tx:%s", RedisNamespace, txID)
}
