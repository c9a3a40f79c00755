package audit

import "time"

// Attempt — одна попытка расчета транзакции на рельсе.
type Attempt struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transaction_id"`
	TraceID       string    `json:"trace_id,omitempty"`
	Number        int       `json:"number"`
	Rail          string    `json:"rail"`
	Outcome       string    `json:"outcome"` // ok, transient, fatal
	Error         string    `json:"error,omitempty"`
	DurationMs    int64     `json:"duration_ms"`
	Timestamp     time.Time `json:"timestamp"`
}

const (
	OutcomeOK        = "ok"
	OutcomeTransient = "transient"
	OutcomeFatal     = "fatal"
)
