package domain

import (
	"slices"
	"strings"
	"time"
)

type TxStatus string

const (
	TxPending TxStatus = "pending"
	TxSettled TxStatus = "settled"
	TxFailed  TxStatus = "failed"
)

// Direction — фильтр выборки транзакций агента.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
	DirectionBoth     Direction = "both"
)

func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(s))); d {
	case "":
		return DirectionBoth, nil
	case DirectionSent, DirectionReceived, DirectionBoth:
		return d, nil
	}
	return "", Validationf("direction must be one of sent, received, both")
}

const maxMemoLen = 512

// PaymentRequest — входные данные sendPayment.
type PaymentRequest struct {
	From             string `json:"from_agent"`
	To               string `json:"to_agent"`
	Amount           int64  `json:"amount"`
	ServiceReference string `json:"service_reference,omitempty"`
	Memo             string `json:"memo,omitempty"`
}

// Validate проверяет то, что не требует обращения к реестру.
func (r PaymentRequest) Validate() error {
	if r.Amount <= 0 {
		return Validationf("amount must be positive, got %d", r.Amount)
	}
	if r.From == r.To {
		return Validationf("payer and payee must be different agents")
	}
	if len(r.Memo) > maxMemoLen {
		return Validationf("memo exceeds %d bytes", maxMemoLen)
	}
	return nil
}

type Transaction struct {
	ID               string   `json:"id"`
	FromAgent        string   `json:"from_agent"`
	ToAgent          string   `json:"to_agent"`
	Amount           int64    `json:"amount"`
	ServiceReference string   `json:"service_reference,omitempty"`
	Memo             string   `json:"memo,omitempty"`
	Status           TxStatus `json:"status"`

	// Результат расчета
	SettlementRef string `json:"settlement_ref,omitempty"` // tx hash / id записи в ledger
	FailureKind   Kind   `json:"failure_kind,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	Attempts      int    `json:"attempts"`

	CreatedAt   time.Time  `json:"created_at"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
}

func NewTransaction(id string, req PaymentRequest, now time.Time) *Transaction {
	return &Transaction{
		ID:               id,
		FromAgent:        req.From,
		ToAgent:          req.To,
		Amount:           req.Amount,
		ServiceReference: req.ServiceReference,
		Memo:             req.Memo,
		Status:           TxPending,
		CreatedAt:        now,
	}
}

func (t *Transaction) IsTerminal() bool {
	return t.Status == TxSettled || t.Status == TxFailed
}

// Settle переводит транзакцию в settled. Терминальная транзакция не меняется.
func (t *Transaction) Settle(ref string, attempts int, now time.Time) error {
	if t.IsTerminal() {
		return ErrAlreadyFinal
	}
	t.Status = TxSettled
	t.SettlementRef = ref
	t.Attempts = attempts
	t.FinalizedAt = &now
	return nil
}

// Fail переводит транзакцию в failed.
func (t *Transaction) Fail(kind Kind, reason string, attempts int, now time.Time) error {
	if t.IsTerminal() {
		return ErrAlreadyFinal
	}
	t.Status = TxFailed
	t.FailureKind = kind
	t.FailureReason = reason
	t.Attempts = attempts
	t.FinalizedAt = &now
	return nil
}

// AgentOutcome — вклад терминальной транзакции в репутацию одного агента.
type AgentOutcome struct {
	AgentID string
	Outcome Outcome
}

// Outcomes: settled — успех обоим участникам, failed — неудача плательщику.
// Порядок по AgentID, чтобы хранилище блокировало строки агентов всегда в одном порядке.
func (t *Transaction) Outcomes() []AgentOutcome {
	switch t.Status {
	case TxSettled:
		out := []AgentOutcome{
			{AgentID: t.FromAgent, Outcome: OutcomeSuccess},
			{AgentID: t.ToAgent, Outcome: OutcomeSuccess},
		}
		slices.SortFunc(out, func(a, b AgentOutcome) int { return strings.Compare(a.AgentID, b.AgentID) })
		return out
	case TxFailed:
		return []AgentOutcome{{AgentID: t.FromAgent, Outcome: OutcomeFailure}}
	}
	return nil
}

// Involves — участвует ли агент в транзакции в заданном направлении.
func (t *Transaction) Involves(agentID string, d Direction) bool {
	switch d {
	case DirectionSent:
		return t.FromAgent == agentID
	case DirectionReceived:
		return t.ToAgent == agentID
	}
	return t.FromAgent == agentID || t.ToAgent == agentID
}
