package domain

import (
	"slices"
	"strings"
	"time"
)

// Outcome — итог расчета, влияющий на репутацию агента.
type Outcome int

const (
	OutcomeSuccess Outcome = iota + 1
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	}
	return "unknown"
}

type Agent struct {
	ID             string   `json:"id"`
	DisplayName    string   `json:"display_name"`
	PaymentAddress string   `json:"payment_address"`
	Capabilities   []string `json:"capabilities"`

	// Репутация — материализованное значение, пишет его только Payment Relay
	Reputation float64 `json:"reputation"`
	Successes  int64   `json:"successes"`
	Failures   int64   `json:"failures"`

	Active  bool  `json:"active"`
	Version int64 `json:"version"` // Оптимистичная блокировка

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewAgent валидирует входные данные регистрации.
func NewAgent(id, displayName, paymentAddress string, capabilities []string, now time.Time) (*Agent, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return nil, Validationf("display name is required")
	}
	addr, err := NormalizeAddress(paymentAddress)
	if err != nil {
		return nil, err
	}
	caps, err := NormalizeCapabilities(capabilities)
	if err != nil {
		return nil, err
	}
	return &Agent{
		ID:             id,
		DisplayName:    displayName,
		PaymentAddress: addr,
		Capabilities:   caps,
		Active:         true,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Record учитывает исход расчета и пересчитывает репутацию.
func (a *Agent) Record(o Outcome, now time.Time) {
	switch o {
	case OutcomeSuccess:
		a.Successes++
	case OutcomeFailure:
		a.Failures++
	}
	a.Reputation = ComputeReputation(a.Successes, a.Failures)
	a.UpdatedAt = now
}

func (a *Agent) HasCapability(c string) bool {
	_, found := slices.BinarySearch(a.Capabilities, c)
	return found
}

// ComputeReputation = 100 * successes / (successes + failures), в пределах [0, 100].
// Без истории — 0.
func ComputeReputation(successes, failures int64) float64 {
	total := successes + failures
	if total <= 0 || successes <= 0 {
		return 0
	}
	r := 100 * float64(successes) / float64(total)
	return min(max(r, 0), 100)
}

type AgentFilter struct {
	Capability       string
	ActiveOnly       bool
	RankByReputation bool
}

func (f AgentFilter) Match(a *Agent) bool {
	if f.ActiveOnly && !a.Active {
		return false
	}
	if f.Capability != "" && !a.HasCapability(f.Capability) {
		return false
	}
	return true
}
