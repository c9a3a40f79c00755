package settlement

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Simulated — рельс для dev-окружения: ничего не переводит, но ведет себя как настоящий.
type Simulated struct {
	latency time.Duration
	fail    map[string]struct{}
}

func NewSimulated(latency time.Duration, failAddresses []string) *Simulated {
	fail := make(map[string]struct{}, len(failAddresses))
	for _, a := range failAddresses {
		fail[strings.ToLower(a)] = struct{}{}
	}
	return &Simulated{latency: latency, fail: fail}
}

func (s *Simulated) Settle(ctx context.Context, t Transfer) (Receipt, error) {
	select {
	case <-time.After(s.latency):
	case <-ctx.Done():
		return Receipt{}, Transient(ctx.Err())
	}

	for _, addr := range []string{t.From, t.To} {
		if _, ok := s.fail[strings.ToLower(addr)]; ok {
			return Receipt{}, Rejected("address %s refused by simulated rail", addr)
		}
	}
	return Receipt{Rail: "simulated", Reference: "sim-" + uuid.NewString()}, nil
}
