package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/vots-relay/internal/domain"
	"github.com/xela07ax/vots-relay/internal/repository/memory"
)

type statusRecorder struct {
	mu     sync.Mutex
	status map[string]bool
}

func (s *statusRecorder) PaymentFinalized(context.Context, domain.Transaction) {}

func (s *statusRecorder) AgentStatusChanged(_ context.Context, id string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == nil {
		s.status = map[string]bool{}
	}
	s.status[id] = active
}

func newRegistry(t *testing.T) (*Registry, *statusRecorder) {
	t.Helper()
	rec := &statusRecorder{}
	return New(memory.NewStore(), rec, zap.NewNop()), rec
}

func ids(t *testing.T, r *Registry, f domain.AgentFilter) []string {
	t.Helper()
	var out []string
	for a, err := range r.List(context.Background(), f) {
		require.NoError(t, err)
		out = append(out, a.ID)
	}
	return out
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)

	a, err := r.Register(ctx, "  Alpha  ", "0xAAA", []string{" Search", "ocr", "search"})
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, "Alpha", a.DisplayName)
	assert.Equal(t, "0xaaa", a.PaymentAddress)
	assert.Equal(t, []string{"ocr", "search"}, a.Capabilities)
	assert.True(t, a.Active)
	assert.Zero(t, a.Reputation)

	got, err := r.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	_, err = r.Register(ctx, "Beta", "0xaaa", nil)
	assert.ErrorIs(t, err, domain.ErrDuplicate)

	_, err = r.Register(ctx, "   ", "0xbbb", nil)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = r.Register(ctx, "Gamma", "not-an-address", nil)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = r.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestList_LazyAndRestartable(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)

	a, _ := r.Register(ctx, "A", "0xa1", []string{"ocr"})
	seq := r.List(ctx, domain.AgentFilter{Capability: "OCR"})

	first := 0
	for _, err := range seq {
		require.NoError(t, err)
		first++
	}
	assert.Equal(t, 1, first)

	b, _ := r.Register(ctx, "B", "0xb1", []string{"ocr"})
	var second []string
	for agent, err := range seq {
		require.NoError(t, err)
		second = append(second, agent.ID)
	}
	assert.Equal(t, []string{a.ID, b.ID}, second)

	for _, err := range r.List(ctx, domain.AgentFilter{Capability: "bad cap!"}) {
		assert.ErrorIs(t, err, domain.ErrValidation)
	}
}

func TestList_RankByReputation(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)

	a, _ := r.Register(ctx, "A", "0xa1", nil)
	b, _ := r.Register(ctx, "B", "0xb1", nil)
	c, _ := r.Register(ctx, "C", "0xc1", nil)

	_, err := r.UpdateReputation(ctx, c.ID, domain.OutcomeSuccess)
	require.NoError(t, err)
	_, err = r.UpdateReputation(ctx, a.ID, domain.OutcomeFailure)
	require.NoError(t, err)

	assert.Equal(t, []string{a.ID, b.ID, c.ID}, ids(t, r, domain.AgentFilter{}))
	// a и b с нулевой репутацией остаются в порядке регистрации
	assert.Equal(t, []string{c.ID, a.ID, b.ID}, ids(t, r, domain.AgentFilter{RankByReputation: true}))
}

func TestUpdateReputation(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)
	a, _ := r.Register(ctx, "A", "0xa1", nil)

	for _, o := range []domain.Outcome{domain.OutcomeSuccess, domain.OutcomeSuccess, domain.OutcomeSuccess, domain.OutcomeFailure} {
		_, err := r.UpdateReputation(ctx, a.ID, o)
		require.NoError(t, err)
	}
	got, _ := r.Get(ctx, a.ID)
	assert.EqualValues(t, 3, got.Successes)
	assert.EqualValues(t, 1, got.Failures)
	assert.InDelta(t, 75.0, got.Reputation, 1e-9)

	_, err := r.UpdateReputation(ctx, "missing", domain.OutcomeSuccess)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = r.UpdateReputation(ctx, a.ID, domain.Outcome(42))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestUpdateReputation_ConcurrentUpdatesAreNotLost(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)
	a, _ := r.Register(ctx, "A", "0xa1", nil)

	const n = 8
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o := domain.OutcomeSuccess
			if i%2 == 1 {
				o = domain.OutcomeFailure
			}
			_, err := r.UpdateReputation(ctx, a.ID, o)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, _ := r.Get(ctx, a.ID)
	assert.EqualValues(t, n/2, got.Successes)
	assert.EqualValues(t, n/2, got.Failures)
	assert.EqualValues(t, n+1, got.Version)
	assert.InDelta(t, 50.0, got.Reputation, 1e-9)
}

func TestSetActive(t *testing.T) {
	ctx := context.Background()
	r, rec := newRegistry(t)
	a, _ := r.Register(ctx, "A", "0xa1", nil)

	off, err := r.SetActive(ctx, a.ID, false)
	require.NoError(t, err)
	assert.False(t, off.Active)
	assert.Empty(t, ids(t, r, domain.AgentFilter{ActiveOnly: true}))
	assert.Equal(t, map[string]bool{a.ID: false}, rec.status)

	on, err := r.SetActive(ctx, a.ID, true)
	require.NoError(t, err)
	assert.True(t, on.Active)

	_, err = r.SetActive(ctx, "missing", false)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
