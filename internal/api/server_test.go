package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/vots-relay/internal/audit"
	"github.com/xela07ax/vots-relay/internal/domain"
	"github.com/xela07ax/vots-relay/internal/infra/auth"
	"github.com/xela07ax/vots-relay/internal/market"
	"github.com/xela07ax/vots-relay/internal/registry"
	"github.com/xela07ax/vots-relay/internal/relay"
	"github.com/xela07ax/vots-relay/internal/repository/memory"
	"github.com/xela07ax/vots-relay/internal/settlement"
)

// syncJournal пишет попытки сразу в хранилище, без буфера.
type syncJournal struct{ store *memory.Store }

func (j syncJournal) Record(a audit.Attempt) {
	_ = j.store.WriteBatch(context.Background(), []audit.Attempt{a})
}

// tokens — валидатор-заглушка: токен это строка "token-<agentID>".
type tokens struct{}

func (tokens) VerifyToken(s string) (*auth.AgentClaims, error) {
	id, ok := strings.CutPrefix(strings.TrimPrefix(s, "Bearer "), "token-")
	if !ok || id == "" {
		return nil, errors.New("bad token")
	}
	return &auth.AgentClaims{AgentID: id}, nil
}

type harness struct {
	srv  *Server
	rail settlement.BackendFunc
}

func newHarness(t *testing.T, validator auth.TokenValidator) *harness {
	t.Helper()
	h := &harness{}
	store := memory.NewStore()
	reg := registry.New(store, nil, zap.NewNop())
	rail := settlement.BackendFunc(func(ctx context.Context, tr settlement.Transfer) (settlement.Receipt, error) {
		if h.rail != nil {
			return h.rail(ctx, tr)
		}
		return settlement.Receipt{Rail: "test", Reference: "ref-1"}, nil
	})
	rl := relay.New(relay.Deps{
		Transactions: store,
		Agents:       reg,
		Listings:     store,
		Settler:      settlement.NewReliable(rail, settlement.ReliabilityConfig{AttemptTimeout: 200 * time.Millisecond}),
		Journal:      syncJournal{store: store},
	}, relay.Config{Rail: "test"}, zap.NewNop())
	mk := market.New(store, reg, rl, zap.NewNop())

	h.srv = NewServer(Services{
		Registry: reg,
		Relay:    rl,
		Market:   mk,
		Attempts: store,
		Health:   store,
	}, validator, 0, zap.NewNop())
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	return rec
}

func (h *harness) register(t *testing.T, name, addr string, caps ...string) domain.Agent {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/agents", map[string]any{
		"display_name": name, "payment_address": addr, "capabilities": caps,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[domain.Agent](t, rec)
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestAgents(t *testing.T) {
	h := newHarness(t, nil)
	a := h.register(t, "A", "0xAAA", "ocr")
	h.register(t, "B", "0xBBB")

	rec := h.do(t, http.MethodGet, "/agents/"+a.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0xaaa", decodeBody[domain.Agent](t, rec).PaymentAddress)

	rec = h.do(t, http.MethodPost, "/agents", map[string]any{"display_name": "dup", "payment_address": "0xaaa"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.EqualValues(t, "DuplicateError", decodeBody[errorBody](t, rec).ErrorKind)

	rec = h.do(t, http.MethodGet, "/agents/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.EqualValues(t, "NotFoundError", decodeBody[errorBody](t, rec).ErrorKind)

	rec = h.do(t, http.MethodGet, "/agents?capability=ocr", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]domain.Agent](t, rec), 1)

	rec = h.do(t, http.MethodGet, "/agents?limit=1", nil)
	assert.Len(t, decodeBody[[]domain.Agent](t, rec), 1)

	for _, q := range []string{"rank=age", "active=maybe", "limit=0", "capability=bad%20cap%21"} {
		rec = h.do(t, http.MethodGet, "/agents?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}

	rec = h.do(t, http.MethodPost, "/agents/"+a.ID+"/deactivate", nil, "X-Agent-ID", a.ID)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[domain.Agent](t, rec).Active)

	rec = h.do(t, http.MethodGet, "/agents?active=true", nil)
	assert.Len(t, decodeBody[[]domain.Agent](t, rec), 1)
}

func TestPayments_Scenario(t *testing.T) {
	h := newHarness(t, nil)
	a := h.register(t, "A", "0xAAA")
	b := h.register(t, "B", "0xBBB")

	rec := h.do(t, http.MethodPost, "/payments", map[string]any{"from_agent": a.ID, "to_agent": b.ID, "amount": 10},
		"X-Trace-ID", "trace-42")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "trace-42", rec.Header().Get("X-Trace-ID"))
	tx := decodeBody[domain.Transaction](t, rec)
	assert.Equal(t, domain.TxSettled, tx.Status)

	for _, id := range []string{a.ID, b.ID} {
		got := decodeBody[domain.Agent](t, h.do(t, http.MethodGet, "/agents/"+id, nil))
		assert.InDelta(t, 100.0, got.Reputation, 1e-9)
	}

	rec = h.do(t, http.MethodGet, "/payments/"+tx.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/payments/"+tx.ID+"/attempts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	attempts := decodeBody[[]audit.Attempt](t, rec)
	require.Len(t, attempts, 1)
	assert.Equal(t, audit.OutcomeOK, attempts[0].Outcome)
	assert.Equal(t, "trace-42", attempts[0].TraceID)

	// Отрицательная сумма и платеж самому себе не оставляют транзакций
	rec = h.do(t, http.MethodPost, "/payments", map[string]any{"from_agent": a.ID, "to_agent": b.ID, "amount": -5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.EqualValues(t, "ValidationError", decodeBody[errorBody](t, rec).ErrorKind)
	rec = h.do(t, http.MethodPost, "/payments", map[string]any{"from_agent": a.ID, "to_agent": a.ID, "amount": 5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/payments?agent="+a.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]domain.Transaction](t, rec), 1)

	rec = h.do(t, http.MethodGet, "/payments?agent="+a.ID+"&direction=received", nil)
	assert.Empty(t, decodeBody[[]domain.Transaction](t, rec))
	rec = h.do(t, http.MethodGet, "/payments?agent="+a.ID+"&direction=sideways", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPayments_Errors(t *testing.T) {
	h := newHarness(t, nil)
	a := h.register(t, "A", "0xAAA")
	c := h.register(t, "C", "0xCCC")
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/agents/"+c.ID+"/deactivate", nil, "X-Agent-ID", c.ID).Code)

	rec := h.do(t, http.MethodPost, "/payments", map[string]any{"from_agent": a.ID, "to_agent": c.ID, "amount": 1})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.EqualValues(t, "InactiveAgentError", decodeBody[errorBody](t, rec).ErrorKind)

	req := httptest.NewRequest(http.MethodPost, "/payments", strings.NewReader("{not json"))
	rec = httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/payments/missing/attempts", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPayments_SettlementFailure(t *testing.T) {
	h := newHarness(t, nil)
	a := h.register(t, "A", "0xAAA")
	b := h.register(t, "B", "0xBBB")
	h.rail = func(context.Context, settlement.Transfer) (settlement.Receipt, error) {
		return settlement.Receipt{}, settlement.Rejected("insufficient funds")
	}

	rec := h.do(t, http.MethodPost, "/payments", map[string]any{"from_agent": a.ID, "to_agent": b.ID, "amount": 10})
	require.Equal(t, http.StatusBadGateway, rec.Code)
	body := decodeBody[errorBody](t, rec)
	assert.EqualValues(t, "SettlementFatalError", body.ErrorKind)
	require.NotNil(t, body.Transaction)
	assert.Equal(t, domain.TxFailed, body.Transaction.Status)

	rec = h.do(t, http.MethodGet, "/payments/"+body.Transaction.ID, nil)
	assert.Equal(t, domain.TxFailed, decodeBody[domain.Transaction](t, rec).Status)
}

func TestServices(t *testing.T) {
	h := newHarness(t, nil)
	owner := h.register(t, "Owner", "0xAAA")
	buyer := h.register(t, "Buyer", "0xBBB")

	rec := h.do(t, http.MethodPost, "/services", map[string]any{
		"agent_id": owner.ID, "price": 7, "description": "summaries", "capabilities_required": []string{"nlp"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	l := decodeBody[domain.ServiceListing](t, rec)

	rec = h.do(t, http.MethodGet, "/services?capability=nlp", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeBody[[]domain.ServiceListing](t, rec), 1)

	rec = h.do(t, http.MethodGet, "/services?max_price=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodDelete, "/services/"+l.ID, nil, "X-Agent-ID", buyer.ID)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.EqualValues(t, "AuthorizationError", decodeBody[errorBody](t, rec).ErrorKind)
	rec = h.do(t, http.MethodGet, "/services?capability=nlp", nil)
	assert.Len(t, decodeBody[[]domain.ServiceListing](t, rec), 1)

	rec = h.do(t, http.MethodPost, "/services/"+l.ID+"/purchase", map[string]any{"buyer_agent": buyer.ID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tx := decodeBody[domain.Transaction](t, rec)
	assert.Equal(t, l.ID, tx.ServiceReference)
	assert.EqualValues(t, 7, tx.Amount)

	// Ссылка на услугу с чужой ценой
	rec = h.do(t, http.MethodPost, "/payments", map[string]any{
		"from_agent": buyer.ID, "to_agent": owner.ID, "amount": 8, "service_reference": l.ID,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.EqualValues(t, "ServiceMismatchError", decodeBody[errorBody](t, rec).ErrorKind)

	rec = h.do(t, http.MethodDelete, "/services/"+l.ID, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "requester is required")

	rec = h.do(t, http.MethodDelete, "/services/"+l.ID, nil, "X-Agent-ID", owner.ID)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/services/"+l.ID, nil).Code)
}

func TestAuth(t *testing.T) {
	h := newHarness(t, tokens{})
	a := h.register(t, "A", "0xAAA")
	b := h.register(t, "B", "0xBBB")
	pay := map[string]any{"from_agent": a.ID, "to_agent": b.ID, "amount": 3}

	rec := h.do(t, http.MethodPost, "/payments", pay)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.EqualValues(t, "AuthorizationError", decodeBody[errorBody](t, rec).ErrorKind)

	rec = h.do(t, http.MethodPost, "/payments", pay, "Authorization", "Bearer token-"+b.ID)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodPost, "/payments", map[string]any{"to_agent": b.ID, "amount": 3},
		"Authorization", "Bearer token-"+a.ID)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, a.ID, decodeBody[domain.Transaction](t, rec).FromAgent)

	rec = h.do(t, http.MethodPost, "/agents/"+a.ID+"/deactivate", nil, "Authorization", "Bearer token-"+b.ID)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Чтение открыто
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/agents/"+a.ID, nil).Code)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Trace-ID"))
}
