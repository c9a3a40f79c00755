package api

import (
	"encoding/json"
	"errors"
	"io"
	"iter"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/xela07ax/vots-relay/internal/domain"
	"github.com/xela07ax/vots-relay/internal/infra"
	"github.com/xela07ax/vots-relay/internal/infra/auth"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

var statusByKind = map[domain.Kind]int{
	domain.KindValidation:          http.StatusBadRequest,
	domain.KindAuthorization:       http.StatusForbidden,
	domain.KindNotFound:            http.StatusNotFound,
	domain.KindDuplicate:           http.StatusConflict,
	domain.KindInactiveAgent:       http.StatusConflict,
	domain.KindServiceMismatch:     http.StatusUnprocessableEntity,
	domain.KindSettlementTransient: http.StatusBadGateway,
	domain.KindSettlementFatal:     http.StatusBadGateway,
}

type errorBody struct {
	ErrorKind   domain.Kind         `json:"error_kind"`
	Message     string              `json:"message"`
	Transaction *domain.Transaction `json:"transaction,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.failWithTx(w, r, err, nil)
}

// failWithTx: неуспешный расчет отдает 502 вместе с терминальной транзакцией.
func (s *Server) failWithTx(w http.ResponseWriter, r *http.Request, err error, tx *domain.Transaction) {
	kind := domain.KindOf(err)
	status, ok := statusByKind[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("trace_id", infra.TraceID(r.Context())),
			zap.Error(err),
		)
	}
	writeJSON(w, status, errorBody{ErrorKind: kind, Message: domain.Message(err), Transaction: tx})
}

func decode[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, error) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return v, domain.Validationf("request body too large")
		case errors.Is(err, io.EOF):
			return v, domain.Validationf("request body is empty")
		}
		return v, domain.Validationf("invalid request body: %v", err)
	}
	return v, nil
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, domain.Validationf("limit must be a positive integer")
	}
	return min(n, maxLimit), nil
}

// collect вычитывает не больше limit элементов; ошибка последовательности прерывает чтение.
func collect[T any](seq iter.Seq2[T, error], limit int) ([]T, error) {
	out := make([]T, 0)
	for v, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// actingAgent — агент, от имени которого выполняется мутация.
// С токеном это агент из токена, и заявленный в запросе обязан с ним совпасть.
func actingAgent(r *http.Request, claimed string) (string, error) {
	claimed = strings.TrimSpace(claimed)
	if tokenAgent, ok := auth.AgentFromContext(r.Context()); ok {
		if claimed != "" && claimed != tokenAgent {
			return "", domain.Authorizationf("token is not issued for agent %s", claimed)
		}
		return tokenAgent, nil
	}
	if claimed == "" {
		claimed = strings.TrimSpace(r.Header.Get("X-Agent-ID"))
	}
	if claimed == "" {
		return "", domain.Validationf("acting agent is required")
	}
	return claimed, nil
}
