package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/vots-relay/internal/audit"
	"github.com/xela07ax/vots-relay/internal/domain"
)

func (s *Server) sendPayment(w http.ResponseWriter, r *http.Request) {
	req, err := decode[domain.PaymentRequest](w, r, s.bodyLimit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if req.From, err = actingAgent(r, req.From); err != nil {
		s.fail(w, r, err)
		return
	}
	tx, err := s.svc.Relay.SendPayment(r.Context(), req)
	s.writePayment(w, r, tx, err)
}

// writePayment: при ошибке расчета транзакция уже терминальная и едет в теле ошибки.
func (s *Server) writePayment(w http.ResponseWriter, r *http.Request, tx *domain.Transaction, err error) {
	if err != nil {
		s.failWithTx(w, r, err, tx)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (s *Server) getPayment(w http.ResponseWriter, r *http.Request) {
	tx, err := s.svc.Relay.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// GET /payments?agent=&direction=&limit=
func (s *Server) listPayments(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	txs, err := collect(s.svc.Relay.ListTransactions(r.Context(), q.Get("agent"), q.Get("direction")), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) paymentAttempts(w http.ResponseWriter, r *http.Request) {
	tx, err := s.svc.Relay.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	attempts, err := s.svc.Attempts.Attempts(r.Context(), tx.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []audit.Attempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}
