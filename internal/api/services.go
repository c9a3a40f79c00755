package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/vots-relay/internal/domain"
)

type listServiceRequest struct {
	AgentID              string   `json:"agent_id"`
	Price                int64    `json:"price"`
	Description          string   `json:"description"`
	CapabilitiesRequired []string `json:"capabilities_required"`
}

type purchaseRequest struct {
	BuyerAgent string `json:"buyer_agent"`
	Memo       string `json:"memo"`
}

func (s *Server) listService(w http.ResponseWriter, r *http.Request) {
	req, err := decode[listServiceRequest](w, r, s.bodyLimit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	owner, err := actingAgent(r, req.AgentID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	l, err := s.svc.Market.ListService(r.Context(), owner, req.Price, req.Description, req.CapabilitiesRequired)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (s *Server) getService(w http.ResponseWriter, r *http.Request) {
	l, err := s.svc.Market.GetService(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// DELETE /services/{id}: владелец из токена или X-Agent-ID.
func (s *Server) withdrawService(w http.ResponseWriter, r *http.Request) {
	requester, err := actingAgent(r, r.Header.Get("X-Agent-ID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.svc.Market.WithdrawService(r.Context(), chi.URLParam(r, "id"), requester); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) purchase(w http.ResponseWriter, r *http.Request) {
	req, err := decode[purchaseRequest](w, r, s.bodyLimit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	buyer, err := actingAgent(r, req.BuyerAgent)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	tx, err := s.svc.Market.Purchase(r.Context(), buyer, chi.URLParam(r, "id"), req.Memo)
	s.writePayment(w, r, tx, err)
}

// GET /services?capability=&max_price=&limit=
func (s *Server) findServices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.ServiceFilter{Capability: q.Get("capability")}
	if raw := q.Get("max_price"); raw != "" {
		p, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.fail(w, r, domain.Validationf("max_price must be an integer"))
			return
		}
		f.MaxPrice = p
	}

	limit, err := queryLimit(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	listings, err := collect(s.svc.Market.FindServices(r.Context(), f), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listings)
}
