package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/vots-relay/internal/domain"
)

type registerRequest struct {
	DisplayName    string   `json:"display_name"`
	PaymentAddress string   `json:"payment_address"`
	Capabilities   []string `json:"capabilities"`
}

func (s *Server) registerAgent(w http.ResponseWriter, r *http.Request) {
	req, err := decode[registerRequest](w, r, s.bodyLimit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	a, err := s.svc.Registry.Register(r.Context(), req.DisplayName, req.PaymentAddress, req.Capabilities)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.Registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GET /agents?capability=&active=&rank=reputation&limit=
func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.AgentFilter{Capability: q.Get("capability")}

	if raw := q.Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			s.fail(w, r, domain.Validationf("active must be a boolean"))
			return
		}
		f.ActiveOnly = active
	}
	switch q.Get("rank") {
	case "":
	case "reputation":
		f.RankByReputation = true
	default:
		s.fail(w, r, domain.Validationf("unsupported rank %q", q.Get("rank")))
		return
	}

	limit, err := queryLimit(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	agents, err := collect(s.svc.Registry.List(r.Context(), f), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

// setActive: агент с токеном может переключать только себя.
func (s *Server) setActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := actingAgent(r, id); err != nil {
			s.fail(w, r, err)
			return
		}
		a, err := s.svc.Registry.SetActive(r.Context(), id, active)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}
