// Package api — HTTP/JSON граница релея: реестр, платежи и витрина услуг.
package api

import (
	"context"
	"iter"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/vots-relay/internal/audit"
	"github.com/xela07ax/vots-relay/internal/domain"
	"github.com/xela07ax/vots-relay/internal/infra"
	"github.com/xela07ax/vots-relay/internal/infra/auth"
)

type Registry interface {
	Register(ctx context.Context, displayName, paymentAddress string, capabilities []string) (*domain.Agent, error)
	Get(ctx context.Context, agentID string) (*domain.Agent, error)
	List(ctx context.Context, f domain.AgentFilter) iter.Seq2[domain.Agent, error]
	SetActive(ctx context.Context, agentID string, active bool) (*domain.Agent, error)
}

type Relay interface {
	SendPayment(ctx context.Context, req domain.PaymentRequest) (*domain.Transaction, error)
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, agentID string, direction string) iter.Seq2[domain.Transaction, error]
}

type Market interface {
	ListService(ctx context.Context, agentID string, price int64, description string, capabilitiesRequired []string) (*domain.ServiceListing, error)
	WithdrawService(ctx context.Context, serviceID, requestingAgentID string) error
	FindServices(ctx context.Context, f domain.ServiceFilter) iter.Seq2[domain.ServiceListing, error]
	GetService(ctx context.Context, serviceID string) (*domain.ServiceListing, error)
	Purchase(ctx context.Context, buyerID, serviceID, memo string) (*domain.Transaction, error)
}

// AttemptReader — журнал попыток расчета (settlement_attempts).
type AttemptReader interface {
	Attempts(ctx context.Context, txID string) ([]audit.Attempt, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Services struct {
	Registry Registry
	Relay    Relay
	Market   Market
	Attempts AttemptReader
	Health   Pinger
}

type Server struct {
	router *chi.Mux
	logger *zap.Logger
	svc    Services

	// nil — аутентификация выключена, действующий агент берется из тела или X-Agent-ID
	validator auth.TokenValidator
	bodyLimit int64
}

func NewServer(svc Services, validator auth.TokenValidator, bodyLimit int64, logger *zap.Logger) *Server {
	if bodyLimit <= 0 {
		bodyLimit = 1 << 20
	}
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.Named("api"),
		svc:       svc,
		validator: validator,
		bodyLimit: bodyLimit,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.traceID)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)

	// Чтение открыто; мутации от имени агента проходят через authn
	r.Route("/agents", func(r chi.Router) {
		r.Get("/", s.listAgents)
		r.Post("/", s.registerAgent)
		r.Get("/{id}", s.getAgent)
		r.With(s.authn).Post("/{id}/activate", s.setActive(true))
		r.With(s.authn).Post("/{id}/deactivate", s.setActive(false))
	})

	r.Route("/payments", func(r chi.Router) {
		r.Get("/", s.listPayments)
		r.With(s.authn).Post("/", s.sendPayment)
		r.Get("/{id}", s.getPayment)
		r.Get("/{id}/attempts", s.paymentAttempts)
	})

	r.Route("/services", func(r chi.Router) {
		r.Get("/", s.findServices)
		r.With(s.authn).Post("/", s.listService)
		r.Get("/{id}", s.getService)
		r.With(s.authn).Delete("/{id}", s.withdrawService)
		r.With(s.authn).Post("/{id}/purchase", s.purchase)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) authn(next http.Handler) http.Handler {
	if s.validator == nil {
		return next
	}
	return auth.NewMiddleware(s.validator, s.logger)(next)
}

// traceID: X-Trace-ID клиента или ID запроса chi; уходит в логи и журнал попыток.
func (s *Server) traceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Trace-ID")
		if id == "" {
			id = middleware.GetReqID(r.Context())
		}
		w.Header().Set("X-Trace-ID", id)
		next.ServeHTTP(w, r.WithContext(infra.WithTraceID(r.Context(), id)))
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("trace_id", infra.TraceID(r.Context())),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.svc.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.svc.Health.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
