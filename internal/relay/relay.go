// Package relay — Payment Relay: проверка запроса, сохранение транзакции,
// расчет через рельс с одним повтором, однократная финализация вместе с репутацией.
package relay

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/vots-relay/internal/audit"
	"github.com/xela07ax/vots-relay/internal/domain"
	"github.com/xela07ax/vots-relay/internal/events"
	"github.com/xela07ax/vots-relay/internal/infra"
	"github.com/xela07ax/vots-relay/internal/settlement"
)

type TransactionRepository interface {
	CreateTransaction(ctx context.Context, t *domain.Transaction) error
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	// FinalizeTransaction атомарно пишет терминальный статус и репутацию участников
	FinalizeTransaction(ctx context.Context, t *domain.Transaction) error
	ListTransactions(ctx context.Context, agentID string, d domain.Direction) iter.Seq2[domain.Transaction, error]
	ListStalePending(ctx context.Context, before time.Time) ([]domain.Transaction, error)
}

// AgentDirectory — то, что релею нужно от реестра.
type AgentDirectory interface {
	Get(ctx context.Context, agentID string) (*domain.Agent, error)
}

type ListingLookup interface {
	GetListing(ctx context.Context, id string) (*domain.ServiceListing, error)
}

// Settler — рельс, обернутый в settlement.Reliable.
type Settler interface {
	Execute(ctx context.Context, t settlement.Transfer) (settlement.Result, error)
}

type Config struct {
	Rail string
	// SettleTimeout ограничивает расчет и финализацию, отвязанные от контекста клиента
	SettleTimeout time.Duration
}

type Relay struct {
	txs      TransactionRepository
	agents   AgentDirectory
	listings ListingLookup
	settler  Settler
	locks    *TxLocks
	journal  audit.Recorder
	events   events.Publisher
	metrics  *Metrics
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

type Deps struct {
	Transactions TransactionRepository
	Agents       AgentDirectory
	Listings     ListingLookup
	Settler      Settler
	Locks        *TxLocks
	Journal      audit.Recorder
	Events       events.Publisher
	Metrics      *Metrics
}

func New(d Deps, cfg Config, logger *zap.Logger) *Relay {
	logger = logger.Named("relay")
	if d.Locks == nil {
		d.Locks = NewTxLocks(nil, logger)
	}
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	if d.Metrics == nil {
		d.Metrics = NewMetrics(nil)
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 30 * time.Second
	}
	if cfg.Rail == "" {
		cfg.Rail = "unknown"
	}
	return &Relay{
		txs:      d.Transactions,
		agents:   d.Agents,
		listings: d.Listings,
		settler:  d.Settler,
		locks:    d.Locks,
		journal:  d.Journal,
		events:   d.Events,
		metrics:  d.Metrics,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SendPayment проводит платеж. Транзакция возвращается при любом исходе расчета;
// при отказе рельса ошибка — SettlementTransient/SettlementFatal.
// Ошибки проверки (шаги 1–3) не оставляют следов в хранилище.
func (r *Relay) SendPayment(ctx context.Context, req domain.PaymentRequest) (*domain.Transaction, error) {
	req.From = strings.TrimSpace(req.From)
	req.To = strings.TrimSpace(req.To)
	req.ServiceReference = strings.TrimSpace(req.ServiceReference)

	from, to, err := r.check(ctx, req)
	if err != nil {
		r.metrics.PaymentsTotal.WithLabelValues("rejected", string(domain.KindOf(err))).Inc()
		return nil, err
	}

	tx := domain.NewTransaction(uuid.NewString(), req, r.now())
	log := r.logger.With(
		zap.String("tx_id", tx.ID),
		zap.String("trace_id", infra.TraceID(ctx)),
		zap.String("from", tx.FromAgent),
		zap.String("to", tx.ToAgent),
		zap.Int64("amount", tx.Amount),
	)

	release, err := r.locks.TryAcquire(ctx, tx.ID)
	if err != nil {
		return nil, fmt.Errorf("lock transaction %s: %w", tx.ID, err)
	}
	defer release()

	if err := r.txs.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("persist transaction: %w", err)
	}
	log.Info("payment accepted", zap.String("service_ref", tx.ServiceReference))

	// Дальше клиент может уйти — транзакция все равно должна стать терминальной
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.SettleTimeout)
	defer cancel()

	var (
		res       settlement.Result
		settleErr error
	)
	if err := ctx.Err(); err != nil {
		// Отмена до отправки: рельс не вызываем
		settleErr = settlement.Transient(fmt.Errorf("request cancelled before settlement: %w", err))
	} else {
		start := time.Now()
		res, settleErr = r.settler.Execute(sctx, settlement.Transfer{
			ID:     tx.ID,
			From:   from.PaymentAddress,
			To:     to.PaymentAddress,
			Amount: tx.Amount,
		})
		status := "ok"
		if settleErr != nil {
			status = "error"
		}
		r.metrics.SettlementDuration.WithLabelValues(r.cfg.Rail, status).Observe(time.Since(start).Seconds())
		r.recordAttempts(ctx, tx.ID, res.Attempts)
	}

	now := r.now()
	if settleErr == nil {
		_ = tx.Settle(res.Receipt.Reference, len(res.Attempts), now)
	} else {
		kind := domain.KindSettlementFatal
		if settlement.IsTransient(settleErr) {
			kind = domain.KindSettlementTransient
		}
		_ = tx.Fail(kind, settleErr.Error(), len(res.Attempts), now)
	}

	if err := r.txs.FinalizeTransaction(sctx, tx); err != nil {
		if !errors.Is(err, domain.ErrAlreadyFinal) {
			log.Error("failed to finalize transaction", zap.Error(err))
			return nil, fmt.Errorf("finalize transaction %s: %w", tx.ID, err)
		}
		// Кто-то финализировал раньше — верным считается сохраненное состояние
		log.Warn("transaction was finalized concurrently")
		return r.txs.GetTransaction(sctx, tx.ID)
	}

	r.afterFinalize(sctx, tx)

	if tx.Status == domain.TxFailed {
		log.Warn("payment failed",
			zap.String("failure_kind", string(tx.FailureKind)),
			zap.String("reason", tx.FailureReason),
			zap.Int("attempts", tx.Attempts),
		)
		return tx, domain.SettlementError(tx.FailureKind, settleErr)
	}

	log.Info("payment settled", zap.String("settlement_ref", tx.SettlementRef), zap.Int("attempts", tx.Attempts))
	return tx, nil
}

// check — проверки до создания транзакции. Без побочных эффектов.
func (r *Relay) check(ctx context.Context, req domain.PaymentRequest) (from, to *domain.Agent, err error) {
	if req.From == "" || req.To == "" {
		return nil, nil, domain.Validationf("from_agent and to_agent are required")
	}
	// Форма запроса проверяется до реестра: amount <= 0 и платеж самому себе —
	// всегда ValidationError, независимо от состояния агентов
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}
	if from, err = r.agents.Get(ctx, req.From); err != nil {
		return nil, nil, err
	}
	if to, err = r.agents.Get(ctx, req.To); err != nil {
		return nil, nil, err
	}
	for _, a := range []*domain.Agent{from, to} {
		if !a.Active {
			return nil, nil, domain.InactiveAgentf("agent %s is inactive", a.ID)
		}
	}

	if req.ServiceReference != "" {
		l, err := r.listings.GetListing(ctx, req.ServiceReference)
		if err != nil {
			return nil, nil, err
		}
		if !l.Active {
			return nil, nil, domain.NotFoundf("service %s not found", l.ID)
		}
		if req.Amount != l.Price {
			return nil, nil, domain.ServiceMismatchf("amount %d does not match service price %d", req.Amount, l.Price)
		}
		if req.To != l.AgentID {
			return nil, nil, domain.ServiceMismatchf("service %s is offered by %s, not %s", l.ID, l.AgentID, req.To)
		}
	}
	return from, to, nil
}

// afterFinalize — события и метрики после терминальной записи
// (репутация уже записана вместе с ней).
func (r *Relay) afterFinalize(ctx context.Context, tx *domain.Transaction) {
	r.metrics.PaymentsTotal.WithLabelValues(string(tx.Status), string(tx.FailureKind)).Inc()
	r.events.PaymentFinalized(ctx, *tx)
}

func (r *Relay) recordAttempts(ctx context.Context, txID string, attempts []settlement.Attempt) {
	for _, a := range attempts {
		outcome := audit.OutcomeOK
		var msg string
		if a.Err != nil {
			msg = a.Err.Error()
			outcome = audit.OutcomeFatal
			if settlement.IsTransient(a.Err) {
				outcome = audit.OutcomeTransient
			}
		}
		r.metrics.SettlementAttempts.WithLabelValues(r.cfg.Rail, outcome).Inc()
		if r.journal == nil {
			continue
		}
		r.journal.Record(audit.Attempt{
			ID:            uuid.NewString(),
			TransactionID: txID,
			TraceID:       infra.TraceID(ctx),
			Number:        a.Number,
			Rail:          r.cfg.Rail,
			Outcome:       outcome,
			Error:         msg,
			DurationMs:    a.Duration.Milliseconds(),
			Timestamp:     r.now(),
		})
	}
}

func (r *Relay) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return r.txs.GetTransaction(ctx, id)
}

// ListTransactions — от новых к старым; неизвестное направление — ValidationError.
// Ошибка проверки аргументов приходит первым элементом последовательности.
func (r *Relay) ListTransactions(ctx context.Context, agentID string, direction string) iter.Seq2[domain.Transaction, error] {
	d, err := domain.ParseDirection(direction)
	if err == nil && strings.TrimSpace(agentID) == "" {
		err = domain.Validationf("agent is required")
	}
	if err != nil {
		return func(yield func(domain.Transaction, error) bool) { yield(domain.Transaction{}, err) }
	}
	return r.txs.ListTransactions(ctx, agentID, d)
}
