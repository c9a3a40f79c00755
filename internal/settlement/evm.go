package settlement

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"

	"github.com/xela07ax/vots-relay/internal/domain"
)

// errOutcomeUnknown — запрос ушел на ноду, но ответ потерян (таймаут, обрыв).
var errOutcomeUnknown = errors.New("request delivered, outcome unknown")

// transferSelector = keccak256("transfer(address,uint256)")[:4]
var transferSelector = func() []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte("transfer(address,uint256)"))
	return h.Sum(nil)[:4]
}()

// EVMRail переводит ERC-20 токен через JSON-RPC ноды (eth_sendTransaction от
// адреса плательщика; ключами управляет нода, релей ничего не хранит).
type EVMRail struct {
	rpcURL       string
	token        string
	scale        *uint256.Int
	pollInterval time.Duration
	client       *http.Client
	ids          atomic.Uint64
}

type EVMConfig struct {
	RPCURL        string
	TokenContract string
	Decimals      uint8
	PollInterval  time.Duration
	HTTPClient    *http.Client
}

func NewEVMRail(cfg EVMConfig) (*EVMRail, error) {
	if !domain.IsEVMAddress(cfg.TokenContract) {
		return nil, fmt.Errorf("token contract %q is not a 20-byte address", cfg.TokenContract)
	}
	if cfg.Decimals > 77 {
		return nil, fmt.Errorf("decimals %d overflow uint256", cfg.Decimals)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	scale := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(cfg.Decimals)))
	return &EVMRail{
		rpcURL:       cfg.RPCURL,
		token:        strings.ToLower(cfg.TokenContract),
		scale:        scale,
		pollInterval: poll,
		client:       client,
	}, nil
}

// Settle не дедуплицирует по t.ID (nonce выбирает нода), поэтому любой сбой
// после доставки eth_sendTransaction фатален: повтор может списать дважды.
func (e *EVMRail) Settle(ctx context.Context, t Transfer) (Receipt, error) {
	if !domain.IsEVMAddress(t.From) || !domain.IsEVMAddress(t.To) {
		return Receipt{}, Rejected("evm rail needs 20-byte addresses, got %s -> %s", t.From, t.To)
	}
	data, err := e.transferCalldata(t.To, t.Amount)
	if err != nil {
		return Receipt{}, err
	}

	var txHash string
	err = e.call(ctx, "eth_sendTransaction", []interface{}{map[string]string{
		"from": strings.ToLower(t.From),
		"to":   e.token,
		"data": "0x" + hex.EncodeToString(data),
	}}, &txHash)
	if errors.Is(err, errOutcomeUnknown) {
		return Receipt{}, Rejected("transaction %s submitted, outcome unknown: %v", t.ID, err)
	}
	if err != nil {
		return Receipt{}, err
	}

	// После отправки повторять нельзя: второй eth_sendTransaction — двойное списание
	if err := e.waitReceipt(ctx, txHash); err != nil {
		if IsTransient(err) {
			return Receipt{}, Rejected("transaction %s submitted but unconfirmed: %v", txHash, err)
		}
		return Receipt{}, err
	}
	return Receipt{Rail: "evm", Reference: txHash}, nil
}

// transferCalldata: selector | address (32 байта) | amount * 10^decimals (32 байта).
func (e *EVMRail) transferCalldata(to string, amount int64) ([]byte, error) {
	value, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(uint64(amount)), e.scale)
	if overflow {
		return nil, Rejected("amount %d overflows token units", amount)
	}
	addr, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(to), "0x"))
	if err != nil {
		return nil, Rejected("decode address %s: %v", to, err)
	}

	out := make([]byte, 0, 4+32+32)
	out = append(out, transferSelector...)
	out = append(out, make([]byte, 12)...)
	out = append(out, addr...)
	word := value.Bytes32()
	return append(out, word[:]...), nil
}

type evmReceipt struct {
	Status string `json:"status"`
}

func (e *EVMRail) waitReceipt(ctx context.Context, txHash string) error {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		var receipt *evmReceipt
		if err := e.call(ctx, "eth_getTransactionReceipt", []interface{}{txHash}, &receipt); err != nil {
			return err
		}
		if receipt != nil {
			if receipt.Status == "0x1" {
				return nil
			}
			return Rejected("transaction %s reverted", txHash)
		}

		select {
		case <-ctx.Done():
			return Transient(ctx.Err())
		case <-ticker.C:
		}
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      uint64      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// call — минимальный JSON-RPC 2.0 клиент.
// Сеть и 5xx — транзиентны, 429 — throttle, ошибка JSON-RPC — фатальна.
// Сбой после записи запроса помечается errOutcomeUnknown.
func (e *EVMRail) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: e.ids.Add(1), Method: method, Params: params})
	if err != nil {
		return Rejected("encode %s: %v", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.rpcURL, bytes.NewReader(body))
	if err != nil {
		return Rejected("build %s request: %v", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	var wrote atomic.Bool
	req = req.WithContext(httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				wrote.Store(true)
			}
		},
	}))

	resp, err := e.client.Do(req)
	if err != nil {
		if wrote.Load() {
			return Transient(fmt.Errorf("%s: %w: %w", method, errOutcomeUnknown, err))
		}
		return Transient(fmt.Errorf("%s: %w", method, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &ThrottleError{RetryAfter: retryAfter(resp.Header.Get("Retry-After")), Cause: fmt.Errorf("%s: node throttled", method)}
	case resp.StatusCode >= 500:
		return Transient(fmt.Errorf("%s: node returned %d", method, resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return Rejected("%s: node returned %d", method, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Transient(fmt.Errorf("%s: read body: %w: %w", method, errOutcomeUnknown, err))
	}
	var rr rpcResponse
	if err := json.Unmarshal(raw, &rr); err != nil {
		return Rejected("%s: malformed response: %v", method, err)
	}
	if rr.Error != nil {
		return Rejected("%s: rpc error %d: %s", method, rr.Error.Code, rr.Error.Message)
	}
	if err := json.Unmarshal(rr.Result, out); err != nil {
		return Rejected("%s: decode result: %v", method, err)
	}
	return nil
}

func retryAfter(h string) time.Duration {
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Second
}

