package settlement

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testToken = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	testFrom  = "0x00000000000000000000000000000000000000aa"
	testTo    = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
)

type fakeNode struct {
	sends       atomic.Int32
	pendingPoll int32
	polls       atomic.Int32
	receipt     string
	sendError   bool
	sendDelay   time.Duration
	status      int

	mu       sync.Mutex
	lastData string
}

func (n *fakeNode) data() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastData
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if n.status != 0 {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(n.status)
		return
	}
	var req struct {
		ID     uint64            `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	reply := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
	switch req.Method {
	case "eth_sendTransaction":
		n.sends.Add(1)
		time.Sleep(n.sendDelay)
		if n.sendError {
			reply["error"] = map[string]interface{}{"code": -32000, "message": "insufficient funds for gas"}
			break
		}
		var tx map[string]string
		_ = json.Unmarshal(req.Params[0], &tx)
		n.mu.Lock()
		n.lastData = tx["data"]
		n.mu.Unlock()
		reply["result"] = "0xabc123"
	case "eth_getTransactionReceipt":
		if n.polls.Add(1) <= n.pendingPoll {
			reply["result"] = nil
			break
		}
		reply["result"] = map[string]string{"status": n.receipt}
	}
	_ = json.NewEncoder(w).Encode(reply)
}

func newTestEVM(t *testing.T, node *fakeNode) *EVMRail {
	t.Helper()
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)
	rail, err := NewEVMRail(EVMConfig{
		RPCURL:        srv.URL,
		TokenContract: testToken,
		Decimals:      6,
		PollInterval:  5 * time.Millisecond,
	})
	require.NoError(t, err)
	return rail
}

func TestEVMRail_TransferMined(t *testing.T) {
	node := &fakeNode{receipt: "0x1", pendingPoll: 2}
	rail := newTestEVM(t, node)

	r, err := rail.Settle(context.Background(), Transfer{ID: "tx-1", From: testFrom, To: testTo, Amount: 25})
	require.NoError(t, err)
	assert.Equal(t, Receipt{Rail: "evm", Reference: "0xabc123"}, r)
	assert.EqualValues(t, 1, node.sends.Load())
	assert.EqualValues(t, 3, node.polls.Load())

	data, err := hex.DecodeString(strings.TrimPrefix(node.data(), "0x"))
	require.NoError(t, err)
	require.Len(t, data, 68)
	assert.Equal(t, "a9059cbb", hex.EncodeToString(data[:4]))
	assert.Equal(t, strings.ToLower(testTo[2:]), hex.EncodeToString(data[16:36]))
	// 25 * 10^6 = 0x17d7840
	assert.Equal(t, "017d7840", hex.EncodeToString(data[64:68]))
}

func TestEVMRail_Reverted(t *testing.T) {
	rail := newTestEVM(t, &fakeNode{receipt: "0x0"})
	_, err := rail.Settle(context.Background(), Transfer{ID: "tx-1", From: testFrom, To: testTo, Amount: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestEVMRail_RPCErrorIsFatal(t *testing.T) {
	rail := newTestEVM(t, &fakeNode{sendError: true})
	_, err := rail.Settle(context.Background(), Transfer{ID: "tx-1", From: testFrom, To: testTo, Amount: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "insufficient funds for gas")
}

func TestEVMRail_NodeStatus(t *testing.T) {
	_, err := newTestEVM(t, &fakeNode{status: http.StatusBadGateway}).Settle(context.Background(), Transfer{ID: "tx-1", From: testFrom, To: testTo, Amount: 1})
	assert.True(t, IsTransient(err))

	_, err = newTestEVM(t, &fakeNode{status: http.StatusTooManyRequests}).Settle(context.Background(), Transfer{ID: "tx-1", From: testFrom, To: testTo, Amount: 1})
	var th *ThrottleError
	require.ErrorAs(t, err, &th)
	assert.Equal(t, time.Second, th.RetryAfter)
}

func TestEVMRail_UnconfirmedAfterSubmitIsNotRetried(t *testing.T) {
	node := &fakeNode{receipt: "0x1", pendingPoll: 1 << 30}
	rail := newTestEVM(t, node)

	r := NewReliable(rail, ReliabilityConfig{AttemptTimeout: 30 * time.Millisecond})
	_, err := r.Execute(context.Background(), Transfer{ID: "tx-1", From: testFrom, To: testTo, Amount: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)
	assert.EqualValues(t, 1, node.sends.Load())
}

// Нода приняла eth_sendTransaction, но ответ не успел прийти до таймаута попытки:
// исход неизвестен, второй отправки быть не должно.
func TestEVMRail_SendTimeoutIsNotRetried(t *testing.T) {
	node := &fakeNode{receipt: "0x1", sendDelay: 100 * time.Millisecond}
	rail := newTestEVM(t, node)

	r := NewReliable(rail, ReliabilityConfig{AttemptTimeout: 30 * time.Millisecond})
	res, err := r.Execute(context.Background(), Transfer{ID: "tx-1", From: testFrom, To: testTo, Amount: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "outcome unknown")
	assert.Len(t, res.Attempts, 1)
	assert.EqualValues(t, 1, node.sends.Load())
}

// Запрос не дошел до ноды — перевода точно нет, ошибка транзиентна.
func TestEVMRail_UnreachableNodeIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	rail, err := NewEVMRail(EVMConfig{RPCURL: url, TokenContract: testToken, Decimals: 6})
	require.NoError(t, err)

	_, err = rail.Settle(context.Background(), Transfer{ID: "tx-1", From: testFrom, To: testTo, Amount: 1})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.NotErrorIs(t, err, ErrRejected)
}

func TestEVMRail_RequiresHexAddresses(t *testing.T) {
	rail := newTestEVM(t, &fakeNode{receipt: "0x1"})
	_, err := rail.Settle(context.Background(), Transfer{ID: "tx-1", From: "usdc:alice", To: testTo, Amount: 1})
	assert.ErrorIs(t, err, ErrRejected)

	_, err = NewEVMRail(EVMConfig{TokenContract: "0xAAA"})
	assert.Error(t, err)
}
