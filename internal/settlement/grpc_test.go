package settlement

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

func startGRPCRail(t *testing.T, backend Backend) *GRPCRail {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterGRPCRail(srv, backend)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewGRPCRail(conn)
}

func TestGRPCRail_RoundTrip(t *testing.T) {
	var got Transfer
	rail := startGRPCRail(t, BackendFunc(func(ctx context.Context, tr Transfer) (Receipt, error) {
		got = tr
		return Receipt{Rail: "ledger", Reference: "ledger-7"}, nil
	}))

	r, err := rail.Settle(context.Background(), Transfer{ID: "tx-1", From: "usdc:a", To: "usdc:b", Amount: 9007199254740993})
	require.NoError(t, err)
	assert.Equal(t, "grpc", r.Rail)
	assert.Equal(t, "ledger-7", r.Reference)
	assert.Equal(t, Transfer{ID: "tx-1", From: "usdc:a", To: "usdc:b", Amount: 9007199254740993}, got)
}

// Ответ на первую попытку теряется по DeadlineExceeded уже после проводки;
// повтор с тем же tx_id не двигает деньги второй раз.
func TestGRPCRail_RetryAfterDeadlineSettlesOnce(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger(t)
	require.NoError(t, ledger.Deposit(ctx, "usdc:a", 100))

	var calls atomic.Int32
	rail := startGRPCRail(t, BackendFunc(func(ctx context.Context, tr Transfer) (Receipt, error) {
		r, err := ledger.Settle(context.WithoutCancel(ctx), tr)
		if calls.Add(1) == 1 {
			time.Sleep(100 * time.Millisecond)
		}
		return r, err
	}))
	r := NewReliable(rail, ReliabilityConfig{AttemptTimeout: 30 * time.Millisecond})

	res, err := r.Execute(ctx, Transfer{ID: "tx-1", From: "usdc:a", To: "usdc:b", Amount: 40})
	require.NoError(t, err)
	require.Len(t, res.Attempts, 2)
	assert.True(t, IsTransient(res.Attempts[0].Err))
	assert.Equal(t, "ledger-1", res.Receipt.Reference)

	a, _ := ledger.Balance(ctx, "usdc:a")
	b, _ := ledger.Balance(ctx, "usdc:b")
	assert.EqualValues(t, 60, a)
	assert.EqualValues(t, 40, b)
}

func TestGRPCRail_ErrorClasses(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
	}{
		{"rejected", Rejected("insufficient funds"), false},
		{"transient", Transient(errors.New("redis down")), true},
		{"throttled", &ThrottleError{Cause: errors.New("slow down")}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rail := startGRPCRail(t, BackendFunc(func(ctx context.Context, tr Transfer) (Receipt, error) {
				return Receipt{}, tc.err
			}))
			_, err := rail.Settle(context.Background(), Transfer{ID: "tx-1", From: "a", To: "b", Amount: 1})
			require.Error(t, err)
			assert.Equal(t, tc.transient, IsTransient(err))
			if !tc.transient {
				assert.ErrorIs(t, err, ErrRejected)
			}
		})
	}
}

func TestGRPCRail_InvalidArgument(t *testing.T) {
	rail := startGRPCRail(t, NewSimulated(0, nil))
	_, err := rail.Settle(context.Background(), Transfer{ID: "tx-1", From: "a", To: "b", Amount: 0})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)

	_, err = rail.Settle(context.Background(), Transfer{From: "a", To: "b", Amount: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected, "tx_id is required")
}
