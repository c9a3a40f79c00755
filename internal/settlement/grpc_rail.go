package settlement

import (
	"context"
	"fmt"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Контракт удаленного рельса. Сообщения — google.protobuf.Struct, чтобы
// не тащить сгенерированный код ради одного метода.
const (
	grpcServiceName  = "vots.settlement.v1.Settlement"
	grpcSettleMethod = "/" + grpcServiceName + "/Settle"
)

// GRPCRail — клиент удаленного рельса (например, шлюза стейблкоин-провайдера).
type GRPCRail struct {
	conn grpc.ClientConnInterface
}

func NewGRPCRail(conn grpc.ClientConnInterface) *GRPCRail {
	return &GRPCRail{conn: conn}
}

// DialGRPCRail создает соединение; insecure — только для локальной разработки.
func DialGRPCRail(target string, plaintext bool) (*grpc.ClientConn, error) {
	var opts []grpc.DialOption
	if plaintext {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to settlement rail: %w", err)
	}
	return conn, nil
}

// Settle передает tx_id: удаленный рельс дедуплицирует по нему, поэтому
// повтор после DeadlineExceeded не проводит перевод второй раз.
func (g *GRPCRail) Settle(ctx context.Context, t Transfer) (Receipt, error) {
	// amount строкой: в Struct числа — float64, теряем точность на больших суммах
	req, err := structpb.NewStruct(map[string]interface{}{
		"tx_id":  t.ID,
		"from":   t.From,
		"to":     t.To,
		"amount": strconv.FormatInt(t.Amount, 10),
	})
	if err != nil {
		return Receipt{}, Rejected("build request: %v", err)
	}

	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, grpcSettleMethod, req, resp); err != nil {
		return Receipt{}, classifyGRPC(err)
	}

	fields := resp.GetFields()
	ref := fields["reference"].GetStringValue()
	if ref == "" {
		return Receipt{}, Rejected("rail returned no reference")
	}
	return Receipt{Rail: "grpc", Reference: ref}, nil
}

func classifyGRPC(err error) error {
	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted:
		return Transient(fmt.Errorf("settlement rail call failed: %s", st.Message()))
	case codes.ResourceExhausted:
		return &ThrottleError{Cause: fmt.Errorf("settlement rail throttled: %s", st.Message())}
	}
	return Rejected("settlement rail returned %s: %s", st.Code(), st.Message())
}
