package settlement

import (
	"context"
	"errors"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// RegisterGRPCRail публикует любой Backend как удаленный рельс
// (тот же контракт, что использует GRPCRail).
func RegisterGRPCRail(s grpc.ServiceRegistrar, backend Backend) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: grpcServiceName,
		HandlerType: (*Backend)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Settle",
			Handler:    settleHandler,
		}},
		Metadata: "vots/settlement/v1/settlement.proto",
	}, backend)
}

func settleHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := &structpb.Struct{}
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return serveSettle(ctx, srv.(Backend), req.(*structpb.Struct))
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: grpcSettleMethod}
	return interceptor(ctx, in, info, handler)
}

func serveSettle(ctx context.Context, backend Backend, in *structpb.Struct) (*structpb.Struct, error) {
	fields := in.GetFields()
	t := Transfer{
		ID:   fields["tx_id"].GetStringValue(),
		From: fields["from"].GetStringValue(),
		To:   fields["to"].GetStringValue(),
	}
	amount, err := strconv.ParseInt(fields["amount"].GetStringValue(), 10, 64)
	if err != nil || t.ID == "" || t.From == "" || t.To == "" || amount <= 0 {
		return nil, status.Error(codes.InvalidArgument, "tx_id, from, to and positive amount are required")
	}
	t.Amount = amount

	receipt, err := backend.Settle(ctx, t)
	if err != nil {
		var thErr *ThrottleError
		switch {
		case errors.As(err, &thErr):
			return nil, status.Error(codes.ResourceExhausted, err.Error())
		case IsTransient(err):
			return nil, status.Error(codes.Unavailable, err.Error())
		}
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}

	return structpb.NewStruct(map[string]interface{}{
		"reference": receipt.Reference,
		"rail":      receipt.Rail,
	})
}
