// ledger-rail — удаленный рельс поверх Redis-ledger, доступный релею по gRPC
// (settlement.rail=grpc).
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/xela07ax/vots-relay/internal/infra"
	"github.com/xela07ax/vots-relay/internal/settlement"
)

func main() {
	fs := pflag.NewFlagSet("ledger-rail", pflag.ExitOnError)
	listen := fs.String("listen", ":50051", "gRPC listen address")
	redisAddr := fs.String("redis-addr", envOr("REDIS_ADDR", "localhost:6379"), "Redis address")
	logLevel := fs.String("log-level", "info", "debug, info, warn, error")
	// Пополнение счетов на старте, для стендов: --deposit usdc:alice=1000
	deposits := fs.StringToInt64("deposit", nil, "account=amount pairs credited on start")
	_ = fs.Parse(os.Args[1:])

	logger, err := infra.NewLogger(infra.LoggerConfig{Level: *logLevel, Format: "json"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.Named("ledger-rail")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis is unreachable", zap.String("addr", *redisAddr), zap.Error(err))
	}

	ledger := settlement.NewLedger(rdb)
	for account, amount := range *deposits {
		if err := ledger.Deposit(ctx, account, amount); err != nil {
			logger.Fatal("deposit failed", zap.String("account", account), zap.Error(err))
		}
		balance, _ := ledger.Balance(ctx, account)
		logger.Info("account funded", zap.String("account", account), zap.Int64("balance", balance))
	}

	srv := grpc.NewServer(grpc.UnaryInterceptor(logCalls(logger)))
	settlement.RegisterGRPCRail(srv, ledger)

	lis, err := net.Listen("tcp", *listen)
	if err != nil {
		logger.Fatal("failed to listen gRPC", zap.Error(err))
	}
	go func() {
		<-ctx.Done()
		logger.Info("ledger rail stopping...")
		srv.GracefulStop()
	}()

	logger.Info("ledger rail started", zap.String("addr", *listen))
	if err := srv.Serve(lis); err != nil {
		logger.Fatal("failed to serve gRPC", zap.Error(err))
	}
}

func logCalls(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Warn("settle rejected", zap.String("method", info.FullMethod), zap.Error(err))
		}
		return resp, err
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
