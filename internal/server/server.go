package server

import (
	"net/http"
	"strings"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_zap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	grpc_ctxtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	"github.com/pkg/errors"
	"go.opencensus.io/plugin/ocgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName はヘルスチェックで個別に問い合わせ可能なサービス名である。
const ServiceName = "backend"

type Config struct {
	Health healthpb.HealthServer
}

// NewGRPCServer はヘルスチェックサービスを登録した*grpc.Serverを返却する。
func NewGRPCServer(config *Config, grpcOpts ...grpc.ServerOption) (*grpc.Server, error) {
	if config.Health == nil {
		return nil, errors.New("health server is required")
	}
	logger := zap.L().Named("grpc")
	// 各RPCにタグを付与し、zapでロギングするようミドルウェアを設定
	grpcOpts = append(grpcOpts,
		grpc.StreamInterceptor(
			grpc_middleware.ChainStreamServer(
				grpc_ctxtags.StreamServerInterceptor(),
				grpc_zap.StreamServerInterceptor(logger),
			),
		),
		grpc.UnaryInterceptor(
			grpc_middleware.ChainUnaryServer(
				grpc_ctxtags.UnaryServerInterceptor(),
				grpc_zap.UnaryServerInterceptor(logger),
			),
		),
		grpc.StatsHandler(&ocgrpc.ServerHandler{}),
	)

	gsrv := grpc.NewServer(grpcOpts...)
	healthpb.RegisterHealthServer(gsrv, config.Health)
	return gsrv, nil
}

// GRPCHandler はHTTP/2でgRPCのリクエストをgRPCサーバに、それ以外をnextに渡すハンドラーを返却する。
// TLSを終端したHTTPサーバで、同じポートにgRPCを同居させるために使う。
func GRPCHandler(grpcServer *grpc.Server, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ProtoMajor == 2 && strings.HasPrefix(r.Header.Get("Content-Type"), "application/grpc") {
			grpcServer.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
