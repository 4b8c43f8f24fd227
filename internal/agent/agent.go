package agent

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ac0mz/backend/internal/server"
	"github.com/pkg/errors"
	"github.com/soheilhy/cmux" // 様々なプロトコルに対応した汎用Multiplexer
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const DefaultShutdownTimeout = 10 * time.Second

// Agent は1つのポートでHTTPサーバとgRPCサーバを動作させ、両者の起動と停止を管理する。
type Agent struct {
	Config

	logger     *zap.Logger
	ln         net.Listener
	mux        cmux.CMux
	health     *health.Server
	grpcServer *grpc.Server
	httpServer *http.Server
	errc       chan error

	shutdown     bool
	shutdownLock sync.Mutex
}

// Config はAgentで保持するコンポーネントのパラメータを構成する。
type Config struct {
	BindAddr        string
	TLSConfig       *tls.Config
	ShutdownTimeout time.Duration
}

// New はAgentを作成し、コンポーネントを設定する一連のメソッドを実行する。
func New(config Config) (*Agent, error) {
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = DefaultShutdownTimeout
	}
	a := &Agent{
		Config: config,
		logger: zap.L().Named("agent"),
		errc:   make(chan error, 1),
	}
	setup := []func() error{
		a.setupMux,
		a.setupGRPCServer,
		a.setupHTTPServer,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			if a.ln != nil {
				_ = a.ln.Close()
			}
			return nil, err
		}
	}
	go a.serve()
	return a, nil
}

// setupMux はBindAddrで接続を受け付けるリスナーを作成し、そのリスナーでmuxを作成する。
// muxはリスナーからの接続を受け付け、設定されたルールに基づいてコネクションを識別する。
func (a *Agent) setupMux() error {
	ln, err := net.Listen("tcp", a.Config.BindAddr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", a.Config.BindAddr)
	}
	a.ln = ln
	a.mux = cmux.New(ln)
	return nil
}

// setupGRPCServer はヘルスチェックを提供するgRPCサーバを作成する。
// 平文の場合はgRPCのコネクションを識別するルールをmuxに設定し、専用のリスナーで起動する。
// TLSの場合はHTTPサーバがHTTP/2のストリームをgRPCサーバに渡す。
func (a *Agent) setupGRPCServer() error {
	a.health = health.NewServer()
	a.health.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_SERVING)
	var err error
	a.grpcServer, err = server.NewGRPCServer(&server.Config{Health: a.health})
	if err != nil {
		return err
	}
	if a.Config.TLSConfig != nil {
		return nil
	}
	// grpc-goのクライアントはSETTINGSフレームへの応答を待つため、ヘッダ照合時に応答を書き込む
	grpcLn := a.mux.MatchWithWriters(
		cmux.HTTP2MatchHeaderFieldSendSettings("content-type", "application/grpc"),
	)
	go func() {
		if err := a.grpcServer.Serve(grpcLn); err != nil {
			a.fail(errors.Wrap(err, "grpc server stopped"))
		}
	}()
	return nil
}

// setupHTTPServer はgRPC以外の全てのコネクションをHTTPサーバに渡す。
// TLSの場合はHTTPサーバ自身がTLSを終端するため、ALPNでh2を選んだクライアントにもHTTP/2で応答できる。
func (a *Agent) setupHTTPServer() error {
	a.httpServer = server.NewHTTPServer(a.Config.BindAddr)
	httpLn := a.mux.Match(cmux.Any())
	if a.Config.TLSConfig != nil {
		a.httpServer.Handler = server.GRPCHandler(a.grpcServer, a.httpServer.Handler)
		a.httpServer.TLSConfig = a.Config.TLSConfig
	}
	go func() {
		var err error
		if a.httpServer.TLSConfig != nil {
			// 証明書はTLSConfigに設定済み
			err = a.httpServer.ServeTLS(httpLn, "", "")
		} else {
			err = a.httpServer.Serve(httpLn)
		}
		if err != nil && err != http.ErrServerClosed {
			a.fail(errors.Wrap(err, "http server stopped"))
		}
	}()
	return nil
}

// Addr は実際に待ち受けているアドレスを返却する。
func (a *Agent) Addr() net.Addr {
	return a.ln.Addr()
}

// Err はサーバが異常終了した際のエラーを受信するチャネルを返却する。
func (a *Agent) Err() <-chan error {
	return a.errc
}

// fail はシャットダウン中でなければ最初のエラーのみをErrに通知する。
func (a *Agent) fail(err error) {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return
	}
	select {
	case a.errc <- err:
	default:
		a.logger.Debug("dropped server error", zap.Error(err))
	}
}

// Shutdown は実行中のエージェントを終了する。
func (a *Agent) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true

	shutdown := []func() error{
		func() error {
			a.health.Shutdown() // ヘルスチェックをNOT_SERVINGに切り替え
			return nil
		},
		a.shutdownHTTPServer,
		a.stopGRPCServer,
		func() error {
			// リスナーを閉じてmuxを停止
			if err := a.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				return err
			}
			return nil
		},
	}
	for _, fn := range shutdown {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

// shutdownHTTPServer は処理中のリクエストを待ってHTTPサーバを停止する。
// ShutdownTimeoutを超えた場合は残りのコネクションを強制的に閉じる。
func (a *Agent) shutdownHTTPServer() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.Config.ShutdownTimeout)
	defer cancel()
	err := a.httpServer.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		a.logger.Warn("http shutdown timed out, closing connections", zap.Duration("timeout", a.Config.ShutdownTimeout))
		return a.httpServer.Close()
	}
	return err
}

// stopGRPCServer はgRPCサーバを停止する。
// Watchのように終わらないストリームがあるため、ShutdownTimeoutを超えたら強制的に停止する。
func (a *Agent) stopGRPCServer() error {
	if a.Config.TLSConfig != nil {
		// ServeHTTP経由のストリームはGracefulStopで排出できないため、HTTPサーバの停止後に強制停止する
		a.grpcServer.Stop()
		return nil
	}
	stopped := make(chan struct{})
	go func() {
		a.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(a.Config.ShutdownTimeout):
		a.logger.Warn("grpc graceful stop timed out, stopping", zap.Duration("timeout", a.Config.ShutdownTimeout))
		a.grpcServer.Stop()
		<-stopped
	}
	return nil
}

func (a *Agent) serve() {
	if err := a.mux.Serve(); err != nil {
		a.fail(errors.Wrap(err, "mux stopped"))
	}
}
