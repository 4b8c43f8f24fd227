package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opencensus.io/plugin/ochttp"
	"go.uber.org/zap"
)

// HelloMessage はルートパスが返すメッセージである。
const HelloMessage = "Hello from FastAPI!"

// NewHTTPServer はサーバのアドレスを受け取り、APIエンドポイントとハンドラーを設定した*http.Serverを返す
func NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// NewHandler はルーティングを設定したハンドラーを返す。
// 各リクエストはアクセスログに記録され、opencensusでトレースされる。
func NewHandler() http.Handler {
	httpsrv := newHTTPServer()
	r := mux.NewRouter()
	r.HandleFunc("/", httpsrv.handleRoot).Methods(http.MethodGet)
	return &ochttp.Handler{Handler: httpsrv.logRequest(r)}
}

type httpServer struct {
	logger *zap.Logger
}

func newHTTPServer() *httpServer {
	return &httpServer{
		logger: zap.L().Named("http"),
	}
}

// RootResponse はルートパスのレスポンスを保持する
type RootResponse struct {
	Message string `json:"message"`
}

// handleRoot は固定のメッセージをJSONでレスポンスに書き込む
func (s *httpServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(RootResponse{Message: HelloMessage})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

// logRequest はリクエストの処理結果をロギングするミドルウェアである
func (s *httpServer) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info(
			"request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// statusRecorder はハンドラーが書き込んだステータスコードを保持する
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
