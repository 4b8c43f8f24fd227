package config

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/pkg/errors"
)

// TLSConfig はサーバ証明書の設定を保持する。CertFileとKeyFileが未指定の場合は平文で待ち受ける。
type TLSConfig struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// Enabled はTLSで待ち受けるかを返却する。
func (c TLSConfig) Enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// SetupTLSConfig はサーバ用の*tls.Configを返却する。TLSが無効な場合はnilを返却する。
func SetupTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS13,
		// gRPCクライアントはALPNでh2のネゴシエーションを要求する
		NextProtos: []string{"h2", "http/1.1"},
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load key pair")
	}
	tlsConfig.Certificates = []tls.Certificate{cert}
	if cfg.CAFile != "" {
		b, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read CA file")
		}
		ca := x509.NewCertPool()
		if ok := ca.AppendCertsFromPEM(b); !ok {
			return nil, errors.Errorf("failed to parse root certificate: %q", cfg.CAFile)
		}
		// CAが指定された場合、クライアント証明書の検証を必須とする
		tlsConfig.ClientCAs = ca
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsConfig, nil
}
