package config

import (
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// 設定キー。コマンドラインフラグ名、設定ファイルのキー、環境変数名(BACKEND_ プレフィックス)を兼ねる。
const (
	KeyConfigFile  = "config-file"
	KeyHost        = "host"
	KeyPort        = "port"
	KeyLogLevel    = "log-level"
	KeyReload      = "reload"
	KeyReloadDir   = "reload-dir"
	KeyTLSCertFile = "tls-cert-file"
	KeyTLSKeyFile  = "tls-key-file"
	KeyTLSCAFile   = "tls-ca-file"
)

const (
	DefaultHost      = "0.0.0.0"
	DefaultPort      = 8000
	DefaultLogLevel  = "info"
	DefaultReload    = true
	DefaultReloadDir = ""

	envPrefix = "BACKEND"
)

// Config はサーバの起動設定を保持する。起動時に一度だけ組み立てられ、以降は変更されない。
type Config struct {
	Host       string
	Port       int
	LogLevel   string
	Reload     bool
	ReloadDir  string
	ConfigFile string
	TLS        TLSConfig
}

// Default は各項目にデフォルト値を設定したConfigを返却する。
func Default() Config {
	return Config{
		Host:      DefaultHost,
		Port:      DefaultPort,
		LogLevel:  DefaultLogLevel,
		Reload:    DefaultReload,
		ReloadDir: DefaultReloadDir,
	}
}

// Addr はリッスンするアドレスを host:port 形式で返却する。
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Level はログレベルをzapのレベルとして返却する。
func (c Config) Level() (zapcore.Level, error) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return l, errors.Wrapf(err, "invalid log level %q", c.LogLevel)
	}
	return l, nil
}

// Validate は設定値の妥当性を検証する。
func (c Config) Validate() error {
	// ポート0はOSに空きポートを割り当てさせる
	if c.Port < 0 || c.Port > 65535 {
		return errors.Errorf("invalid port %d", c.Port)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.New("tls cert file and key file must be set together")
	}
	return nil
}

// New は環境変数とデフォルト値を設定したviperを返却する。
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// SetDefaults はviperにデフォルト値を設定する。
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyHost, DefaultHost)
	v.SetDefault(KeyPort, DefaultPort)
	v.SetDefault(KeyLogLevel, DefaultLogLevel)
	v.SetDefault(KeyReload, DefaultReload)
	v.SetDefault(KeyReloadDir, DefaultReloadDir)
}

// Read は設定ファイルが指定されていれば読み込み直し、viperの値からConfigを組み立てる。
// ホットリロード時にも同じviperに対して呼び出される。
func Read(v *viper.Viper) (Config, error) {
	if file := v.GetString(KeyConfigFile); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "failed to read config file %q", file)
		}
	}
	c := Config{
		Host:       v.GetString(KeyHost),
		Port:       v.GetInt(KeyPort),
		LogLevel:   v.GetString(KeyLogLevel),
		Reload:     v.GetBool(KeyReload),
		ReloadDir:  v.GetString(KeyReloadDir),
		ConfigFile: v.GetString(KeyConfigFile),
		TLS: TLSConfig{
			CertFile: v.GetString(KeyTLSCertFile),
			KeyFile:  v.GetString(KeyTLSKeyFile),
			CAFile:   v.GetString(KeyTLSCAFile),
		},
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
