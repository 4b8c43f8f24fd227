package app

import (
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Driver はプラットフォームごとのシグナル処理とシャットダウンの方針を表す。
// プロセス全体に作用するため、グローバル変数ではなくOptionsとして明示的に渡す。
type Driver struct {
	Name string
	// Signals は停止要求として扱うシグナルである。
	Signals []os.Signal
	// ShutdownTimeout は処理中のリクエストを待つ上限である。
	ShutdownTimeout time.Duration
	// Install はサーバを起動する前に一度だけ呼び出される。nilの場合は何もしない。
	Install func() error
}

const (
	DefaultDriverName = "default"
	WindowsDriverName = "windows"
)

// SelectDriver はGOOSに応じたDriverを返却する。
func SelectDriver(goos string) Driver {
	if goos == "windows" {
		return Driver{
			Name: WindowsDriverName,
			// コンソールのクローズやログオフはSIGTERMとして通知される
			Signals: []os.Signal{os.Interrupt, syscall.SIGTERM},
			// Windowsはコンソールのクローズ通知から約5秒後にプロセスを強制終了する
			ShutdownTimeout: 4 * time.Second,
			Install:         installConsoleSignals,
		}
	}
	return Driver{
		Name:            DefaultDriverName,
		Signals:         []os.Signal{os.Interrupt, syscall.SIGTERM},
		ShutdownTimeout: 10 * time.Second,
	}
}

// installConsoleSignals はシグナルを購読する前に呼び出され、それ以前のNotifyによる購読を解除する。
// 同じプロセスでRunを繰り返した場合に前回の購読を持ち越さないためのもので、初回の起動では何も変化しない。
func installConsoleSignals() error {
	signal.Reset(os.Interrupt, syscall.SIGTERM)
	return nil
}
