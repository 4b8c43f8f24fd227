package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/ac0mz/backend/internal/agent"
	"github.com/ac0mz/backend/internal/config"
	"github.com/ac0mz/backend/internal/reload"
	"github.com/ac0mz/backend/internal/version"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Options はRunnerの動作を構成する。
type Options struct {
	Driver Driver
	// Load は起動時とリロード時に呼び出され、その時点の設定を返却する。
	Load func() (config.Config, error)
	// Notify と Stop はシグナルの購読と解除を行う。nilの場合はos/signalを使う。
	Notify func(c chan<- os.Signal, sig ...os.Signal)
	Stop   func(c chan<- os.Signal)
	// Logger が指定されていない場合は設定のログレベルでロガーを作成する。
	Logger *zap.Logger
}

// Runner はプロセスの起動から停止までのライフサイクルを管理する。
// 同時に動作するAgentは常に1つである。
type Runner struct {
	Options

	logger *zap.Logger
	level  *zap.AtomicLevel
}

// NewRunner はRunnerを作成する。
func NewRunner(opts Options) *Runner {
	if opts.Notify == nil {
		opts.Notify = signal.Notify
	}
	if opts.Stop == nil {
		opts.Stop = signal.Stop
	}
	return &Runner{Options: opts}
}

// Run はサーバを起動し、停止するまでブロックする。
// 割り込みシグナルで停止した場合はErrInterrupted、その他のシグナルやctxのキャンセルで停止した場合はnilを返却する。
// それ以外の失敗はスタックトレース付きのエラーとして返却する。
func (r *Runner) Run(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			// 復帰前に取得するため、スタックトレースはpanicの発生箇所を含む
			err = errors.WithStack(fmt.Errorf("panic: %v", p))
		}
	}()

	// Driverの設定は他の全ての処理より先に行う
	if r.Driver.Install != nil {
		if err := r.Driver.Install(); err != nil {
			return errors.Wrapf(err, "failed to install %s driver", r.Driver.Name)
		}
	}
	sigc := make(chan os.Signal, 1)
	r.Notify(sigc, r.Driver.Signals...)
	defer r.Stop(sigc)

	cfg, err := r.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	undo, err := r.setupLogger(cfg)
	if err != nil {
		return err
	}
	defer undo()

	reloads, closeWatcher, err := r.setupWatcher(cfg)
	if err != nil {
		return err
	}
	defer closeWatcher()

	a, err := r.start(cfg)
	if err != nil {
		return err
	}
	for {
		select {
		case sig := <-sigc:
			r.logger.Info("received signal, shutting down", zap.Stringer("signal", sig))
			// 停止処理中に再度シグナルを受けた場合は既定の動作でプロセスを終了させる
			r.Stop(sigc)
			if err := a.Shutdown(); err != nil {
				return errors.Wrap(err, "failed to shutdown server")
			}
			if sig == os.Interrupt {
				return ErrInterrupted
			}
			return nil
		case err := <-a.Err():
			if serr := a.Shutdown(); serr != nil {
				r.logger.Warn("failed to shutdown server", zap.Error(serr))
			}
			return errors.WithMessage(err, "server failed")
		case <-ctx.Done():
			r.logger.Info("context done, shutting down")
			return errors.Wrap(a.Shutdown(), "failed to shutdown server")
		case <-reloads:
			next, err := r.Load()
			if err != nil {
				// 不正な設定では再起動せず、現在のサーバを動かし続ける
				r.logger.Error("failed to reload config", zap.Error(err))
				continue
			}
			if a, cfg, err = r.restart(a, cfg, next); err != nil {
				return err
			}
		}
	}
}

// restart は新しい設定でAgentを起動し直す。
// 新しい設定で起動できない場合は元の設定で起動し直し、動作を継続する。
// reloadとreload-dirの変更は監視対象に影響するため、プロセスの再起動まで反映しない。
func (r *Runner) restart(cur *agent.Agent, cfg, next config.Config) (*agent.Agent, config.Config, error) {
	r.logger.Info("config changed, restarting server")
	if next.Reload != cfg.Reload || next.ReloadDir != cfg.ReloadDir {
		r.logger.Warn("reload settings take effect after process restart")
	}
	// 同じポートを使う場合があるため、新しいAgentを起動する前に停止する
	if err := cur.Shutdown(); err != nil {
		return nil, cfg, errors.Wrap(err, "failed to shutdown server")
	}
	a, err := r.start(next)
	if err == nil {
		r.setLevel(next)
		return a, next, nil
	}
	r.logger.Error("failed to start server with new config, restoring previous config", zap.Error(err))
	a, err = r.start(cfg)
	if err != nil {
		return nil, cfg, err
	}
	return a, cfg, nil
}

// setupLogger はロガーを作成してグローバルに設定する。戻り値の関数でグローバルのロガーを元に戻す。
func (r *Runner) setupLogger(cfg config.Config) (func(), error) {
	logger := r.Options.Logger
	if logger == nil {
		level, err := cfg.Level()
		if err != nil {
			return nil, err
		}
		var atom zap.AtomicLevel
		logger, atom, err = newLogger(level)
		if err != nil {
			return nil, errors.Wrap(err, "failed to build logger")
		}
		r.level = &atom
	}
	r.logger = logger.Named("app")
	restore := zap.ReplaceGlobals(logger)
	return func() {
		_ = logger.Sync()
		restore()
	}, nil
}

// setLevel はリロード後の設定のログレベルを反映する。
func (r *Runner) setLevel(cfg config.Config) {
	if r.level == nil {
		return
	}
	level, err := cfg.Level()
	if err != nil {
		return
	}
	r.level.SetLevel(level)
}

// setupWatcher はホットリロードが有効な場合に設定ファイルの監視を開始する。
// 監視対象はReloadDir、未指定の場合は設定ファイルのディレクトリ、それもなければ作業ディレクトリである。
func (r *Runner) setupWatcher(cfg config.Config) (<-chan struct{}, func(), error) {
	if !cfg.Reload {
		return nil, func() {}, nil
	}
	dir := cfg.ReloadDir
	if dir == "" && cfg.ConfigFile != "" {
		dir = filepath.Dir(cfg.ConfigFile)
	}
	w, err := reload.New(reload.Config{Dir: dir})
	if err != nil {
		return nil, nil, err
	}
	r.logger.Info("watching for changes", zap.String("dir", w.Dir))
	return w.Events(), func() {
		if err := w.Close(); err != nil {
			r.logger.Warn("failed to close watcher", zap.Error(err))
		}
	}, nil
}

// start は設定に従ってAgentを起動する。
func (r *Runner) start(cfg config.Config) (*agent.Agent, error) {
	tlsConfig, err := config.SetupTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	a, err := agent.New(agent.Config{
		BindAddr:        cfg.Addr(),
		TLSConfig:       tlsConfig,
		ShutdownTimeout: r.Driver.ShutdownTimeout,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to start server")
	}
	r.logger.Info(
		"server started",
		zap.String("addr", a.Addr().String()),
		zap.String("version", version.Get()),
		zap.String("driver", r.Driver.Name),
		zap.Bool("reload", cfg.Reload),
		zap.Bool("tls", tlsConfig != nil),
	)
	return a, nil
}
