package reload

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultPatterns は監視対象とする設定ファイルのパターンである。
var DefaultPatterns = []string{"*.yaml", "*.yml", "*.json", "*.toml"}

const DefaultDebounce = 100 * time.Millisecond

// Config はWatcherの監視対象を定義する。
type Config struct {
	Dir      string
	Patterns []string
	Debounce time.Duration
}

// Watcher はディレクトリ内のファイル変更を監視し、変更をまとめて1回のイベントとして通知する。
type Watcher struct {
	Config

	watcher *fsnotify.Watcher
	events  chan struct{}
	logger  *zap.Logger

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New はWatcherを作成し、監視を開始する。
func New(config Config) (*Watcher, error) {
	if config.Dir == "" {
		config.Dir = "."
	}
	if len(config.Patterns) == 0 {
		config.Patterns = DefaultPatterns
	}
	if config.Debounce == 0 {
		config.Debounce = DefaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create watcher")
	}
	if err := fw.Add(config.Dir); err != nil {
		_ = fw.Close()
		return nil, errors.Wrapf(err, "failed to watch %q", config.Dir)
	}
	w := &Watcher{
		Config:  config,
		watcher: fw,
		// 受信側が処理中の間に発生した変更は1つに畳み込む
		events: make(chan struct{}, 1),
		logger: zap.L().Named("reload"),
		done:   make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Events は変更が発生したことを通知するチャネルを返却する。
func (w *Watcher) Events() <-chan struct{} {
	return w.events
}

// Close は監視を停止する。複数回呼び出しても安全である。
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) run() {
	defer w.wg.Done()
	timer := time.NewTimer(w.Debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	for {
		select {
		case <-w.done:
			return
		case e, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.match(e) {
				continue
			}
			w.logger.Debug("file changed", zap.String("name", e.Name), zap.String("op", e.Op.String()))
			// 短時間に連続する書き込みは1回の通知にまとめる
			timer.Reset(w.Debounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watch error", zap.Error(err))
		case <-timer.C:
			select {
			case w.events <- struct{}{}:
			default:
			}
		}
	}
}

// match はイベントが監視対象のファイルへの変更かを返却する。
func (w *Watcher) match(e fsnotify.Event) bool {
	if e.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	base := filepath.Base(e.Name)
	for _, p := range w.Patterns {
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
	}
	return false
}
