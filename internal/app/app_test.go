package app

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/ac0mz/backend/internal/config"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/travisjeffery/go-dynaport"
	"go.uber.org/zap"
)

func TestSelectDriver(t *testing.T) {
	d := SelectDriver("windows")
	require.Equal(t, WindowsDriverName, d.Name)
	require.NotNil(t, d.Install)
	require.NoError(t, d.Install())
	require.Contains(t, d.Signals, os.Interrupt)

	for _, goos := range []string{"linux", "darwin", "freebsd"} {
		d := SelectDriver(goos)
		require.Equal(t, DefaultDriverName, d.Name, goos)
		require.Nil(t, d.Install, goos)
		require.Contains(t, d.Signals, os.Interrupt, goos)
		require.Contains(t, d.Signals, syscall.SIGTERM, goos)
	}
}

// TestRunner はテストケース一覧を定義し、各テストケースを実行する。
func TestRunner(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T){
		"interrupt stops cleanly with notice":        testInterrupt,
		"terminate signal stops normally":            testTerminate,
		"context cancel stops normally":              testContextDone,
		"address in use fails with trace":            testAddrInUse,
		"panic fails with trace":                     testPanic,
		"driver installs before config is loaded":    testDriverInstallOrder,
		"driver install failure stops startup":       testDriverInstallFails,
		"config change restarts server on new port":  testReload,
		"invalid config change keeps server running": testReloadInvalid,
	} {
		t.Run(scenario, fn)
	}
}

func testInterrupt(t *testing.T) {
	addr := freeAddr(t)
	sigs := newFakeSignals()
	r := newTestRunner(sigs, fixedConfig(addr))

	errc := runAsync(r, context.Background())
	sigc := <-sigs.registered
	requireServing(t, addr)

	sigc <- os.Interrupt
	err := waitErr(t, errc)
	require.ErrorIs(t, err, ErrInterrupted)

	var stdout, stderr bytes.Buffer
	require.Equal(t, ExitOK, Report(err, &stdout, &stderr))
	require.Contains(t, stdout.String(), "Application stopped by user")
	require.Empty(t, stderr.String())

	// 停止後はポートが解放されている
	requireNotServing(t, addr)
}

func testTerminate(t *testing.T) {
	addr := freeAddr(t)
	sigs := newFakeSignals()
	r := newTestRunner(sigs, fixedConfig(addr))

	errc := runAsync(r, context.Background())
	sigc := <-sigs.registered
	requireServing(t, addr)

	sigc <- syscall.SIGTERM
	err := waitErr(t, errc)
	require.NoError(t, err)

	var stdout, stderr bytes.Buffer
	require.Equal(t, ExitOK, Report(err, &stdout, &stderr))
	require.Empty(t, stdout.String())
	require.Empty(t, stderr.String())
}

func testContextDone(t *testing.T) {
	addr := freeAddr(t)
	sigs := newFakeSignals()
	r := newTestRunner(sigs, fixedConfig(addr))

	ctx, cancel := context.WithCancel(context.Background())
	errc := runAsync(r, ctx)
	<-sigs.registered
	requireServing(t, addr)

	cancel()
	require.NoError(t, waitErr(t, errc))
}

func testAddrInUse(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	r := newTestRunner(newFakeSignals(), fixedConfig(l.Addr().String()))
	err = r.Run(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrInterrupted)

	var stdout, stderr bytes.Buffer
	require.Equal(t, ExitFailure, Report(err, &stdout, &stderr))
	require.Empty(t, stdout.String())
	require.Contains(t, stderr.String(), "FATAL ERROR: Application crashed: failed to start server")
	// スタックトレースに呼び出し元のフレームが含まれる
	require.Contains(t, stderr.String(), "runner.go")
	require.Contains(t, stderr.String(), "agent.go")
}

func testPanic(t *testing.T) {
	r := newTestRunner(newFakeSignals(), func() (config.Config, error) {
		panic("boom")
	})
	err := r.Run(context.Background())
	require.EqualError(t, err, "panic: boom")

	var stdout, stderr bytes.Buffer
	require.Equal(t, ExitFailure, Report(err, &stdout, &stderr))
	require.Contains(t, stderr.String(), "FATAL ERROR: Application crashed: panic: boom")
	require.Contains(t, stderr.String(), "app_test.go")
}

func testDriverInstallOrder(t *testing.T) {
	addr := freeAddr(t)
	var calls []string
	sigs := newFakeSignals()
	load := fixedConfig(addr)
	r := newTestRunner(sigs, func() (config.Config, error) {
		calls = append(calls, "load")
		return load()
	})
	r.Driver = Driver{
		Name:    "test",
		Signals: []os.Signal{os.Interrupt},
		Install: func() error {
			calls = append(calls, "install")
			return nil
		},
	}

	errc := runAsync(r, context.Background())
	sigc := <-sigs.registered
	requireServing(t, addr)
	sigc <- os.Interrupt
	require.ErrorIs(t, waitErr(t, errc), ErrInterrupted)

	require.Equal(t, []string{"install", "load"}, calls)
}

func testDriverInstallFails(t *testing.T) {
	loaded := false
	r := newTestRunner(newFakeSignals(), func() (config.Config, error) {
		loaded = true
		return config.Default(), nil
	})
	r.Driver = Driver{
		Name: "test",
		Install: func() error {
			return errors.New("unsupported")
		},
	}

	err := r.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to install test driver")
	require.False(t, loaded)
}

func testReload(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	first, second := freeAddr(t), freeAddr(t)
	writeConfig(t, file, first)

	sigs := newFakeSignals()
	r := newTestRunner(sigs, fileConfig(file))
	errc := runAsync(r, context.Background())
	sigc := <-sigs.registered
	requireServing(t, first)

	writeConfig(t, file, second)
	requireServing(t, second)
	requireNotServing(t, first)

	sigc <- os.Interrupt
	require.ErrorIs(t, waitErr(t, errc), ErrInterrupted)
}

func testReloadInvalid(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	addr := freeAddr(t)
	writeConfig(t, file, addr)

	sigs := newFakeSignals()
	r := newTestRunner(sigs, fileConfig(file))
	errc := runAsync(r, context.Background())
	sigc := <-sigs.registered
	requireServing(t, addr)

	require.NoError(t, os.WriteFile(file, []byte("port: 99999\nreload: true\n"), 0o600))
	// リロードが失敗しても既存のサーバは動作し続ける
	time.Sleep(500 * time.Millisecond)
	requireServing(t, addr)

	sigc <- os.Interrupt
	require.ErrorIs(t, waitErr(t, errc), ErrInterrupted)
}

func testReloadStartFails(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	addr := freeAddr(t)
	writeConfig(t, file, addr)

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	sigs := newFakeSignals()
	r := newTestRunner(sigs, fileConfig(file))
	errc := runAsync(r, context.Background())
	sigc := <-sigs.registered
	requireServing(t, addr)

	// 使用中のポートへの変更は起動に失敗し、元の設定で動作し続ける
	writeConfig(t, file, busy.Addr().String())
	time.Sleep(500 * time.Millisecond)
	requireServing(t, addr)
	select {
	case err := <-errc:
		t.Fatalf("runner stopped: %v", err)
	default:
	}

	sigc <- os.Interrupt
	require.ErrorIs(t, waitErr(t, errc), ErrInterrupted)
}

// fakeSignals はシグナルの購読を横取りし、テストからシグナルを送れるようにする。
type fakeSignals struct {
	registered chan chan<- os.Signal
}

func newFakeSignals() *fakeSignals {
	return &fakeSignals{registered: make(chan chan<- os.Signal, 1)}
}

func (f *fakeSignals) notify(c chan<- os.Signal, _ ...os.Signal) {
	f.registered <- c
}

func (f *fakeSignals) stop(chan<- os.Signal) {}

func newTestRunner(sigs *fakeSignals, load func() (config.Config, error)) *Runner {
	return NewRunner(Options{
		Driver: Driver{
			Name:            DefaultDriverName,
			Signals:         []os.Signal{os.Interrupt, syscall.SIGTERM},
			ShutdownTimeout: time.Second,
		},
		Load:   load,
		Notify: sigs.notify,
		Stop:   sigs.stop,
		Logger: zap.NewNop(),
	})
}

func fixedConfig(addr string) func() (config.Config, error) {
	return func() (config.Config, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return config.Config{}, err
		}
		c := config.Default()
		c.Host = host
		_, err = fmt.Sscanf(port, "%d", &c.Port)
		c.Reload = false
		return c, err
	}
}

func fileConfig(file string) func() (config.Config, error) {
	v := config.New()
	v.Set(config.KeyConfigFile, file)
	return func() (config.Config, error) {
		return config.Read(v)
	}
}

func writeConfig(t *testing.T, file, addr string) {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	body := fmt.Sprintf("host: %s\nport: %s\nreload: true\n", host, port)
	require.NoError(t, os.WriteFile(file, []byte(body), 0o600))
}

func freeAddr(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("%s:%d", "127.0.0.1", dynaport.Get(1)[0])
}

func runAsync(r *Runner, ctx context.Context) <-chan error {
	errc := make(chan error, 1)
	go func() {
		errc <- r.Run(ctx)
	}()
	return errc
}

func waitErr(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for runner to stop")
		return nil
	}
}

var client = &http.Client{Timeout: time.Second}

func requireServing(t *testing.T, addr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		res, err := client.Get(fmt.Sprintf("http://%s/", addr))
		if err != nil {
			return false
		}
		res.Body.Close()
		return res.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)
}

func requireNotServing(t *testing.T, addr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		res, err := client.Get(fmt.Sprintf("http://%s/", addr))
		if err != nil {
			return true
		}
		res.Body.Close()
		return false
	}, 5*time.Second, 50*time.Millisecond)
}
