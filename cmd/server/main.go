package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/ac0mz/backend/internal/app"
	"github.com/ac0mz/backend/internal/config"
	"github.com/ac0mz/backend/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// main はサーバを作成して起動するエントリーポイントである
func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// execute はコマンドを実行し、プロセスの終了コードを返却する。
func execute(args []string, stdout, stderr io.Writer) int {
	cmd, err := newCommand(config.New(), app.SelectDriver(runtime.GOOS))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return app.ExitFailure
	}
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return app.Report(cmd.Execute(), stdout, stderr)
}

type cli struct {
	v      *viper.Viper
	driver app.Driver
}

func newCommand(v *viper.Viper, driver app.Driver) (*cobra.Command, error) {
	c := &cli{v: v, driver: driver}
	cmd := &cobra.Command{
		Use:     "server",
		Short:   "Run the backend HTTP server",
		Version: version.Get(),
		PreRunE: c.setupConfig,
		RunE:    c.run,
		// エラーの出力と終了コードはapp.Reportで扱う
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	if err := setupFlags(cmd, v); err != nil {
		return nil, err
	}
	return cmd, nil
}

func setupFlags(cmd *cobra.Command, v *viper.Viper) error {
	cmd.Flags().String(config.KeyConfigFile, "", "Path to config file.")
	cmd.Flags().String(config.KeyHost, config.DefaultHost, "Address to bind on.")
	cmd.Flags().Int(config.KeyPort, config.DefaultPort, "Port to listen on.")
	cmd.Flags().String(config.KeyLogLevel, config.DefaultLogLevel, "Log level (debug, info, warn, error).")
	cmd.Flags().Bool(config.KeyReload, config.DefaultReload, "Restart the server when config files change.")
	cmd.Flags().String(config.KeyReloadDir, config.DefaultReloadDir, "Directory to watch for reload. Defaults to the config file's directory.")
	cmd.Flags().String(config.KeyTLSCertFile, "", "Path to server TLS certificate.")
	cmd.Flags().String(config.KeyTLSKeyFile, "", "Path to server TLS private key.")
	cmd.Flags().String(config.KeyTLSCAFile, "", "Path to CA used to verify client certificates.")
	return v.BindPFlags(cmd.Flags())
}

// setupConfig は起動前に設定を読み込み、不正な設定であれば起動を中止する。
func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	_, err := config.Read(c.v)
	return err
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	r := app.NewRunner(app.Options{
		Driver: c.driver,
		Load: func() (config.Config, error) {
			return config.Read(c.v)
		},
	})
	return r.Run(context.Background())
}
