package app

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// ErrInterrupted はユーザーの割り込み(Ctrl+C)によってサーバが停止したことを表す。
var ErrInterrupted = errors.New("interrupted by user")

const (
	ExitOK      = 0
	ExitFailure = 1
)

// Report はRunの結果をコンソールに出力し、プロセスの終了コードを返却する。
//
//   - nil: 正常停止。何も出力しない。
//   - ErrInterrupted: 停止した旨をstdoutに出力し、正常終了とする。
//   - その他: エラーとスタックトレースをstderrに出力し、異常終了とする。
func Report(err error, stdout, stderr io.Writer) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrInterrupted):
		fmt.Fprintln(stdout, "\nApplication stopped by user (interrupt)")
		return ExitOK
	default:
		fmt.Fprintf(stderr, "FATAL ERROR: Application crashed: %v\n", err)
		fmt.Fprintf(stderr, "%+v\n", err)
		return ExitFailure
	}
}
