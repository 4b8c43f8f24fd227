package app

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger は指定されたレベルで出力する開発用のロガーを作成する。
// レベルはホットリロード時に差し替えられるようAtomicLevelで保持する。
func newLogger(level zapcore.Level) (*zap.Logger, zap.AtomicLevel, error) {
	atom := zap.NewAtomicLevelAt(level)
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = atom
	logger, err := cfg.Build()
	if err != nil {
		return nil, atom, err
	}
	return logger, atom, nil
}
