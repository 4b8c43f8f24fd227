package version

import "runtime/debug"

// Dev はバージョンを解決できなかった場合のプレースホルダである。
const Dev = "0.0.0-dev"

// Version はビルド時に -ldflags "-X github.com/ac0mz/backend/internal/version.Version=..." で上書きされる。
var Version string

// Get はアプリケーションのバージョンを返却する。
// 上書き値、ビルド情報のメインモジュールのバージョン、Devの順に解決する。
func Get() string {
	return resolve(Version, debug.ReadBuildInfo)
}

func resolve(override string, read func() (*debug.BuildInfo, bool)) string {
	if override != "" {
		return override
	}
	info, ok := read()
	if !ok || info == nil {
		return Dev
	}
	// go run や go test ではメインモジュールのバージョンが "(devel)" となる
	if v := info.Main.Version; v != "" && v != "(devel)" {
		return v
	}
	return Dev
}
