// Package appdata locates the directory holding the database and config.
package appdata

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// EnvDataDir overrides the data directory when set.
const EnvDataDir = "P2P_CALL_DATA_DIR"

const dirName = ".p2p-call"

var (
	once    sync.Once
	dataDir string
)

// Dir returns the directory where the node keeps its state, creating it
// on first use.
//
// Precedence:
//  1. $P2P_CALL_DATA_DIR
//  2. the working directory when running from a `go run` temp binary
//  3. next to the executable
//  4. the per-user config directory
func Dir() string {
	once.Do(func() {
		exe, err := os.Executable()
		if err != nil {
			exe = ""
		}
		dataDir = Resolve(os.Getenv(EnvDataDir), exe)
		_ = os.MkdirAll(dataDir, 0o700)
	})
	return dataDir
}

// Resolve applies the precedence of Dir without touching the filesystem.
func Resolve(env, exe string) string {
	if v := strings.TrimSpace(env); v != "" {
		return filepath.Clean(v)
	}
	if exe != "" {
		exe = filepath.Clean(exe)
		if looksLikeGoRunTempBinary(exe) {
			return filepath.Join(mustGetwd(), dirName)
		}
		return filepath.Join(filepath.Dir(exe), dirName)
	}
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "p2p-call")
	}
	return filepath.Join(mustGetwd(), dirName)
}

// Path returns the path of filename inside Dir. Absolute names are kept.
func Path(filename string) string {
	if filepath.IsAbs(filename) {
		return filename
	}
	p := filepath.Join(Dir(), filepath.Clean(filename))
	_ = os.MkdirAll(filepath.Dir(p), 0o700)
	return p
}

func mustGetwd() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

func looksLikeGoRunTempBinary(exe string) bool {
	lower := strings.ToLower(exe)
	if strings.Contains(lower, string(filepath.Separator)+"go-build") {
		return true
	}
	return runtime.GOOS == "windows" && strings.Contains(lower, `\go-build`)
}
