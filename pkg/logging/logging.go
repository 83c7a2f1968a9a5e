// Package logging 根据配置构造 slog 日志器。
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/harborgrid-justin/esxi-sub006/pkg/config"
	"github.com/harborgrid-justin/esxi-sub006/pkg/syncerr"
)

// ParseLevel 把 debug/info/warn/error 转换为 slog.Level。
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, syncerr.New(syncerr.KindInvalidConfig, "unknown log level %q", s)
	}
}

// New 返回写入 w 的日志器，w 为 nil 时写 stderr。
func New(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}

	format := cfg.Format
	if format == "auto" {
		format = "json"
		if isTerminal(w) {
			format = "text"
		}
	}

	var handler slog.Handler
	switch format {
	case "", "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, syncerr.New(syncerr.KindInvalidConfig, "unknown log format %q", cfg.Format)
	}
	return slog.New(handler).With("service", "replicad"), nil
}

// isTerminal 判断 w 是否为终端；非 *os.File 一律视为否。
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
