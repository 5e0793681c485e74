// internal/logger/styled.go
package logger

import (
	"fmt"
	"log/slog"

	"github.com/hingebase/mahoraga-go/theme"
)

// StyledLogger wraps slog.Logger with theme-aware formatting methods for the
// mirror/host/cache events this proxy emits. A nil *StyledLogger is usable:
// it falls back to the process-default slog logger and the default theme, so
// optional handler fields never need a nil check at the call site.
type StyledLogger struct {
	logger *slog.Logger
	theme  *theme.Theme
}

// NewStyledLogger creates a new styled logger with the given theme.
func NewStyledLogger(logger *slog.Logger, t *theme.Theme) *StyledLogger {
	return &StyledLogger{
		logger: logger,
		theme:  t,
	}
}

// Discard returns a StyledLogger that drops everything, for tests and other
// places that want the styled API without any output.
func Discard() *StyledLogger {
	return &StyledLogger{logger: slog.New(slog.DiscardHandler)}
}

func (sl *StyledLogger) base() *slog.Logger {
	if sl == nil || sl.logger == nil {
		return slog.Default()
	}
	return sl.logger
}

func (sl *StyledLogger) palette() *theme.Theme {
	if sl == nil || sl.theme == nil {
		return theme.GetTheme("")
	}
	return sl.theme
}

func (sl *StyledLogger) Debug(msg string, args ...any) {
	sl.base().Debug(msg, args...)
}

func (sl *StyledLogger) Info(msg string, args ...any) {
	sl.base().Info(msg, args...)
}

func (sl *StyledLogger) Warn(msg string, args ...any) {
	sl.base().Warn(msg, args...)
}

func (sl *StyledLogger) Error(msg string, args ...any) {
	sl.base().Error(msg, args...)
}

// WarnWithHost logs a warn-level message with the upstream host highlighted,
// used when a mirror is skipped or a request to it fails.
func (sl *StyledLogger) WarnWithHost(msg string, host string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, sl.palette().Host.Sprint(host))
	sl.base().Warn(styledMsg, args...)
}

// InfoWithMirror logs the mirror URL a request was actually served from,
// alongside the cache path it resolved to.
func (sl *StyledLogger) InfoWithMirror(msg string, mirrorURL string, cachePath string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s -> %s", msg, sl.palette().Host.Sprint(mirrorURL), sl.palette().Muted.Sprint(cachePath))
	sl.base().Info(styledMsg, args...)
}

// InfoCacheHit logs a cache-hit event for the given cache path.
func (sl *StyledLogger) InfoCacheHit(cachePath string, args ...any) {
	styledMsg := fmt.Sprintf("cache hit %s", sl.palette().Info.Sprint(cachePath))
	sl.base().Info(styledMsg, args...)
}

// InfoCacheMiss logs a cache-miss event, e.g. before a mirror fetch begins.
func (sl *StyledLogger) InfoCacheMiss(cachePath string, args ...any) {
	styledMsg := fmt.Sprintf("cache miss %s", sl.palette().Muted.Sprint(cachePath))
	sl.base().Info(styledMsg, args...)
}

// WarnIntegrityFailure logs a digest or size mismatch that caused a fetched
// artifact to be discarded rather than promoted into the cache.
func (sl *StyledLogger) WarnIntegrityFailure(cachePath string, host string, args ...any) {
	styledMsg := fmt.Sprintf("integrity check failed for %s from %s",
		sl.palette().Warn.Sprint(cachePath), sl.palette().Host.Sprint(host))
	sl.base().Warn(styledMsg, args...)
}

// InfoWithCount logs an info-level message with a styled item count, e.g. the
// number of shards written for a channel/platform pair.
func (sl *StyledLogger) InfoWithCount(msg string, count int, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, sl.palette().Info.Sprint(fmt.Sprintf("(%d)", count)))
	sl.base().Info(styledMsg, args...)
}

// NewWithTheme creates both a regular logger and a styled logger.
func NewWithTheme(cfg *Config) (*slog.Logger, *StyledLogger, func(), error) {
	log, cleanup, err := New(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	appTheme := theme.GetTheme(cfg.Theme)
	styledLogger := NewStyledLogger(log, appTheme)

	return log, styledLogger, cleanup, nil
}
