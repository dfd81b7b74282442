package util

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging backed by pterm's default logger (stderr).

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	pterm.Success.Println(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// ConnLog logs at debug level with the logical connection id as prefix, so
// one flow can be grepped out of a busy tunnel.
func ConnLog(id uint32, format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf("[%08x] ", id) + fmt.Sprintf(format, args...))
}

var logLevels = map[string]pterm.LogLevel{
	"trace": pterm.LogLevelTrace,
	"debug": pterm.LogLevelDebug,
	"info":  pterm.LogLevelInfo,
	"warn":  pterm.LogLevelWarn,
	"error": pterm.LogLevelError,
}

// SetLogLevel selects the minimum level by name (trace, debug, info, warn,
// error).
func SetLogLevel(name string) error {
	level, ok := logLevels[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return fmt.Errorf("unknown log level %q", name)
	}
	pterm.DefaultLogger.Level = level
	return nil
}

// EnableDebug is shorthand for SetLogLevel("debug").
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}
