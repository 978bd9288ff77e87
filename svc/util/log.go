package util

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const serviceName = "veil"

var globalLog zerolog.Logger

// InitLog writes JSON lines to stdout, or a console view when dev is set.
func InitLog(level string, dev bool) {
	var out io.Writer = os.Stdout
	if dev {
		out = zerolog.ConsoleWriter{
			Out:           os.Stdout,
			TimeFormat:    time.TimeOnly,
			FieldsExclude: []string{"service"},
		}
	}
	SetLogOutput(out, level)
}

// SetLogOutput replaces the global logger's sink. Unknown or empty levels
// mean info.
func SetLogOutput(out io.Writer, level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	globalLog = zerolog.New(out).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
	if lvl <= zerolog.DebugLevel {
		globalLog = globalLog.With().Caller().Logger()
	}
	log.Logger = globalLog
	if err != nil {
		globalLog.Warn().Str("requested", level).Msg("unknown LOG_LEVEL, using info")
	}
}

func Debug() *zerolog.Event { return globalLog.Debug() }
func Info() *zerolog.Event  { return globalLog.Info() }
func Warn() *zerolog.Event  { return globalLog.Warn() }
func Error() *zerolog.Event { return globalLog.Error() }
func Fatal() *zerolog.Event { return globalLog.Fatal() }
func GetLogger() zerolog.Logger {
	return globalLog
}
