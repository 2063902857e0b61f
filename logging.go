package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/ansel1/merry"
	"github.com/rs/zerolog"
)

// SuccessLevel marks a probable order. It ranks above every built-in
// level, so no level filter hides it.
const SuccessLevel = zerolog.Level(35)

const successLevelName = "success"

func init() {
	base := zerolog.LevelFieldMarshalFunc
	zerolog.LevelFieldMarshalFunc = func(l zerolog.Level) string {
		if l == SuccessLevel {
			return successLevelName
		}
		return base(l)
	}
}

func formatLevel(i interface{}) string {
	name, _ := i.(string)
	label := strings.ToUpper(fmt.Sprintf("%-7s", name))
	switch name {
	case successLevelName:
		return "\x1b[1;32m" + label + "\x1b[0m"
	case zerolog.ErrorLevel.String(), zerolog.FatalLevel.String(), zerolog.PanicLevel.String():
		return "\x1b[1;31m" + label + "\x1b[0m"
	case zerolog.WarnLevel.String():
		return "\x1b[33m" + label + "\x1b[0m"
	case zerolog.DebugLevel.String():
		return "\x1b[2m" + label + "\x1b[0m"
	}
	return label
}

// newLogger builds the process logger: coloured console output, merry
// details on .Stack(), debug records only in debug mode.
func newLogger(out io.Writer, debug bool) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	zerolog.ErrorStackMarshaler = func(err error) interface{} { return merry.Details(err) }

	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{
		Out:         out,
		TimeFormat:  "2006-01-02 15:04:05.000",
		FormatLevel: formatLevel,
	}).Level(level).With().Timestamp().Logger()
}

// workerLogger tags every record with the product it is scalping. Names
// are padded so that concurrent workers line up.
func workerLogger(base zerolog.Logger, product ProductInfo, width int) zerolog.Logger {
	return base.With().
		Str("product", fmt.Sprintf("%-*s", width, product.Name)).
		Str("pid", product.PID).
		Logger()
}

func logSuccess(logger zerolog.Logger) *zerolog.Event {
	return logger.WithLevel(SuccessLevel)
}
