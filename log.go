package webserv

import (
	"os"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.CallerFieldName = "C"
	zerolog.MessageFieldName = "M"
	zerolog.LevelFieldName = "L"
	zerolog.ErrorFieldName = "E"
	zerolog.TimestampFieldName = "T"
	zerolog.ErrorStackFieldName = "S"
}

// log is the package logger. Diagnostics go to stderr; the lifecycle
// messages printed on stdout by Server.Start are not routed through it.
var log = zerolog.New(os.Stderr).With().Timestamp().Logger()
