// Package logging configures the process-wide zerolog logger. zerolog is
// carried in this module's dependency graph but never wired by the teacher
// repo itself (an unused indirect dependency there); this package is where it
// gets a real job: structured, leveled logging for the evaluator service.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger for appEnv. Development environments get a
// human-readable console writer; anything else gets compact JSON suited to
// log aggregation.
func New(appEnv string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}

	level := zerolog.InfoLevel
	if strings.EqualFold(appEnv, "dev") {
		level = zerolog.DebugLevel
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}

	return zerolog.New(w).Level(level).With().Timestamp().Str("app_env", appEnv).Logger()
}
