// Package obslog configures cryophile's structured logger from the
// CRYOPHILE_LOG / CRYOPHILE_LOG_STYLE environment variables.
package obslog

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// New builds a *logrus.Logger from the environment, defaulting to info
// level and an auto-detected (TTY-aware) text formatter when the
// variables are unset.
func New() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(parseLevel(os.Getenv("CRYOPHILE_LOG")))
	logger.SetFormatter(chooseFormatter(os.Getenv("CRYOPHILE_LOG_STYLE")))
	return logger
}

// parseLevel interprets CRYOPHILE_LOG as a logrus level name,
// defaulting to Info on empty or unrecognized values.
func parseLevel(filter string) logrus.Level {
	if filter == "" {
		return logrus.InfoLevel
	}
	level, err := logrus.ParseLevel(strings.ToLower(filter))
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// chooseFormatter maps CRYOPHILE_LOG_STYLE (auto|always|never) to a
// logrus formatter. "always" and "never" force color on/off; "auto"
// (or unset) follows whether stderr is a terminal.
func chooseFormatter(style string) logrus.Formatter {
	switch strings.ToLower(style) {
	case "always":
		return &logrus.TextFormatter{ForceColors: true, FullTimestamp: true}
	case "never":
		return &logrus.TextFormatter{DisableColors: true, FullTimestamp: true}
	default:
		return &logrus.TextFormatter{
			ForceColors: term.IsTerminal(int(os.Stderr.Fd())),
			FullTimestamp: true,
		}
	}
}

// WithOp returns an entry pre-tagged with the component/operation name,
// matching the field-naming the gateway's logging middleware uses
// ("method", "path", ...) for its own request-scoped fields.
func WithOp(logger *logrus.Logger, op string) *logrus.Entry {
	return logger.WithField("op", op)
}
