// Package logging configures the process-wide zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// Setup installs a console logger on w at the given level. "warning" is
// accepted as an alias of "warn".
func Setup(level string, w io.Writer) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339

	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !term.IsTerminal(int(f.Fd()))
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen, NoColor: noColor})
	return nil
}

// ParseLevel maps a user-supplied level name to a zerolog level.
func ParseLevel(level string) (zerolog.Level, error) {
	lower := strings.ToLower(strings.TrimSpace(level))
	switch lower {
	case "":
		return zerolog.WarnLevel, nil
	case "warning":
		lower = "warn"
	}
	lvl, err := zerolog.ParseLevel(lower)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q (expected debug, info, warn, or error)", level)
	}
	return lvl, nil
}
