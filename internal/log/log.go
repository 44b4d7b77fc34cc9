// Package log provides the leveled, side-effecting loggers used throughout
// zapgate, mirroring the teacher's log.T/D/I/W/E/F level-logger convention.
// Each logger checks the current lol threshold before writing, and colors
// its level tag with fatih/color the way CLI tooling in the corpus does.
package log

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"

	"zapgate.dev/internal/lol"
)

type logger struct {
	level  lol.Level
	tag    string
	color  *color.Color
	fatal  bool
	stderr bool
}

func (l *logger) out() *os.File {
	if l.stderr {
		return os.Stderr
	}
	return os.Stdout
}

func (l *logger) enabled() bool { return lol.Get() >= l.level }

// Ln logs its arguments space-joined, if the current level permits.
func (l *logger) Ln(a ...any) {
	if !l.enabled() {
		return
	}
	l.write(fmt.Sprintln(a...))
}

// F logs a printf-style message, if the current level permits.
func (l *logger) F(format string, a ...any) {
	if !l.enabled() {
		return
	}
	l.write(fmt.Sprintf(format, a...) + "\n")
}

func (l *logger) write(msg string) {
	ts := time.Now().Format("15:04:05.000")
	tag := l.tag
	if l.color != nil {
		tag = l.color.Sprint(l.tag)
	}
	fmt.Fprintf(l.out(), "%s %s %s", ts, tag, msg)
	if l.fatal {
		os.Exit(1)
	}
}

var (
	// T - trace level
	T = &logger{level: lol.Trace, tag: "TRC", color: color.New(color.FgHiBlack)}
	// D - debug level
	D = &logger{level: lol.Debug, tag: "DBG", color: color.New(color.FgCyan)}
	// I - info level
	I = &logger{level: lol.Info, tag: "INF", color: color.New(color.FgGreen)}
	// W - warning level
	W = &logger{level: lol.Warn, tag: "WRN", color: color.New(color.FgYellow), stderr: true}
	// E - error level
	E = &logger{level: lol.Error, tag: "ERR", color: color.New(color.FgRed), stderr: true}
	// F - fatal level, terminates the process after logging
	F = &logger{level: lol.Fatal, tag: "FTL", color: color.New(color.FgHiRed, color.Bold), stderr: true, fatal: true}
)
