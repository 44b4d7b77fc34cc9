// Package lol controls the global logging level threshold consulted by
// package log. Levels follow the teacher's fatal/error/warn/info/debug/trace
// scheme.
package lol

import (
	"strings"
	"sync/atomic"
)

// Level is a logging verbosity threshold.
type Level int32

const (
	Off Level = iota
	Fatal
	Error
	Warn
	Info
	Debug
	Trace
)

var names = map[string]Level{
	"off":   Off,
	"fatal": Fatal,
	"error": Error,
	"warn":  Warn,
	"info":  Info,
	"debug": Debug,
	"trace": Trace,
}

var current atomic.Int32

func init() { current.Store(int32(Info)) }

// GetLogLevel parses a level name, defaulting to Info when unrecognised.
func GetLogLevel(s string) Level {
	if l, ok := names[strings.ToLower(strings.TrimSpace(s))]; ok {
		return l
	}
	return Info
}

// SetLogLevel sets the process-wide logging threshold from a level name.
func SetLogLevel(s string) { current.Store(int32(GetLogLevel(s))) }

// SetLevel sets the process-wide logging threshold directly.
func SetLevel(l Level) { current.Store(int32(l)) }

// Get returns the current logging threshold.
func Get() Level { return Level(current.Load()) }
