// Package chk provides the error-check idiom used throughout zapgate:
//
//	if err = f(); chk.E(err) {
//	    return
//	}
//
// E logs at error level and reports whether err is non-nil. T silently
// reports whether err is non-nil, for call sites where the error is
// expected and handled by the caller without a log line (e.g. sentinel
// "help requested" errors). F logs at fatal level and terminates the
// process when err is non-nil.
package chk

import "zapgate.dev/internal/log"

// E logs err at error level, if non-nil, and reports whether it was non-nil.
func E(err error) bool {
	if err != nil {
		log.E.F("%v", err)
		return true
	}
	return false
}

// T reports whether err is non-nil, without logging.
func T(err error) bool { return err != nil }

// F logs err at fatal level and terminates the process, if non-nil.
func F(err error) bool {
	if err != nil {
		log.F.F("%v", err)
		return true
	}
	return false
}
