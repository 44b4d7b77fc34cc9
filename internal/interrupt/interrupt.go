// Package interrupt collects shutdown handlers and runs them once when the
// process receives SIGINT/SIGTERM, mirroring the teacher's
// utils/interrupt.AddHandler idiom used from main.go.
package interrupt

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"zapgate.dev/internal/log"
)

var (
	mu       sync.Mutex
	handlers []func()
	once     sync.Once
)

// AddHandler registers fn to run on shutdown, in registration order.
func AddHandler(fn func()) {
	mu.Lock()
	handlers = append(handlers, fn)
	mu.Unlock()
}

// Listen blocks until SIGINT/SIGTERM, then runs every registered handler
// and returns.
func Listen() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
	log.I.Ln("shutting down")
	run()
}

func run() {
	once.Do(func() {
		mu.Lock()
		fns := append([]func(){}, handlers...)
		mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	})
}
