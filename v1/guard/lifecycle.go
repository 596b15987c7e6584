package guard

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// StopOnSignal stops the guard when the process receives one of the given
// signals, the library analog of a page unload hook. With no arguments it
// watches SIGINT and SIGTERM. The returned function unbinds the handler
// without stopping the guard; calling it more than once is harmless.
func (g *Guard) StopOnSignal(sigs ...os.Signal) (cancel func()) {
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	done := make(chan struct{})
	go func() {
		defer signal.Stop(ch)
		select {
		case <-ch:
			g.Stop(context.Background())
		case <-done:
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}
