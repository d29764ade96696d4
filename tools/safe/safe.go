package safe

import (
	"github.com/Mikecreed256/whatsapp-linking-service/logger"
)

// Go starts a new goroutine that recovers from panic, so a misbehaving
// handler or adapter callback doesn't crash the whole relay.
func Go(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[safe.Go] panic recovered: %v", r)
			}
		}()
		f()
	}()
}

// Call invokes f on the current goroutine with panic recovery and returns the
// recovered value, if any. Used by the router to isolate per-request handlers.
func Call(f func()) (recovered any) {
	defer func() {
		recovered = recover()
	}()
	f()
	return nil
}
