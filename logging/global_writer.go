package logging

import (
	"io"
	"os"
	"sync"
)

// globalWriter is the stderr sink shared by all loggers. The dashboard swaps
// it out while it owns the terminal.
type globalWriter struct {
	mu sync.RWMutex
	w  io.Writer
}

func (gw *globalWriter) Write(p []byte) (n int, err error) {
	gw.mu.RLock()
	defer gw.mu.RUnlock()
	return gw.w.Write(p)
}

func (gw *globalWriter) swap(w io.Writer) io.Writer {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	prev := gw.w
	gw.w = w
	return prev
}

var defaultGlobalWriter = &globalWriter{w: os.Stderr}

// SetGlobalOutput redirects the stderr sink of every logger and returns
// the previous destination so callers can restore it.
func SetGlobalOutput(w io.Writer) io.Writer {
	return defaultGlobalWriter.swap(w)
}
