// ABOUTME: Logging setup: stdlib log writing to both stdout and a log file at a caller-given path
// ABOUTME: Mirrors the ambient dual-writer setup the teacher wires up in main.go
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Setup opens path for appending (creating it if needed) and routes every
// subsequent log.Printf through both stdout and that file. When debug is
// true it also adds the source file and line to every log line; callers
// gate their own [DEBUG] lines through Debugf. The returned file is for the
// caller to close on shutdown.
func Setup(path string, debug bool) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
	if err != nil {
		return nil, fmt.Errorf("logging: opening log file: %w", err)
	}

	log.SetOutput(io.MultiWriter(os.Stdout, f))
	if debug {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}
	return f, nil
}

// Debugf logs a [DEBUG]-prefixed line only when debug is true, matching
// the teacher's own Config.Debug-gated call sites.
func Debugf(debug bool, format string, args ...any) {
	if !debug {
		return
	}
	log.Printf("[DEBUG] "+format, args...)
}
