package server

import (
	"io"
	"log"
	"os"
)

// Package-level loggers. errorLog always writes; debugLog is discarded
// until EnableDebugLogging is called. Tests swap both for io.Discard.
var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags|log.Lmicroseconds)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags|log.Lmicroseconds)
)

// EnableDebugLogging turns on verbose per-frame logging.
func (s *Server) EnableDebugLogging() {
	debugLog = log.New(os.Stderr, "DEBUG: ", log.LstdFlags|log.Lmicroseconds)
}
