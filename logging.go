package main

import (
	"io"
	"log"
	"os"
	"path/filepath"
)

// discardLogger returns a logger that drops everything.
func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// newServerLogger opens {dataDir}/server.log for append. Stdout and stderr
// belong to the stdio transport, so the server never writes there. Falls
// back to a discard logger when the file cannot be opened.
func newServerLogger(dataDir string) *log.Logger {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return discardLogger()
	}
	f, err := os.OpenFile(filepath.Join(dataDir, "server.log"),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return discardLogger()
	}
	return log.New(f, "biff ", log.LstdFlags|log.LUTC)
}
