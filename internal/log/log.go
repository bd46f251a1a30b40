// Package log is a thin wrapper around the standard library logger used
// throughout the gateway so call sites don't each reinvent a prefix or a
// debug-gate check.
package log

import (
	"fmt"
	"log"
	"os"
)

const debugEnvVar = "MCP_GATEWAY_DEBUG"

// Logf writes a formatted line to the process log.
func Logf(format string, args ...any) {
	log.Printf(format, args...)
}

// Log writes the concatenation of args to the process log.
func Log(args ...any) {
	log.Print(fmt.Sprintln(args...))
}

// Debugf writes a formatted line only when MCP_GATEWAY_DEBUG is set.
func Debugf(format string, args ...any) {
	if os.Getenv(debugEnvVar) == "" {
		return
	}
	log.Printf("[debug] "+format, args...)
}

// Writer exposes the destination the standard logger writes to, for
// composing with http.Server.ErrorLog.
func Writer() *log.Logger {
	return log.Default()
}
