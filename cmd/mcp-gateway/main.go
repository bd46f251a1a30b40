// Command mcp-gateway is the policy gateway's server binary: it loads
// environment configuration, opens the durable store, wires every
// component of the gateway, and serves the HTTP surface until a
// signal asks it to drain.
package main

import (
	"os"

	"github.com/mcpgov/policy-gateway/internal/log"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Logf("mcp-gateway: %v", err)
		os.Exit(exitCodeFor(err))
	}
}
