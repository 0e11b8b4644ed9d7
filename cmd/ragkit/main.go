// Command ragkit is the entry point for the ragkit retrieval tool server.
// It exposes the tool registry over HTTP, MCP (stdio or streamable HTTP) and
// a set of CLI commands for querying and inspecting it.
package main

import (
	"fmt"
	"os"

	"github.com/54b3r/ragkit-go/cmd/ragkit/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
