// mcpd is a scaffolding MCP server daemon. It exposes a small built-in
// server (an echo tool, a clock resource, a greeting prompt) over either a
// local stdio stream or the streaming HTTP transport, and exists mostly as
// wiring reference for embedding the library.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		if ctx.Err() == nil {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
