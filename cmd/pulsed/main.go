// Command pulsed is the workforce activity agent. It counts input, follows
// the focused window, cuts the stream into active and idle segments and
// delivers them to the collector.
package main

import (
	"context"
	"fmt"
	"os"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "pulsed: %v\n", err)
		os.Exit(1)
	}
}
