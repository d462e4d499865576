// jsand-guest is the container's main process. It reads the host alias,
// registry port and class path from the environment and runs one entry.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/michaelbrown/jsand/internal/guest"
)

func main() {
	if len(os.Args) < 2 || os.Args[1] == "-h" || os.Args[1] == "--help" {
		fmt.Fprint(os.Stderr, guest.Usage(nil))
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := guest.Run(ctx, guest.OptionsFromEnv(), os.Args[1], os.Args[2:])
	stop()
	os.Exit(code)
}
