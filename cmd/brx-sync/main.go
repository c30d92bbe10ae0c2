package main

import (
	"os"

	"github.com/jessevdk/go-flags"
)

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	_, _ = parser.AddCommand("serve", "Serve the sync API", `
Serve the inventory sync HTTP API with the provided configuration, until
signaled to exit (via SIGTERM).
`, &cmdServe{})

	_, _ = parser.AddCommand("worker", "Run the background worker", `
Run a background worker consuming the sync task queues, until signaled to
exit (via SIGTERM). In-flight tasks are drained before exit.
`, &cmdWorker{})

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
