// Command talosd runs the procurement workflow daemon: an HTTP API that
// triggers and inspects runs, and a worker that executes them.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
