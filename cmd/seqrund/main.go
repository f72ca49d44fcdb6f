// Command seqrund tracks sequencing runs: it consumes run lifecycle events
// from the inbound queue, reconciles run state, ingests sample sheets and
// converges library linkage, publishing change events downstream.
package main

import (
	"os"

	"seqruncore/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
