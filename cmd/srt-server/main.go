// Command srt-server runs the SRT ingest / TS fan-out pipeline.
// Adapted from the teacher's cmd/rtmp-server: same signal-driven
// graceful-shutdown shape (listen, run until SIGINT/SIGTERM, Stop with
// a bounded timeout, force-exit if shutdown hangs), cobra/pflag in
// place of the teacher's stdlib flag.FlagSet per SPEC_FULL.md §2.4.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
