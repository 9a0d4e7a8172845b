// Binary fwup builds firmware archives from declarative device
// layouts and applies them to storage devices with end-to-end
// verification.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/michaelkschmidt/fwup/internal/cli"
	"github.com/michaelkschmidt/fwup/internal/fwtask"
)

func main() {
	if err := cli.FwupCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		if errors.Is(err, fwtask.ErrNoMatchingTask) {
			// Every candidate task failed its requirements.
			os.Exit(2)
		}
		os.Exit(1)
	}
}
