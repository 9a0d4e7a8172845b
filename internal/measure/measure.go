// Package measure prints interactive timing for the long-running
// stages of archive creation.
package measure

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// Interactively prints a [status] marker, then rewrites the line with
// the elapsed time when the returned func is called. The fragment is
// appended to the done line, e.g. a byte count.
func Interactively(w io.Writer, status string) (done func(fragment string)) {
	status = "[" + status + "]"
	fmt.Fprint(w, status)
	start := time.Now()
	return func(fragment string) {
		elapsed := time.Since(start)
		fmt.Fprintf(w, "\r[done] in %.2fs%s"+strings.Repeat(" ", len(status))+"\n",
			elapsed.Seconds(),
			fragment)
	}
}
