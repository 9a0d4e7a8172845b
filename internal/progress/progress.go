// Package progress accounts for work units across a task run and
// reports them, either as a human-readable meter or as length-prefixed
// frames a supervising program can parse.
package progress

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
)

// Mode selects how progress and diagnostics are rendered.
type Mode int

const (
	// Quiet suppresses the progress meter; errors still print.
	Quiet Mode = iota
	// Plain renders a single-line meter on out.
	Plain
	// Framed emits length-prefixed records on out (see Frame types).
	Framed
)

// Frame types, the two bytes following the big-endian length.
const (
	frameProgress = "PR"
	frameOK       = "OK"
	frameError    = "ER"
	frameWarning  = "WN"
)

// Reporter accumulates expected work units during the progress pass
// and reports completed units during the run.
type Reporter struct {
	mode Mode
	out  io.Writer
	err  io.Writer

	total   int64
	current int64
	lastPct int

	// bytesWritten tracks data actually delivered, for the summary.
	bytesWritten int64
}

// New returns a Reporter writing status to out and diagnostics to
// errOut.
func New(mode Mode, out, errOut io.Writer) *Reporter {
	return &Reporter{mode: mode, out: out, err: errOut, lastPct: -1}
}

// AddTotal grows the expected unit count. Called only before Start.
func (r *Reporter) AddTotal(n int64) { r.total += n }

// Total returns the expected unit count.
func (r *Reporter) Total() int64 { return r.total }

// Current returns the reported unit count.
func (r *Reporter) Current() int64 { return r.current }

// Start renders the initial 0% state.
func (r *Reporter) Start() {
	r.emit(0)
}

// Report adds n completed units. Output is rate-limited to whole
// percent changes.
func (r *Reporter) Report(n int64) {
	r.current += n
	if r.current > r.total {
		r.current = r.total
	}
	pct := 0
	if r.total > 0 {
		pct = int(r.current * 100 / r.total)
	}
	if pct != r.lastPct {
		r.emit(pct)
	}
}

// AddBytes records delivered payload bytes for the final summary.
func (r *Reporter) AddBytes(n int64) { r.bytesWritten += n }

// Finish forces the meter to 100% and emits the success frame.
func (r *Reporter) Finish() {
	r.current = r.total
	r.emit(100)
	switch r.mode {
	case Framed:
		r.frame(frameOK, nil)
	case Plain:
		fmt.Fprintf(r.out, "\nSuccess! Wrote %s\n", humanize.IBytes(uint64(r.bytesWritten)))
	}
}

// Info emits a diagnostic message without disturbing the meter.
func (r *Reporter) Info(msg string) {
	if r.mode == Framed {
		r.frame(frameWarning, []byte(msg))
		return
	}
	fmt.Fprintf(r.err, "fwup: %s\n", msg)
}

// Error emits a failure message.
func (r *Reporter) Error(msg string) {
	if r.mode == Framed {
		r.frame(frameError, []byte(msg))
		return
	}
	fmt.Fprintf(r.err, "fwup: %s\n", msg)
}

func (r *Reporter) emit(pct int) {
	r.lastPct = pct
	switch r.mode {
	case Framed:
		var payload [2]byte
		binary.BigEndian.PutUint16(payload[:], uint16(pct))
		r.frame(frameProgress, payload[:])
	case Plain:
		fmt.Fprintf(r.out, "\r%3d%% [%-50s]", pct, meterBar(pct))
	}
}

func meterBar(pct int) string {
	filled := pct / 2
	bar := make([]byte, filled)
	for i := range bar {
		bar[i] = '='
	}
	return string(bar)
}

// frame writes one length-prefixed record: a 4-byte big-endian length
// covering the 2-byte type and the payload.
func (r *Reporter) frame(typ string, payload []byte) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(2+len(payload)))
	r.out.Write(hdr[:])
	io.WriteString(r.out, typ)
	r.out.Write(payload)
}
