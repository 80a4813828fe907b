package sync

import (
	"fmt"
	"io"
	"strings"

	"github.com/vexsync/vexsync/pkg/changestream"
)

// progressLogger emits the one-line-per-item progress stream.
type progressLogger struct {
	w io.Writer
}

func newProgressLogger(w io.Writer) *progressLogger {
	if w == nil {
		w = io.Discard
	}
	return &progressLogger{w: w}
}

func (p *progressLogger) Item(op changestream.Operation, path string, size int) {
	fmt.Fprintf(p.w, "[%s] %s (%d B)\n", strings.ToUpper(op.String()), path, size)
}

func (p *progressLogger) Summary(line string) {
	fmt.Fprintln(p.w, line)
}
