package sup

import (
	"io"
	"sync"

	"github.com/fatih/color"
	"github.com/goware/prefixer"
)

// palette is the fixed rotation of host colors, chosen for readability
// on both light and dark terminals. Which host gets which color is
// deliberately unspecified beyond "stable for the run" (see
// DESIGN.md's Open Question on prefix coloring).
var palette = []color.Attribute{
	color.FgGreen,
	color.FgYellow,
	color.FgBlue,
	color.FgMagenta,
	color.FgCyan,
	color.FgRed,
}

// Colors hands out a stable color per host for the lifetime of a run.
type Colors struct {
	mu       sync.Mutex
	assigned map[string]*color.Color
	next     int
}

func NewColors() *Colors {
	return &Colors{assigned: make(map[string]*color.Color)}
}

// For returns the color assigned to host, assigning the next unused
// one on first sight.
func (c *Colors) For(host string) *color.Color {
	c.mu.Lock()
	defer c.mu.Unlock()
	if col, ok := c.assigned[host]; ok {
		return col
	}
	col := color.New(palette[c.next%len(palette)])
	c.next++
	c.assigned[host] = col
	return col
}

// OutputMux multiplexes several hosts' stdout/stderr streams onto one
// pair of destination writers, prefixing every line with a
// fixed-width, colored host label and serializing writes so lines
// from different hosts never interleave mid-line.
type OutputMux struct {
	mu     sync.Mutex
	stdout io.Writer
	stderr io.Writer

	colors        *Colors
	width         int
	disablePrefix bool
	disableColor  bool
}

// NewOutputMux prepares a mux over stdout/stderr. width is the label
// column width every prefix is padded to, typically the longest host
// name among the hosts about to run.
func NewOutputMux(stdout, stderr io.Writer, width int, disablePrefix, disableColor bool) *OutputMux {
	return &OutputMux{
		stdout:        stdout,
		stderr:        stderr,
		colors:        NewColors(),
		width:         width,
		disablePrefix: disablePrefix,
		disableColor:  disableColor,
	}
}

func (m *OutputMux) label(host string) string {
	padded := host
	for len(padded) < m.width {
		padded += " "
	}
	if m.disableColor {
		return padded + " | "
	}
	return m.colors.For(host).Sprint(padded) + " | "
}

// muxWriter serializes Write calls from many goroutines onto a shared
// destination under one mutex, so a single prefixer.New(...) chunk
// lands atomically.
type muxWriter struct {
	mu  *sync.Mutex
	dst io.Writer
}

func (w *muxWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dst.Write(p)
}

// Copy drains r (a host's stdout or stderr) onto the multiplexed
// destination, prefixing every line. It blocks until r is exhausted
// and is meant to be run in its own goroutine per (host, stream).
func (m *OutputMux) Copy(host string, r io.Reader, isStderr bool) error {
	dst := m.stdout
	if isStderr {
		dst = m.stderr
	}
	guarded := &muxWriter{mu: &m.mu, dst: dst}

	if m.disablePrefix {
		_, err := io.Copy(guarded, r)
		return err
	}

	pr := prefixer.New(r, m.label(host))
	_, err := io.Copy(guarded, pr)
	return err
}
