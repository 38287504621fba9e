// Package color wraps text in ANSI escape sequences.
package color

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

const reset = "\033[0m"

// Foreground colors and attributes.
const (
	FgRed    = 31
	FgGreen  = 32
	FgYellow = 33
	FgCyan   = 36
	FgWhite  = 37

	Bold = 1
	Dim  = 2
)

// NoColor disables escape sequences. It starts true when NO_COLOR is set.
var NoColor = os.Getenv("NO_COLOR") != ""

// Color is a set of SGR attributes.
type Color struct {
	params []int
}

// New creates a Color with the given attributes.
func New(attrs ...int) *Color {
	return &Color{params: attrs}
}

func (c *Color) prefix() string {
	if NoColor || len(c.params) == 0 {
		return ""
	}
	parts := make([]string, len(c.params))
	for i, p := range c.params {
		parts[i] = strconv.Itoa(p)
	}
	return "\033[" + strings.Join(parts, ";") + "m"
}

// Sprintf returns the formatted string wrapped in c.
func (c *Color) Sprintf(format string, a ...interface{}) string {
	p := c.prefix()
	if p == "" {
		return fmt.Sprintf(format, a...)
	}
	return p + fmt.Sprintf(format, a...) + reset
}

// Fprintf writes the formatted string wrapped in c to w.
func (c *Color) Fprintf(w io.Writer, format string, a ...interface{}) {
	fmt.Fprint(w, c.Sprintf(format, a...))
}
