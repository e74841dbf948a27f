// Package ui formats user-facing CLI text. Colors come from fatih/color and
// are dropped when NO_COLOR is set or the output is not a terminal, in which
// case some formatters fall back to plain punctuation.
package ui

import (
	"fmt"
	"os"

	"github.com/fatih/color"
)

// Formatter renders text in one semantic style
type Formatter struct {
	color  *color.Color
	prefix string
	suffix string
}

// Sprint formats the arguments like fmt.Sprint
func (f Formatter) Sprint(a ...any) string {
	text := fmt.Sprint(a...)
	if noColor() {
		return f.prefix + text + f.suffix
	}
	return f.color.Sprint(text)
}

// Sprintf formats like fmt.Sprintf
func (f Formatter) Sprintf(format string, a ...any) string {
	return f.Sprint(fmt.Sprintf(format, a...))
}

func noColor() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return true
	}
	return color.NoColor
}

var (
	Code    = Formatter{color.New(color.FgYellow), "`", "`"}
	Path    = Formatter{color.New(color.FgYellow), "", ""}
	Success = Formatter{color.New(color.FgGreen), "", ""}
	Error   = Formatter{color.New(color.FgRed), "", ""}
	Warning = Formatter{color.New(color.FgYellow), "", ""}
	Info    = Formatter{color.New(color.FgCyan), "", ""}
	Muted   = Formatter{color.New(color.FgHiBlack), "(", ")"}
)

// FormatSize renders a byte count with a binary unit
func FormatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
