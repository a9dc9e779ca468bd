// Package output provides formatted progress output for scenario runs.
package output

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Colors for terminal output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

// Stats holds run statistics for output.
type Stats interface {
	GetOK() int
	GetFailed() int
	GetSkipped() int
	GetDuration() time.Duration
}

// Output handles formatted output. It is safe for concurrent use.
type Output struct {
	mu       sync.Mutex
	w        io.Writer
	useColor bool
	debug    bool
}

// New creates a new output handler.
func New(w io.Writer) *Output {
	return &Output{
		w:        w,
		useColor: true,
	}
}

// SetColor enables or disables color output.
func (o *Output) SetColor(enabled bool) {
	o.useColor = enabled
}

// SetDebug enables or disables debug output.
func (o *Output) SetDebug(enabled bool) {
	o.debug = enabled
}

// color returns the string wrapped in color codes if enabled.
func (o *Output) color(c, s string) string {
	if !o.useColor {
		return s
	}
	return c + s + colorReset
}

// ScenarioStart prints the scenario banner.
func (o *Output) ScenarioStart(name, path string) {
	o.printf("\n%s %s\n", o.color(colorBold, "SCENARIO"), name)
	if path != "" && path != name {
		o.printf("  %s\n", o.color(colorGray, path))
	}
	if o.debug {
		o.printf("%s\n", strings.Repeat("-", 60))
	}
}

// Recap prints the run summary.
func (o *Output) Recap(stats Stats) {
	o.printf("\n%s ", o.color(colorBold, "RECAP"))

	ok := o.color(colorGreen, fmt.Sprintf("ok=%d", stats.GetOK()))
	failed := o.color(colorRed, fmt.Sprintf("failed=%d", stats.GetFailed()))
	skipped := o.color(colorCyan, fmt.Sprintf("skipped=%d", stats.GetSkipped()))

	o.printf("%s %s %s", ok, failed, skipped)
	o.printf(" %s\n", o.color(colorGray, fmt.Sprintf("(%.2fs)", stats.GetDuration().Seconds())))
}

// Section prints a section header.
func (o *Output) Section(name string) {
	o.printf("\n%s\n", o.color(colorBold, name))
}

// StepResult prints a step outcome on a single line.
// Format: [indicator] step name (duration)
func (o *Output) StepResult(name, status string, d time.Duration) {
	var indicator string
	var statusColor string

	switch {
	case strings.HasPrefix(status, "ok"):
		indicator = "✓"
		statusColor = colorGreen
	case strings.HasPrefix(status, "skipped"):
		indicator = "○"
		statusColor = colorCyan
	case strings.HasPrefix(status, "failed"):
		indicator = "✗"
		statusColor = colorRed
	default:
		indicator = "?"
		statusColor = colorGray
	}

	o.printf("  %s %s %s\n", o.color(statusColor, indicator), name, o.color(colorGray, fmt.Sprintf("(%.1fs)", d.Seconds())))
}

// Check prints one host-level check below its step.
func (o *Output) Check(host, name string, ok bool) {
	if ok && !o.debug {
		return
	}
	indicator := o.color(colorGreen, "✓")
	if !ok {
		indicator = o.color(colorRed, "✗")
	}
	o.printf("    %s %s %s\n", indicator, o.color(colorGray, fmt.Sprintf("[%s]", host)), name)
}

// Command prints a finished remote command (debug mode only).
func (o *Output) Command(host, cmd, status, stdout, stderr string) {
	if !o.debug {
		return
	}

	statusColor := colorGreen
	if status != "0" {
		statusColor = colorYellow
	}
	o.printf("      %s %s %s %s\n",
		o.color(colorGray, "$"),
		cmd,
		o.color(colorGray, fmt.Sprintf("(%s)", host)),
		o.color(statusColor, "status="+status))

	for _, stream := range []struct{ name, text string }{{"stdout", stdout}, {"stderr", stderr}} {
		if s := strings.TrimSpace(stream.text); s != "" {
			o.printf("        %s\n", o.color(colorGray, stream.name+":"))
			for _, line := range strings.Split(s, "\n") {
				o.printf("          %s\n", line)
			}
		}
	}
}

// Failure prints an assertion failure and the transcript that led to it.
func (o *Output) Failure(message, transcript string) {
	o.printf("\n%s %s\n", o.color(colorRed, "FAILED"), message)
	if transcript = strings.TrimRight(transcript, "\n"); transcript == "" {
		return
	}
	o.printf("%s\n", o.color(colorGray, "transcript:"))
	for _, line := range strings.Split(transcript, "\n") {
		o.printf("  %s\n", line)
	}
}

// Info prints an informational message.
func (o *Output) Info(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorBlue, "INFO"), fmt.Sprintf(format, args...))
}

// Warn prints a warning message.
func (o *Output) Warn(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorYellow, "WARN"), fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (o *Output) Error(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorRed, "ERROR"), fmt.Sprintf(format, args...))
}

// Debug prints a debug message (only in debug mode).
func (o *Output) Debug(format string, args ...any) {
	if o.debug {
		o.printf("%s %s\n", o.color(colorGray, "DEBUG"), fmt.Sprintf(format, args...))
	}
}

func (o *Output) printf(format string, args ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintf(o.w, format, args...)
}
