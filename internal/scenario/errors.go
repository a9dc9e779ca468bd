package scenario

import (
	"fmt"
	"strings"

	"github.com/eugenetaranov/meshprobe/internal/connector"
)

// Entry is one remote command or upload as it was issued.
type Entry struct {
	Host    string
	Command string
	Status  connector.Status
	Stdout  string
	Stderr  string

	// Err is set when the transport could not be invoked at all.
	Err error
}

// Transcript records every command a step issued, in order.
type Transcript struct {
	entries []Entry
}

func (t *Transcript) add(e Entry) {
	t.entries = append(t.entries, e)
}

// Entries returns the recorded entries.
func (t *Transcript) Entries() []Entry {
	if t == nil {
		return nil
	}
	return t.entries
}

// String renders the transcript for humans.
func (t *Transcript) String() string {
	var b strings.Builder
	for _, e := range t.Entries() {
		fmt.Fprintf(&b, "[%s] $ %s\n", e.Host, e.Command)
		if e.Err != nil {
			fmt.Fprintf(&b, "  error: %v\n", e.Err)
			continue
		}
		fmt.Fprintf(&b, "  status: %s\n", e.Status)
		writeStream(&b, "stdout", e.Stdout)
		writeStream(&b, "stderr", e.Stderr)
	}
	return b.String()
}

func writeStream(b *strings.Builder, name, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	fmt.Fprintf(b, "  %s:\n", name)
	for _, line := range strings.Split(text, "\n") {
		fmt.Fprintf(b, "    %s\n", line)
	}
}

// AssertionError is a failed scenario check. It names the step and the
// host and carries the commands the step issued up to the failure.
type AssertionError struct {
	Step       string
	Host       string
	Message    string
	Transcript *Transcript

	// Err is the underlying cause, if any.
	Err error
}

func (e *AssertionError) Error() string {
	msg := e.Message
	if e.Err != nil && msg == "" {
		msg = e.Err.Error()
	}
	if e.Host == "" {
		return fmt.Sprintf("%s: %s", e.Step, msg)
	}
	return fmt.Sprintf("%s on %s: %s", e.Step, e.Host, msg)
}

func (e *AssertionError) Unwrap() error {
	return e.Err
}
