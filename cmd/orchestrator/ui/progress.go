// Package ui provides user interface components for the orchestrator CLI.
package ui

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/spherical-ai/nl2sql-engine/pkg/engine"
)

// ProgressRenderer turns the engine's ProgressEvent stream into a single
// mpb bar that tracks percent complete. The bar's label stays fixed; each
// event's stage and message is written to stderr as a status line instead.
type ProgressRenderer struct {
	progress *mpb.Progress
	bar      *mpb.Bar
	name     string
}

// NewProgressRenderer starts an mpb progress container with one
// determinate bar (0-100%) labeled name. Call Handle as the ProgressFunc
// passed to engine.ConnectOrBuildKG, then Close once the call returns.
func NewProgressRenderer(name string) *ProgressRenderer {
	progress := mpb.New(mpb.WithWidth(64))
	bar := progress.AddBar(100,
		mpb.PrependDecorators(
			decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DSyncSpaceR}),
		),
		mpb.AppendDecorators(
			decor.Percentage(decor.WC{W: 5}),
			decor.Elapsed(decor.ET_STYLE_GO, decor.WC{W: 12}),
			decor.OnComplete(decor.Name(""), " done"),
		),
	)
	return &ProgressRenderer{progress: progress, bar: bar, name: name}
}

// Handle is an engine.ProgressFunc: it advances the bar to the event's
// percentage and writes the event's stage and message to stderr as a
// status line.
func (r *ProgressRenderer) Handle(evt engine.ProgressEvent) {
	pct := int64(evt.Progress * 100)
	if pct > 100 {
		pct = 100
	}
	r.bar.SetCurrent(pct)
	if evt.Message != "" {
		fmt.Fprintf(os.Stderr, "\r\033[K  [%s] %s", evt.Stage, evt.Message)
	}
}

// Close completes the bar and waits for the container to finish
// rendering, so the next line of output doesn't race the bar's repaint.
func (r *ProgressRenderer) Close() {
	r.bar.SetCurrent(100)
	r.bar.Wait()
	fmt.Fprintln(os.Stderr)
}

// Spinner wraps a spinner instance for indeterminate progress display,
// used where no ProgressEvent stream is available (e.g. waiting on a
// single blocking RPC rather than a multi-phase build).
type Spinner struct {
	spinner *spinner.Spinner
}

// NewSpinner creates a new spinner with the given message.
func NewSpinner(message string) *Spinner {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " " + message
	s.Writer = os.Stderr
	return &Spinner{spinner: s}
}

// Start starts the spinner animation.
func (s *Spinner) Start() {
	s.spinner.Start()
}

// Stop stops the spinner animation and clears the line.
func (s *Spinner) Stop() {
	s.spinner.Stop()
}

// UpdateMessage updates the spinner's message.
func (s *Spinner) UpdateMessage(message string) {
	s.spinner.Suffix = " " + message
}

// Message displays a simple message without spinner or progress bar.
func Message(format string, args ...interface{}) {
	fmt.Fprintf(os.Stdout, format, args...)
	fmt.Fprintln(os.Stdout)
}

// Error displays an error message to stderr.
func Error(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "✗ %s\n", fmt.Sprintf(format, args...))
}

// Success displays a success message.
func Success(format string, args ...interface{}) {
	fmt.Fprintf(os.Stdout, "✓ %s\n", fmt.Sprintf(format, args...))
}

// Warning displays a warning message.
func Warning(format string, args ...interface{}) {
	fmt.Fprintf(os.Stdout, "⚠ %s\n", fmt.Sprintf(format, args...))
}

// Info displays an informational message.
func Info(format string, args ...interface{}) {
	fmt.Fprintf(os.Stdout, "ℹ %s\n", fmt.Sprintf(format, args...))
}

// Newline prints a newline.
func Newline() {
	fmt.Fprintln(os.Stdout)
}

// Section displays a section header.
func Section(title string) {
	fmt.Fprintf(os.Stdout, "\n%s\n", title)
	fmt.Fprintf(os.Stdout, "%s\n\n", underline(len(title)))
}

func underline(length int) string {
	result := ""
	for i := 0; i < length; i++ {
		result += "="
	}
	return result
}

// ClearLine clears the current line (useful for progress updates).
func ClearLine(w io.Writer) {
	fmt.Fprint(w, "\r\033[K")
}
