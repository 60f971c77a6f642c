package engine

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/x/term"
)

// Spinner frames using braille characters
var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// clearLine returns the cursor to column 0 and erases the line.
const clearLine = "\r\033[2K"

// Flusher is an optional interface for writers that support flushing.
type Flusher interface {
	Sync() error
}

// Summary is the end-of-session tally shown in the summary box.
type Summary struct {
	ToolCalls int
	Errors    []ToolError
	Duration  time.Duration
	Tokens    int
	CostUSD   float64
}

// ToolError is one failed tool call.
type ToolError struct {
	Name string
	Text string
}

// Display handles terminal output: step headers, the agent heartbeat line,
// tool activity and banners. All methods are safe for concurrent use.
type Display struct {
	out         io.Writer
	mu          sync.Mutex
	spinMu      sync.Mutex // Separate mutex for spinner to avoid deadlock
	spinning    bool
	spinStop    chan struct{}
	spinDone    chan struct{}
	spinMsg     string
	spinStart   time.Time
	frame       int
	heartbeat   bool // a heartbeat line is on screen
	interactive bool
	verbose     int
}

// flush attempts to flush the output if it supports it.
func (d *Display) flush() {
	if f, ok := d.out.(Flusher); ok {
		f.Sync()
	}
}

// NewDisplay creates a new display writer. The heartbeat line and the
// spinner are only drawn when out is a terminal.
func NewDisplay(out io.Writer) *Display {
	d := &Display{out: out}
	if f, ok := out.(*os.File); ok {
		d.interactive = term.IsTerminal(f.Fd())
	}
	return d
}

// SetVerbosity sets how much tool output is shown (0, 1 or 2+).
func (d *Display) SetVerbosity(v int) {
	d.mu.Lock()
	d.verbose = v
	d.mu.Unlock()
}

// Verbosity returns the configured verbosity.
func (d *Display) Verbosity() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.verbose
}

// println writes one line, first erasing any heartbeat. Callers hold d.mu.
func (d *Display) println(s string) {
	if d.heartbeat {
		fmt.Fprint(d.out, clearLine)
		d.heartbeat = false
	}
	fmt.Fprintln(d.out, s)
}

// StartSpinner begins the loading spinner with a message. Used for short
// blocking operations outside of agent sessions.
func (d *Display) StartSpinner(msg string) {
	if !d.interactive {
		d.mu.Lock()
		d.println("   " + msg)
		d.mu.Unlock()
		return
	}

	d.spinMu.Lock()
	if d.spinning {
		d.spinMsg = truncate(msg, 60)
		d.spinMu.Unlock()
		return
	}
	d.spinning = true
	d.spinMsg = truncate(msg, 60)
	d.spinStart = time.Now()
	d.spinStop = make(chan struct{})
	d.spinDone = make(chan struct{})
	stop, done := d.spinStop, d.spinDone
	d.spinMu.Unlock()

	go func() {
		defer close(done)
		frame := 0
		ticker := time.NewTicker(80 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				d.mu.Lock()
				fmt.Fprint(d.out, clearLine)
				d.heartbeat = false
				d.flush()
				d.mu.Unlock()
				return
			case <-ticker.C:
				d.spinMu.Lock()
				msg := d.spinMsg
				d.spinMu.Unlock()

				d.mu.Lock()
				fmt.Fprintf(d.out, "%s   %s %s (%s)", clearLine, styleNote.Render(spinnerFrames[frame]), msg, formatElapsed(time.Since(d.spinStart)))
				d.heartbeat = true
				d.flush()
				d.mu.Unlock()
				frame = (frame + 1) % len(spinnerFrames)
			}
		}
	}()
}

// StopSpinner stops the loading spinner.
func (d *Display) StopSpinner() {
	d.spinMu.Lock()
	if !d.spinning {
		d.spinMu.Unlock()
		return
	}
	d.spinning = false
	close(d.spinStop)
	done := d.spinDone
	d.spinMu.Unlock()
	<-done
}

// Heartbeat redraws the single status line in place. It is a no-op when the
// output is not a terminal.
func (d *Display) Heartbeat(verb, activity string, elapsed, total time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.interactive {
		return
	}
	ch := spinnerFrames[d.frame%len(spinnerFrames)]
	d.frame++
	line := fmt.Sprintf("  %s %s... (%s %s | total %s)", ch, verb, formatSeconds(elapsed), activity, formatSeconds(total))
	fmt.Fprint(d.out, clearLine+styleNote.Render(line))
	d.heartbeat = true
	d.flush()
}

// ClearHeartbeat erases the heartbeat line if one is drawn.
func (d *Display) ClearHeartbeat() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.heartbeat {
		fmt.Fprint(d.out, clearLine)
		d.heartbeat = false
		d.flush()
	}
}

// ShowStepHeader prints the banner that opens a pipeline step.
func (d *Display) ShowStepHeader(title string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rule := strings.Repeat("=", 44)
	d.println("")
	d.println(rule)
	d.println(styleHeading.Render(title))
	d.println(rule)
	d.println("")
}

// ShowInfo displays an info message.
func (d *Display) ShowInfo(format string, args ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.heartbeat {
		fmt.Fprint(d.out, clearLine)
		d.heartbeat = false
	}
	fmt.Fprintf(d.out, format, args...)
}

// ShowWarning displays a warning line.
func (d *Display) ShowWarning(msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.println(styleWarn.Render("  ! " + msg))
}

// ShowText prints a block of agent text, one indented line per line.
func (d *Display) ShowText(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, l := range strings.Split(text, "\n") {
		d.println(styleNote.Render("  " + l))
	}
}

// ShowToolUse prints a tool call line, e.g. "> Read → main.go (3s)".
func (d *Display) ShowToolUse(name, summary string, elapsed time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.println(styleTool.Render(fmt.Sprintf("  > %s%s (%s)", name, summary, formatSeconds(elapsed))))
}

// ShowToolResult prints the result marker and the output trimmed to the
// configured verbosity.
func (d *Display) ShowToolResult(name, output string, isError bool, elapsed time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	marker := styleOK.Render("✓")
	if isError {
		marker = styleFail.Render("✗")
	}
	d.println(fmt.Sprintf("  %s %s (%s)", marker, name, formatSeconds(elapsed)))
	for _, l := range TrimToolOutput(output, d.verbose) {
		d.println(styleDim.Render("    " + l))
	}
}

// ShowSystem prints a system notice at verbosity 2 and above.
func (d *Display) ShowSystem(subtype, model string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.verbose < 2 {
		return
	}
	msg := "  [system] " + subtype
	if model != "" {
		msg += " (model: " + model + ")"
	}
	d.println(styleDim.Render(msg))
}

// ShowDone prints the completion line and, at verbosity 1 and above, the
// agent's final output.
func (d *Display) ShowDone(output string, elapsed, total time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.println(styleOK.Render(fmt.Sprintf("  ✓ Done. Duration: %s, Total: %s", formatSeconds(elapsed), formatSeconds(total))))
	output = strings.TrimSpace(output)
	if output == "" || d.verbose < 1 {
		return
	}
	d.println(styleDim.Render("  --- Final output ---"))
	for _, l := range strings.Split(output, "\n") {
		d.println("  " + l)
	}
}

// ShowInterrupted reports a local interrupt.
func (d *Display) ShowInterrupted() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.println("")
	d.println(styleWarn.Render("  [interrupted]"))
}

// ShowSummary prints the end-of-session box.
func (d *Display) ShowSummary(s Summary) {
	d.mu.Lock()
	defer d.mu.Unlock()

	lines := []string{
		styleStrong.Render("Summary"),
		fmt.Sprintf("Tool calls: %d (%d errors)", s.ToolCalls, len(s.Errors)),
		fmt.Sprintf("Duration: %.1fs", s.Duration.Seconds()),
	}
	if s.Tokens > 0 {
		lines = append(lines, fmt.Sprintf("Tokens: %s ($%.2f)", formatTokens(s.Tokens), s.CostUSD))
	}
	if len(s.Errors) > 0 {
		lines = append(lines, "Errors:")
		for _, e := range s.Errors {
			lines = append(lines, styleFail.Render(fmt.Sprintf("  ✗ %s (%s)", e.Name, e.Text)))
		}
	}
	d.println("")
	d.println(d.box(grey).Render(strings.Join(lines, "\n")))
	d.println("")
}

// ShowBanner prints a boxed banner, e.g. the push result.
func (d *Display) ShowBanner(title string, lines ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	body := append([]string{styleOK.Render(title), ""}, lines...)
	d.println("")
	d.println(d.box(green).Render(strings.Join(body, "\n")))
}

// ShowAbort prints a boxed abort banner naming the reason.
func (d *Display) ShowAbort(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.println("")
	d.println(d.box(red).Render(styleFail.Render("[!!] Aborted") + "\n\n" + reason))
}

// ShowError displays an error message.
func (d *Display) ShowError(msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.println("")
	d.println(d.box(red).Render(styleFail.Render("[!!] Error") + "\n\n" + msg))
}

// ShowRule prints a plain delimiter line around a section of raw output.
func (d *Display) ShowRule(label string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.println(styleDim.Render(fmt.Sprintf("=== %s ===", label)))
}

// Helper functions

// formatElapsed formats duration with fixed width (always 6 chars like " 1.04s")
func formatElapsed(d time.Duration) string {
	secs := d.Seconds()
	if secs < 10 {
		return fmt.Sprintf("%5.2fs", secs) // " 1.04s"
	} else if secs < 100 {
		return fmt.Sprintf("%5.1fs", secs) // " 10.0s"
	}
	return fmt.Sprintf("%5.0fs", secs) // "  100s"
}

// formatSeconds renders whole seconds, e.g. "42s".
func formatSeconds(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%ds", int(d.Seconds()))
}

func formatTokens(n int) string {
	if n >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	}
	if n >= 1000 {
		return fmt.Sprintf("%.1fk", float64(n)/1000)
	}
	return fmt.Sprintf("%d", n)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
