// Package output renders load test progress and results on the console.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/wesleyorama2/smtpload/internal/loadtest"
	"github.com/wesleyorama2/smtpload/internal/loadtest/config"
)

// ANSI cursor control for the live display
const (
	cursorUp  = "\033[%dA"
	clearLine = "\033[2K"

	ruleChar       = "━"
	progressFilled = "█"
	progressEmpty  = "░"

	ruleWidth = 56
	barWidth  = 40
)

// Console manages console output during a run.
type Console struct {
	writer    io.Writer
	isTTY     bool
	useColors bool
	quiet     bool
	colors    *ColorScheme

	mu          sync.Mutex
	linesOutput int // lines of the live display currently on screen
}

// ConsoleConfig contains configuration for Console.
type ConsoleConfig struct {
	Writer      io.Writer
	Quiet       bool
	NoColor     bool
	ForceColors bool
	ForceTTY    bool
}

// NewConsole creates a console writer. Colors are used on terminals unless
// NoColor or the NO_COLOR environment variable is set.
func NewConsole(cfg ConsoleConfig) *Console {
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}

	isTTY := cfg.ForceTTY || isTerminal(cfg.Writer)
	useColors := !cfg.NoColor && (cfg.ForceColors || (isTTY && supportsColors()))

	colors := DefaultColorScheme()
	colors.setEnabled(useColors)

	return &Console{
		writer:    cfg.Writer,
		isTTY:     isTTY,
		useColors: useColors,
		quiet:     cfg.Quiet,
		colors:    colors,
	}
}

// IsTTY returns whether the output is a terminal.
func (c *Console) IsTTY() bool {
	return c.isTTY
}

// PrintHeader prints the run header.
func (c *Console) PrintHeader(runID string, cfg *config.RunConfig) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	name := cfg.Name
	if name == "" {
		name = "SMTP load test"
	}

	rule := c.colors.Rule.Sprint(strings.Repeat(ruleChar, ruleWidth))
	c.writeln(rule)
	c.writeln(fmt.Sprintf("%s - Running [%s]", c.colors.Title.Sprint(name), cfg.Mode))
	c.writeln(rule)
	c.writeln(fmt.Sprintf("Run:        %s", c.colors.Dim.Sprint(runID)))
	c.writeln(fmt.Sprintf("Server:     %s", c.colors.Value.Sprint(cfg.Server.Address())))
	c.writeln(fmt.Sprintf("Workers:    %d", cfg.Workers))
	c.writeln(fmt.Sprintf("Recipients: %d", len(cfg.Recipients)))
	switch cfg.Mode {
	case config.ModeCount:
		c.writeln(fmt.Sprintf("Emails:     %s", formatNumber(int64(cfg.TotalEmails))))
	case config.ModeDuration:
		c.writeln(fmt.Sprintf("Duration:   %s", formatDuration(cfg.RunDuration())))
	}
	c.writeln("")
}

// Update redraws the live display. It does nothing unless the output is a
// terminal; use PrintProgressLine otherwise.
func (c *Console) Update(s *loadtest.RunState, now time.Time) {
	if c.quiet || !c.isTTY {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.clearLive()
	lines := c.renderLive(s, now)
	c.linesOutput = len(lines)
	for _, line := range lines {
		c.writeln(line)
	}
}

// PrintProgressLine prints a one-line status for non-interactive output.
func (c *Console) PrintProgressLine(s *loadtest.RunState, now time.Time) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.writeln(fmt.Sprintf("[%s] %s | Progress: %.0f%% | Sent: %d | Failed: %d | Rate: %.1f/s | P95: %s",
		formatDuration(s.Elapsed(now)),
		s.Status,
		s.Progress,
		s.Succeeded,
		s.Failed,
		s.EmailsPerSecond,
		formatMillis(s.P95ResponseTime)))
}

// PrintSummary prints the final results of a completed run.
func (c *Console) PrintSummary(s *loadtest.RunState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	failRatio := failureRatio(s)

	if c.quiet {
		c.writeln(fmt.Sprintf("%d sent, %d failed", s.Succeeded, s.Failed))
		return
	}

	if c.isTTY {
		c.clearLive()
	}

	status := c.colors.Success.Sprint("Completed ✓")
	if s.Failed > 0 && s.Succeeded == 0 {
		status = c.colors.Error.Sprint("Completed ✗")
	}

	rule := c.colors.Rule.Sprint(strings.Repeat(ruleChar, ruleWidth))
	c.writeln("")
	c.writeln(rule)
	c.writeln(fmt.Sprintf("%s - %s", c.colors.Title.Sprint(displayName(s)), status))
	c.writeln(rule)
	c.writeln("")

	c.writeln(fmt.Sprintf("Duration:      %s", c.colors.Value.Sprint(formatDuration(s.Elapsed(time.Now())))))
	c.writeln(fmt.Sprintf("Attempted:     %s", c.colors.Value.Sprint(formatNumber(s.TotalAttempted))))
	c.writeln(fmt.Sprintf("Succeeded:     %s", c.colors.Success.Sprint(formatNumber(s.Succeeded))))
	c.writeln(fmt.Sprintf("Failed:        %s", c.colors.failureColor(failRatio).Sprint(formatNumber(s.Failed))))
	c.writeln(fmt.Sprintf("Success Rate:  %s", c.colors.failureColor(failRatio).Sprintf("%.1f%%", (1-failRatio)*100)))
	c.writeln(fmt.Sprintf("Throughput:    %s", c.colors.Value.Sprintf("%.2f emails/s", s.EmailsPerSecond)))
	c.writeln("")

	c.writeln(c.colors.Title.Sprint("Response Times:"))
	c.writeln(fmt.Sprintf("  Min:       %s", formatMillis(s.MinResponseTime)))
	c.writeln(fmt.Sprintf("  Avg:       %s", formatMillis(s.AvgResponseTime)))
	c.writeln(fmt.Sprintf("  P50:       %s", formatMillis(s.P50ResponseTime)))
	c.writeln(fmt.Sprintf("  P95:       %s", formatMillis(s.P95ResponseTime)))
	c.writeln(fmt.Sprintf("  P99:       %s", formatMillis(s.P99ResponseTime)))
	c.writeln(fmt.Sprintf("  Max:       %s", formatMillis(s.MaxResponseTime)))
	c.writeln("")

	if len(s.Errors) > 0 {
		shown := s.Errors
		if len(shown) > 5 {
			shown = shown[len(shown)-5:]
		}
		c.writeln(c.colors.Title.Sprintf("Recent Errors (%d of %d):", len(shown), s.Failed))
		for _, e := range shown {
			c.writeln(fmt.Sprintf("  %s %s: %s", c.colors.Error.Sprint("✗"), e.Recipient, e.Message))
		}
		c.writeln("")
	}
}

func (c *Console) renderLive(s *loadtest.RunState, now time.Time) []string {
	progress := c.colors.Success.Sprint(renderProgressBar(s.Progress/100, barWidth))
	status := string(s.Status)
	if s.Status == loadtest.StatusPaused {
		status = c.colors.Warn.Sprint(status)
	}

	failColor := c.colors.failureColor(failureRatio(s))
	return []string{
		fmt.Sprintf("Progress: %s %s | %s | %s",
			progress,
			c.colors.Title.Sprintf("%.0f%%", s.Progress),
			c.colors.Dim.Sprint(formatDuration(s.Elapsed(now))),
			status),
		fmt.Sprintf("Sent:     %s   Failed: %s   Rate: %s",
			c.colors.Value.Sprint(formatNumber(s.Succeeded)),
			failColor.Sprint(formatNumber(s.Failed)),
			c.colors.Value.Sprintf("%.1f/s", s.EmailsPerSecond)),
		fmt.Sprintf("Latency:  avg %s   p95 %s   max %s",
			formatMillis(s.AvgResponseTime),
			formatMillis(s.P95ResponseTime),
			formatMillis(s.MaxResponseTime)),
	}
}

// clearLive erases the live display. Callers hold mu.
func (c *Console) clearLive() {
	if c.linesOutput == 0 {
		return
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	for i := 0; i < c.linesOutput; i++ {
		c.write(clearLine + "\n")
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	c.linesOutput = 0
}

func (c *Console) write(s string) {
	fmt.Fprint(c.writer, s)
}

func (c *Console) writeln(s string) {
	fmt.Fprintln(c.writer, s)
}

func displayName(s *loadtest.RunState) string {
	if s.Name != "" {
		return s.Name
	}
	return "SMTP load test"
}

func failureRatio(s *loadtest.RunState) float64 {
	if s.TotalAttempted == 0 {
		return 0
	}
	return float64(s.Failed) / float64(s.TotalAttempted)
}

// renderProgressBar renders a progress bar for progress between 0 and 1.
func renderProgressBar(progress float64, width int) string {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}

	filled := int(progress * float64(width))
	return "[" + strings.Repeat(progressFilled, filled) + strings.Repeat(progressEmpty, width-filled) + "]"
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %02ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
}

// formatMillis formats a response time given in milliseconds.
func formatMillis(ms float64) string {
	switch {
	case ms <= 0:
		return "0ms"
	case ms < 1:
		return fmt.Sprintf("%dµs", int(ms*1000))
	case ms < 1000:
		return fmt.Sprintf("%.0fms", ms)
	default:
		return fmt.Sprintf("%.2fs", ms/1000)
	}
}

// formatNumber formats a number with thousands separators.
func formatNumber(n int64) string {
	str := fmt.Sprintf("%d", n)
	if n < 0 || len(str) <= 3 {
		return str
	}

	var result strings.Builder
	offset := len(str) % 3
	if offset > 0 {
		result.WriteString(str[:offset])
	}
	for i := offset; i < len(str); i += 3 {
		if result.Len() > 0 {
			result.WriteString(",")
		}
		result.WriteString(str[i : i+3])
	}
	return result.String()
}
