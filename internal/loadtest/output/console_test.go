package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/wesleyorama2/smtpload/internal/loadtest"
	"github.com/wesleyorama2/smtpload/internal/loadtest/config"
	"github.com/wesleyorama2/smtpload/internal/loadtest/metrics"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{500 * time.Millisecond, "500ms"},
		{1 * time.Second, "1.0s"},
		{1*time.Minute + 30*time.Second, "1m 30s"},
		{1*time.Hour + 2*time.Minute + 3*time.Second, "1h 02m 03s"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			result := formatDuration(tt.duration)
			if result != tt.expected {
				t.Errorf("formatDuration(%v) = %q, want %q", tt.duration, result, tt.expected)
			}
		})
	}
}

func TestFormatMillis(t *testing.T) {
	tests := []struct {
		ms       float64
		expected string
	}{
		{0, "0ms"},
		{0.5, "500µs"},
		{120, "120ms"},
		{1500, "1.50s"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			result := formatMillis(tt.ms)
			if result != tt.expected {
				t.Errorf("formatMillis(%v) = %q, want %q", tt.ms, result, tt.expected)
			}
		})
	}
}

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		number   int64
		expected string
	}{
		{0, "0"},
		{100, "100"},
		{1000, "1,000"},
		{12345, "12,345"},
		{1234567, "1,234,567"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			result := formatNumber(tt.number)
			if result != tt.expected {
				t.Errorf("formatNumber(%d) = %q, want %q", tt.number, result, tt.expected)
			}
		})
	}
}

func TestRenderProgressBar(t *testing.T) {
	if got := renderProgressBar(0.5, 10); got != "[█████░░░░░]" {
		t.Errorf("renderProgressBar(0.5) = %q", got)
	}
	if got := renderProgressBar(2, 4); got != "[████]" {
		t.Errorf("renderProgressBar(2) = %q", got)
	}
}

func sampleState() *loadtest.RunState {
	started := time.Now().Add(-10 * time.Second)
	ended := started.Add(10 * time.Second)
	return &loadtest.RunState{
		ID:              "run-1",
		Name:            "nightly",
		Mode:            config.ModeCount,
		Status:          loadtest.StatusCompleted,
		TotalAttempted:  1200,
		Succeeded:       1190,
		Failed:          10,
		StartedAt:       started,
		EndedAt:         &ended,
		MinResponseTime: 12,
		AvgResponseTime: 85,
		P95ResponseTime: 140,
		MaxResponseTime: 1500,
		EmailsPerSecond: 120,
		Progress:        100,
		Errors: []metrics.ErrorRecord{
			{Recipient: "bad@x.com", Message: "550 5.1.1 No such user"},
		},
	}
}

func TestConsole_PrintSummary(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf, NoColor: true})

	c.PrintSummary(sampleState())
	out := buf.String()

	for _, want := range []string{
		"nightly - Completed ✓",
		"Attempted:     1,200",
		"Succeeded:     1,190",
		"Failed:        10",
		"Success Rate:  99.2%",
		"Throughput:    120.00 emails/s",
		"Max:       1.50s",
		"bad@x.com: 550 5.1.1 No such user",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\033[") {
		t.Error("summary contains escape codes with colors disabled")
	}
}

func TestConsole_PrintHeader(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf, NoColor: true})

	c.PrintHeader("run-1", &config.RunConfig{
		Server:      config.ServerConfig{Host: "smtp.test", Port: 587},
		Recipients:  []string{"a@x.com"},
		Workers:     4,
		Mode:        config.ModeCount,
		TotalEmails: 5000,
	})

	out := buf.String()
	for _, want := range []string{"SMTP load test - Running [count]", "smtp.test:587", "Workers:    4", "Emails:     5,000"} {
		if !strings.Contains(out, want) {
			t.Errorf("header missing %q:\n%s", want, out)
		}
	}
}

func TestConsole_UpdateRequiresTTY(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf, NoColor: true})

	c.Update(sampleState(), time.Now())
	if buf.Len() != 0 {
		t.Errorf("expected no live output on a non-terminal writer, got %q", buf.String())
	}

	c.PrintProgressLine(sampleState(), time.Now())
	if !strings.Contains(buf.String(), "Sent: 1190 | Failed: 10") {
		t.Errorf("unexpected progress line %q", buf.String())
	}
}

func TestConsole_UpdateRedraws(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf, NoColor: true, ForceTTY: true})

	s := sampleState()
	s.Status = loadtest.StatusRunning
	c.Update(s, time.Now())
	first := buf.Len()
	c.Update(s, time.Now())

	if !strings.Contains(buf.String()[first:], "\033[3A") {
		t.Error("second update did not move the cursor over the previous display")
	}
}

func TestConsole_Quiet(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf, Quiet: true})

	c.PrintHeader("run-1", &config.RunConfig{})
	c.PrintProgressLine(sampleState(), time.Now())
	c.PrintSummary(sampleState())

	if got := strings.TrimSpace(buf.String()); got != "1190 sent, 10 failed" {
		t.Errorf("quiet output = %q", got)
	}
}
