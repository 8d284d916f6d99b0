package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/smtpload/internal/loadtest"
	"github.com/wesleyorama2/smtpload/internal/loadtest/config"
	"github.com/wesleyorama2/smtpload/internal/loadtest/engine"
	"github.com/wesleyorama2/smtpload/internal/loadtest/output"
	"github.com/wesleyorama2/smtpload/internal/logging"
)

// ErrNoDeliveries is returned when a run ends without a single successful send.
var ErrNoDeliveries = errors.New("no email was delivered")

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an SMTP load test",
	Long: `Send email through an SMTP server and report the results.

Config file mode:
  smtpload run --config relay.yaml

Flag mode:
  smtpload run --host smtp.example.com --port 587 \
    --username load@example.com --password secret \
    --recipients "a@example.com,b@example.com" \
    --subject "Load test" --body "Hello" \
    --workers 10 --mode count --emails 1000

Flags given together with --config override the file.
Press Ctrl-C to stop a run early; in-flight sends are allowed to finish.`,
	RunE: runLoadTest,
}

// progressInterval is how often the live display is refreshed.
var progressInterval = time.Second

func runLoadTest(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	quiet, _ := cmd.Flags().GetBool("quiet")
	noColor, _ := cmd.Flags().GetBool("no-color")
	logLevel, _ := cmd.Flags().GetString("log-level")

	cfg, err := buildRunConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := logging.New(logLevel, logging.FormatConsole)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctrl, err := engine.New(engine.Config{
		Sender: newSender(logger),
		Logger: logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := ctrl.Start(ctx, cfg)
	if err != nil {
		return err
	}

	console := output.NewConsole(output.ConsoleConfig{
		Writer:  cmd.OutOrStdout(),
		Quiet:   quiet || jsonOutput,
		NoColor: noColor,
	})
	console.PrintHeader(handle.ID, cfg)

	watchRun(ctx, ctrl, handle, console, quiet || jsonOutput)

	final, err := ctrl.Wait(context.Background(), handle.ID)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(final); err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
	} else {
		console.PrintSummary(final)
	}

	if final.Succeeded == 0 && final.Failed > 0 {
		return ErrNoDeliveries
	}
	return nil
}

// watchRun refreshes the display until the run completes. Cancelling ctx
// stops the run and keeps waiting for it to drain.
func watchRun(ctx context.Context, ctrl *engine.Controller, handle *engine.RunHandle, console *output.Console, silent bool) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	interrupted := ctx.Done()
	for {
		select {
		case <-handle.Done():
			return
		case <-interrupted:
			interrupted = nil
			go ctrl.Stop(handle.ID)
		case now := <-ticker.C:
			if silent {
				continue
			}
			state, ok := ctrl.Snapshot(handle.ID)
			if !ok || state.Status == loadtest.StatusCompleted {
				continue
			}
			if console.IsTTY() {
				console.Update(state, now)
			} else {
				console.PrintProgressLine(state, now)
			}
		}
	}
}

// buildRunConfig loads --config when given and applies the flags that were
// set on the command line.
func buildRunConfig(cmd *cobra.Command) (*config.RunConfig, error) {
	flags := cmd.Flags()

	cfg := &config.RunConfig{
		Server:  config.ServerConfig{Port: 25},
		Workers: 1,
		Mode:    config.ModeCount,
	}

	if path, _ := flags.GetString("config"); path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if flags.Changed("name") {
		cfg.Name, _ = flags.GetString("name")
	}
	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("tls") {
		cfg.Server.TLS, _ = flags.GetBool("tls")
	}
	if flags.Changed("no-starttls") {
		cfg.Server.DisableStartTLS, _ = flags.GetBool("no-starttls")
	}
	if flags.Changed("insecure") {
		cfg.Server.InsecureSkipVerify, _ = flags.GetBool("insecure")
	}
	if flags.Changed("timeout") {
		v, _ := flags.GetString("timeout")
		d, err := config.ParseDurationString(v)
		if err != nil {
			return nil, fmt.Errorf("invalid --timeout: %w", err)
		}
		cfg.Server.Timeout = config.Duration(d)
	}

	if flags.Changed("username") || flags.Changed("password") {
		if cfg.Auth == nil {
			cfg.Auth = &config.AuthConfig{}
		}
		if flags.Changed("username") {
			cfg.Auth.Username, _ = flags.GetString("username")
		}
		if flags.Changed("password") {
			cfg.Auth.Password, _ = flags.GetString("password")
		}
	}

	if flags.Changed("from") {
		cfg.Message.From, _ = flags.GetString("from")
	}
	if flags.Changed("subject") {
		cfg.Message.Subject, _ = flags.GetString("subject")
	}
	if flags.Changed("body") {
		cfg.Message.Body, _ = flags.GetString("body")
	}
	if flags.Changed("attachment") {
		cfg.Message.Attachment, _ = flags.GetString("attachment")
	}

	if flags.Changed("recipients") {
		v, _ := flags.GetString("recipients")
		cfg.Recipients = config.ParseRecipients(v)
	}
	if path, _ := flags.GetString("recipients-file"); path != "" {
		recipients, err := config.LoadRecipients(path)
		if err != nil {
			return nil, err
		}
		cfg.Recipients = append(cfg.Recipients, recipients...)
	}

	if flags.Changed("workers") {
		cfg.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("delay") {
		v, _ := flags.GetString("delay")
		d, err := config.ParseDurationString(v)
		if err != nil {
			return nil, fmt.Errorf("invalid --delay: %w", err)
		}
		cfg.Delay = config.Duration(d)
	}
	if flags.Changed("mode") {
		v, _ := flags.GetString("mode")
		cfg.Mode = config.Mode(v)
	}
	if flags.Changed("emails") {
		cfg.TotalEmails, _ = flags.GetInt("emails")
	}
	if flags.Changed("duration") {
		cfg.DurationSeconds, _ = flags.GetInt("duration")
	}
	if flags.Changed("max-rate") {
		cfg.MaxRate, _ = flags.GetFloat64("max-rate")
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func init() {
	runCmd.Flags().StringP("config", "c", "", "Run configuration file (YAML or JSON)")
	runCmd.Flags().String("name", "", "Run name shown in reports")

	// Server flags
	runCmd.Flags().String("host", "", "SMTP server host")
	runCmd.Flags().IntP("port", "p", 25, "SMTP server port")
	runCmd.Flags().Bool("tls", false, "Use implicit TLS (SMTPS)")
	runCmd.Flags().Bool("no-starttls", false, "Do not upgrade plain connections with STARTTLS")
	runCmd.Flags().Bool("insecure", false, "Skip TLS certificate verification")
	runCmd.Flags().StringP("timeout", "t", "30s", "Dial and command timeout")
	runCmd.Flags().StringP("username", "u", "", "SMTP AUTH username")
	runCmd.Flags().String("password", "", "SMTP AUTH password")

	// Message flags
	runCmd.Flags().String("from", "", "Sender address (default: username or loadtest@localhost)")
	runCmd.Flags().String("subject", "", "Message subject")
	runCmd.Flags().String("body", "", "Message body")
	runCmd.Flags().String("attachment", "", "File attached to every message")
	runCmd.Flags().StringP("recipients", "r", "", "Recipients separated by commas or semicolons")
	runCmd.Flags().String("recipients-file", "", "File with one recipient per line")

	// Load flags
	runCmd.Flags().IntP("workers", "w", 1, "Number of concurrent workers (1-100)")
	runCmd.Flags().String("delay", "0", "Pause after each send per worker (e.g. 100ms)")
	runCmd.Flags().StringP("mode", "m", "count", "Run mode: count, duration, continuous")
	runCmd.Flags().IntP("emails", "n", 0, "Emails to send in count mode")
	runCmd.Flags().IntP("duration", "d", 0, "Run length in seconds for duration mode")
	runCmd.Flags().Float64("max-rate", 0, "Maximum emails per second across workers (0 = unlimited)")

	// Output flags
	runCmd.Flags().Bool("json", false, "Print the final run state as JSON")
	runCmd.Flags().BoolP("quiet", "q", false, "Disable live progress output, show only final summary")
	runCmd.Flags().Bool("no-color", false, "Disable colored output")
	runCmd.Flags().String("log-level", "warn", "Log level: debug, info, warn, error")
}
