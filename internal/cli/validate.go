package cli

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/wesleyorama2/smtpload/internal/loadtest/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Validate run configuration files",
	Long: `Check run configuration files against the schema and the value rules
without connecting to any server.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	invalid := 0
	for _, path := range args {
		cfg, err := config.LoadConfig(path)
		if err != nil {
			invalid++
			fmt.Fprintf(out, "%s %s\n", red("✗"), path)

			var verrs *config.ValidationErrors
			if errors.As(err, &verrs) {
				for _, e := range verrs.Errors {
					field := e.Field
					if field == "" {
						field = "(root)"
					}
					fmt.Fprintf(out, "    %s: %s\n", field, e.Message)
				}
			} else {
				fmt.Fprintf(out, "    %v\n", err)
			}
			continue
		}

		fmt.Fprintf(out, "%s %s (%s, %d workers, %d recipients)\n",
			green("✓"), path, cfg.Mode, cfg.Workers, len(cfg.Recipients))
	}

	if invalid > 0 {
		return fmt.Errorf("%d of %d configuration files are invalid", invalid, len(args))
	}
	return nil
}
