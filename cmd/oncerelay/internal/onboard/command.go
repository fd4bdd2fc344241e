package onboard

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/oncerelay/cmd/oncerelay/internal"
	"github.com/tinyland-inc/oncerelay/pkg/config"
)

func NewOnboardCommand() *cobra.Command {
	var (
		configPath string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "onboard",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		Example: `  oncerelay onboard
  oncerelay onboard --config /path/to/config.json --force`,
		RunE: func(_ *cobra.Command, _ []string) error {
			if configPath == "" {
				configPath = internal.GetConfigPath()
			}
			return onboard(os.Stdout, configPath, force)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (default: ~/.oncerelay/config.json)")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")

	return cmd
}

func onboard(w io.Writer, path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
	}
	if err := config.SaveConfig(path, config.DefaultConfig()); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintf(w, "%s Config written to %s\n", internal.Logo, path)
	fmt.Fprintln(w, "Run `oncerelay run` and scan the QR code to link the account.")
	return nil
}
