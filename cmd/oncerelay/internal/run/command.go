package run

import (
	"github.com/spf13/cobra"
)

func NewRunCommand() *cobra.Command {
	var opts Options

	cmd := &cobra.Command{
		Use:     "run",
		Aliases: []string{"r"},
		Short:   "Connect to WhatsApp and relay view-once media",
		Args:    cobra.NoArgs,
		Example: `  oncerelay run
  oncerelay run --debug
  oncerelay run --config /etc/oncerelay/config.json`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runCmd(opts)
		},
	}

	AddFlags(cmd, &opts)

	return cmd
}

// AddFlags registers the run flags on cmd, so the root command can run
// the relay by default.
func AddFlags(cmd *cobra.Command, opts *Options) {
	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "Config file path (default: ~/.oncerelay/config.json)")
	cmd.Flags().BoolVarP(&opts.Debug, "debug", "d", false, "Enable debug logging")
}
