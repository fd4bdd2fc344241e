package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/oncerelay/cmd/oncerelay/internal"
	"github.com/tinyland-inc/oncerelay/cmd/oncerelay/internal/logout"
	"github.com/tinyland-inc/oncerelay/cmd/oncerelay/internal/onboard"
	"github.com/tinyland-inc/oncerelay/cmd/oncerelay/internal/run"
	"github.com/tinyland-inc/oncerelay/cmd/oncerelay/internal/status"
	"github.com/tinyland-inc/oncerelay/cmd/oncerelay/internal/version"
)

func NewOncerelayCommand() *cobra.Command {
	short := fmt.Sprintf("%s oncerelay - WhatsApp view-once relay v%s\n\n", internal.Logo, internal.GetVersion())

	runCmd := run.NewRunCommand()
	cmd := &cobra.Command{
		Use:          "oncerelay",
		Short:        short,
		Example:      "oncerelay run",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         runCmd.RunE,
	}
	// Bare `oncerelay` runs the relay, so it shares the run flags.
	cmd.Flags().AddFlagSet(runCmd.Flags())

	cmd.AddCommand(
		runCmd,
		logout.NewLogoutCommand(),
		onboard.NewOnboardCommand(),
		status.NewStatusCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewOncerelayCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
