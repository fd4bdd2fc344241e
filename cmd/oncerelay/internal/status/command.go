package status

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/oncerelay/cmd/oncerelay/internal"
	"github.com/tinyland-inc/oncerelay/pkg/config"
	"github.com/tinyland-inc/oncerelay/pkg/logger"
	"github.com/tinyland-inc/oncerelay/pkg/session"
)

func NewStatusCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:     "status",
		Aliases: []string{"s"},
		Short:   "Show whether a WhatsApp session is linked",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := internal.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}
			return statusCmd(cmd.Context(), os.Stdout, cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (default: ~/.oncerelay/config.json)")

	return cmd
}

func statusCmd(ctx context.Context, w io.Writer, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	path := cfg.SessionPath()

	fmt.Fprintf(w, "%s oncerelay %s\n\n", internal.Logo, internal.FormatVersion())
	fmt.Fprintf(w, "Session:    %s\n", path)
	if cfg.KeepAlive.Enabled {
		fmt.Fprintf(w, "Keep-alive: %s:%d\n", cfg.KeepAlive.Host, cfg.KeepAlive.Port)
	} else {
		fmt.Fprintln(w, "Keep-alive: disabled")
	}
	if len(cfg.Relay.AllowFrom) > 0 {
		fmt.Fprintf(w, "Allow from: %v\n", []string(cfg.Relay.AllowFrom))
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintln(w, "Linked:     no")
		return nil
	}

	sess, err := session.Open(ctx, path, logger.WhatsApp("Database"))
	if err != nil {
		return err
	}
	defer sess.Close()

	if id, ok := sess.ID(); ok {
		fmt.Fprintf(w, "Linked:     yes (%s)\n", id)
	} else {
		fmt.Fprintln(w, "Linked:     no")
	}
	return nil
}
