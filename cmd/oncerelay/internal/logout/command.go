package logout

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/oncerelay/cmd/oncerelay/internal"
	"github.com/tinyland-inc/oncerelay/pkg/config"
	"github.com/tinyland-inc/oncerelay/pkg/logger"
	"github.com/tinyland-inc/oncerelay/pkg/session"
)

func NewLogoutCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Discard the stored WhatsApp session",
		Args:  cobra.NoArgs,
		Example: `  oncerelay logout
  oncerelay logout --config /etc/oncerelay/config.json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := internal.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}
			return logoutCmd(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (default: ~/.oncerelay/config.json)")

	return cmd
}

func logoutCmd(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	path := cfg.SessionPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Println("No session stored.")
		return nil
	}

	sess, err := session.Open(ctx, path, logger.WhatsApp("Database"))
	if err != nil {
		return err
	}
	defer sess.Close()

	id, linked := sess.ID()
	if !linked {
		fmt.Println("No linked device in", path)
		return nil
	}
	if err := sess.Clear(ctx); err != nil {
		return err
	}
	if png := cfg.QRPNGPath(); png != "" {
		_ = os.Remove(png)
	}
	fmt.Printf("%s Session for %s discarded. The next run shows a new QR code.\n", internal.Logo, id)
	return nil
}
